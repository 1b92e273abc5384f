// Package graph stores the directed producer → consumer edges of a pipeline
// and answers the structural questions the rest of gridchain asks about them.
//
// # Layout
//
// Datasets live in a single arena, addressed by their stable identity. An
// edge is a pair of arena indexes. Forward (children) and reverse (parents)
// indexes are rebuilt once per mutation, so every query is a slice lookup
// instead of a scan over the edge list:
//
//	arena:    [prepare, train, report]
//	edges:    [(0,1), (1,2)]
//	children: [[1], [2], []]
//	parents:  [[], [0], [1]]
//
// Ordering is deterministic everywhere: Datasets returns first-seen order,
// ChildrenOf and ParentsOf return edge-insertion order. The chain compiler
// relies on this when it picks an anchor and when a fan-in policy has to
// decide which parent is "first".
//
// # Ownership
//
// The registry never owns the datasets it indexes. Datasets hold no
// reference back to the registry; relations are always looked up by identity.
//
// # Thread-Safety
//
// None. Edges are registered once at pipeline-definition time by the single
// orchestrating goroutine and only queried afterwards.
package graph
