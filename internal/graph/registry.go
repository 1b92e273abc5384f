package graph

import (
	"errors"
	"fmt"
)

// ErrCycle is wrapped by DetectCycles when the edges form a loop.
var ErrCycle = errors.New("cycle detected")

// Identified is anything with a stable identity usable as an arena key.
type Identified interface {
	ID() string
}

// Edge is a directed producer → consumer relationship.
type Edge[T Identified] struct {
	Producer T
	Consumer T
}

// View is the read-only surface the dispatcher and compiler work against.
type View[T Identified] interface {
	// Datasets returns every registered entry in first-seen order.
	Datasets() []T
	// ChildrenOf returns the consumers of d in edge-insertion order.
	ChildrenOf(d T) []T
	// ParentsOf returns the producers of d in edge-insertion order.
	ParentsOf(d T) []T
	// Roots returns the entries with no parents, in first-seen order.
	Roots() []T
	// DetectCycles returns an error wrapping ErrCycle if the edges loop.
	DetectCycles() error
}

// Registry is the arena-backed edge registry. The zero value is not usable;
// call New.
type Registry[T Identified] struct {
	arena []T
	index map[string]int

	edges []pair
	seen  map[pair]struct{}

	children [][]int
	parents  [][]int
}

type pair struct{ from, to int }

// New creates an empty registry.
func New[T Identified]() *Registry[T] {
	return &Registry[T]{
		index: make(map[string]int),
		seen:  make(map[pair]struct{}),
	}
}

// Add registers d without any edges. Registering a known identity is a no-op.
func (r *Registry[T]) Add(d T) error {
	if _, err := r.slot(d); err != nil {
		return err
	}
	r.reindex()
	return nil
}

// AddEdge records that consumer depends on producer. Re-adding an existing
// pair does nothing and returns nil.
func (r *Registry[T]) AddEdge(producer, consumer T) error {
	if producer.ID() == consumer.ID() {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", producer.ID(), consumer.ID())
	}

	from, err := r.slot(producer)
	if err != nil {
		return err
	}
	to, err := r.slot(consumer)
	if err != nil {
		return err
	}

	p := pair{from: from, to: to}
	if _, exists := r.seen[p]; !exists {
		r.seen[p] = struct{}{}
		r.edges = append(r.edges, p)
	}
	r.reindex()
	return nil
}

// slot returns the arena index for d, inserting it if needed.
func (r *Registry[T]) slot(d T) (int, error) {
	id := d.ID()
	if id == "" {
		return 0, errors.New("cannot register an entry with an empty identity")
	}
	if i, ok := r.index[id]; ok {
		return i, nil
	}
	r.arena = append(r.arena, d)
	r.index[id] = len(r.arena) - 1
	return len(r.arena) - 1, nil
}

// reindex rebuilds the forward and reverse indexes from the edge list.
func (r *Registry[T]) reindex() {
	r.children = make([][]int, len(r.arena))
	r.parents = make([][]int, len(r.arena))
	for _, e := range r.edges {
		r.children[e.from] = append(r.children[e.from], e.to)
		r.parents[e.to] = append(r.parents[e.to], e.from)
	}
}

// Datasets implements View.
func (r *Registry[T]) Datasets() []T {
	out := make([]T, len(r.arena))
	copy(out, r.arena)
	return out
}

// Edges returns every edge in insertion order.
func (r *Registry[T]) Edges() []Edge[T] {
	out := make([]Edge[T], 0, len(r.edges))
	for _, e := range r.edges {
		out = append(out, Edge[T]{Producer: r.arena[e.from], Consumer: r.arena[e.to]})
	}
	return out
}

// Len returns the number of registered entries.
func (r *Registry[T]) Len() int {
	return len(r.arena)
}

// ChildrenOf implements View. Unknown entries have no children.
func (r *Registry[T]) ChildrenOf(d T) []T {
	i, ok := r.index[d.ID()]
	if !ok {
		return nil
	}
	return r.resolve(r.children[i])
}

// ParentsOf implements View. Unknown entries have no parents.
func (r *Registry[T]) ParentsOf(d T) []T {
	i, ok := r.index[d.ID()]
	if !ok {
		return nil
	}
	return r.resolve(r.parents[i])
}

// Roots implements View.
func (r *Registry[T]) Roots() []T {
	var out []T
	for i, d := range r.arena {
		if len(r.parents[i]) == 0 {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry[T]) resolve(slots []int) []T {
	out := make([]T, 0, len(slots))
	for _, s := range slots {
		out = append(out, r.arena[s])
	}
	return out
}

// DetectCycles checks the graph for any cycles. It returns an error wrapping
// ErrCycle that names the first node found on a cycle, walking the arena in
// first-seen order so the report is stable between runs.
func (r *Registry[T]) DetectCycles() error {
	// permanent: fully visited and known not to be on a cycle.
	// temporary: on the current recursion stack.
	permanent := make([]bool, len(r.arena))
	temporary := make([]bool, len(r.arena))

	var visit func(n int) error
	visit = func(n int) error {
		if permanent[n] {
			return nil
		}
		if temporary[n] {
			return fmt.Errorf("%w involving '%s'", ErrCycle, r.arena[n].ID())
		}

		temporary[n] = true
		for _, child := range r.children[n] {
			if err := visit(child); err != nil {
				return err
			}
		}
		temporary[n] = false
		permanent[n] = true
		return nil
	}

	for n := range r.arena {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}
