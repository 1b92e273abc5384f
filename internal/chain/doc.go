// Package chain compiles a dataset graph into self-triggering remote job
// scripts and hands the result to the remote host.
//
// Instead of a local controller polling for finished jobs, every job script
// ends with the submissions of its children's matching generation. Only the
// root generations are submitted from outside, by a single master script that
// the anchor's connection runs in the background. After Run returns, the
// chain advances on the remote host with no further local involvement.
//
// A compiled plan is made of typed fragments (package fragment) that are
// rendered to bash only when a runner is staged:
//
//	parent_check  gates the payload on the parents' results for the same
//	              generation, plus any staleness guards installed at append
//	child_submit  forwards this job's error file to the child, then submits
//	              the child's generation
//
// Generation i of a dataset only ever refers to generation i of its parents
// and children, which is why the graph must be in lockstep to compile.
package chain
