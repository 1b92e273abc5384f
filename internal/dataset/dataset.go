// Package dataset defines the collaborators the chain compiler works on: a
// Dataset owning an ordered list of Runner generations, and the files and
// states a runner exposes.
//
// The interfaces deliberately stop at what the compiler, the lockstep
// dispatcher and the reconcilers need. How a dataset serializes its function,
// packs its arguments or persists its runner list is the implementation's
// business (see internal/localdataset).
package dataset

import (
	"context"
	"path"
	"path/filepath"

	"github.com/specialistvlad/gridchain/internal/fragment"
	"github.com/specialistvlad/gridchain/internal/transport"
)

// Origin tells a dataset whether a lifecycle call comes from its own user or
// from a graph-wide fan-out. A dataset that cascades direct calls to its
// graph must not cascade again for OriginGraph calls.
type Origin int

const (
	// OriginDirect is a call made on one dataset by its user.
	OriginDirect Origin = iota
	// OriginGraph is a call made by the lockstep dispatcher.
	OriginGraph
)

func (o Origin) String() string {
	if o == OriginGraph {
		return "graph"
	}
	return "direct"
}

// File is a file a runner owns, known both locally and on the remote host.
type File struct {
	Name      string
	LocalDir  string
	RemoteDir string
}

// Local returns the local path.
func (f File) Local() string {
	return filepath.Join(f.LocalDir, f.Name)
}

// Remote returns the remote path.
func (f File) Remote() string {
	return path.Join(f.RemoteDir, f.Name)
}

// Fragment returns the remote location as a fragment path.
func (f File) Fragment() fragment.Path {
	return fragment.Path{Dir: f.RemoteDir, Name: f.Name}
}

// Options are the execution flags derived from a runner's run arguments.
type Options struct {
	// Asynchronous runners are dispatched without waiting for them.
	Asynchronous bool
	// AvoidNodes runs the job through the plain shell instead of the queue,
	// keeping it off specialized compute nodes.
	AvoidNodes bool
}

// RunSpec is the caller-supplied definition of one run, appended identically
// to every dataset of a graph.
type RunSpec struct {
	// Name identifies the run across datasets. Empty means "run-<generation>".
	Name string
	// Arguments are handed to the dataset's function.
	Arguments map[string]string
	// Extra is shell text added to this run's job script only.
	Extra string
	// Dir overrides the runner's remote working directory, relative to the
	// dataset's remote directory unless absolute.
	Dir string
	// Asynchronous and AvoidNodes override the dataset defaults when set.
	Asynchronous *bool
	AvoidNodes   *bool
}

// StageRequest carries the compiled, already-rendered chaining text a runner
// weaves into its job script.
type StageRequest struct {
	// ParentCheck is a shell condition gating the payload. Empty means none.
	ParentCheck string
	// ChildSubmit is run after the payload, whatever its outcome.
	ChildSubmit string
	// Repository is the shared function repository.
	Repository File
	// Extra is global plus per-call shell text.
	Extra string
	// Base is the remote directory $GRIDCHAIN_BASE points at.
	Base string
	// Manifest is the host manifest path.
	Manifest string
	// Force stages generations that would otherwise be skipped.
	Force bool
}

// Runner is one generation of a dataset's job.
type Runner interface {
	ID() string
	Name() string
	// Dir is the remote working directory of this generation.
	Dir() string

	JobScript() File
	RunFile() File
	ResultFile() File
	ErrorFile() File
	// ExtraFiles are local paths to ship alongside the job script.
	ExtraFiles() []string

	Options() Options
	State() State
	SetState(s State)
	Failed() bool

	// InstallGuard attaches a guard evaluated every time the job runs.
	InstallGuard(g fragment.Guard)
	Guards() []fragment.Guard

	// Stage writes the job script and run file. It returns false when the
	// generation is not ready to be emitted; that is not an error.
	Stage(ctx context.Context, req StageRequest) (bool, error)
}

// Dataset owns an ordered list of runner generations and the code they run.
type Dataset interface {
	// ID is a stable short identity.
	ID() string
	Name() string
	Runners() []Runner

	// FunctionSource is the embeddable shell function block.
	FunctionSource() string
	// Extra is shell text added to every job script of this dataset.
	Extra() string
	LocalDir() string
	RemoteDir() string
	Transport() transport.Transport
	Connection() transport.Connection

	AppendRun(ctx context.Context, spec RunSpec, origin Origin) (Runner, error)
	// FinishAppend is the completion hook for lazy appends.
	FinishAppend(ctx context.Context, origin Origin) error
	Save(ctx context.Context) error

	ClearRuns(ctx context.Context, origin Origin) error
	ClearResults(ctx context.Context, origin Origin) error
	WipeLocal(ctx context.Context, origin Origin) error
	WipeRemote(ctx context.Context, origin Origin) error
	HardReset(ctx context.Context, origin Origin) error
	RemoveRun(ctx context.Context, name string, origin Origin) (bool, error)

	// FetchResults pulls result and error files for every runner and
	// refreshes local state.
	FetchResults(ctx context.Context) error
	// Errors returns the aggregated error text of failed runners.
	Errors() []string
}
