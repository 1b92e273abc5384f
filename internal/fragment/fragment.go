package fragment

import "path"

// BaseVar is exported by the bootstrap script and inherited by every job it
// (transitively) submits.
const BaseVar = "GRIDCHAIN_BASE"

// Path is a file on the remote host: the directory it lives in and its name.
type Path struct {
	Dir  string `yaml:"dir"`
	Name string `yaml:"name"`
}

// String returns the joined remote path.
func (p Path) String() string {
	return path.Join(p.Dir, p.Name)
}

// Freshness pairs a parent's run-definition file with its result file. The
// pair passes only when the result post-dates the run definition.
type Freshness struct {
	Run    Path `yaml:"run"`
	Result Path `yaml:"result"`
}

// Guard gates the payload of one generation. It passes when every Results
// path exists and every Fresh pair holds.
type Guard struct {
	Results []Path      `yaml:"results,omitempty"`
	Fresh   []Freshness `yaml:"fresh,omitempty"`
}

// Empty reports whether the guard has no conditions at all.
func (g Guard) Empty() bool {
	return len(g.Results) == 0 && len(g.Fresh) == 0
}

// Merge returns a guard combining g with others, keeping g's conditions first.
func (g Guard) Merge(others ...Guard) Guard {
	out := Guard{
		Results: append([]Path(nil), g.Results...),
		Fresh:   append([]Freshness(nil), g.Fresh...),
	}
	for _, o := range others {
		out.Results = append(out.Results, o.Results...)
		out.Fresh = append(out.Fresh, o.Fresh...)
	}
	return out
}

// Mode selects how a job script is handed to the remote host.
type Mode int

const (
	// ModeQueue submits through the host's queueing command (e.g. sbatch).
	ModeQueue Mode = iota
	// ModeShell runs the script directly with the host's shell.
	ModeShell
)

func (m Mode) String() string {
	switch m {
	case ModeQueue:
		return "queue"
	case ModeShell:
		return "shell"
	default:
		return "unknown"
	}
}

// Submission describes one job-script submission.
type Submission struct {
	// Target is the identity of the runner being submitted.
	Target string
	// Dir is the remote directory the script is submitted from.
	Dir string
	// Script is the job script's file name inside Dir.
	Script string
	// Mode and Command select the submission mechanism.
	Mode    Mode
	Command string
	// Background detaches a shell-mode submission. Ignored in queue mode,
	// where the queue already returns immediately.
	Background bool
}

// Detached reports whether the rendered submission ends with a background marker.
func (s Submission) Detached() bool {
	return s.Background && s.Mode == ModeShell
}

// ChildSubmit is the fragment a parent generation runs once its own payload
// has finished: forward a failure, then submit the child's generation.
type ChildSubmit struct {
	// ErrorFrom is the parent generation's error file.
	ErrorFrom Path
	// ErrorTo is where the child generation expects its error file.
	ErrorTo Path
	Submit  Submission
	// Await, when not empty, holds the submission back until the child's
	// own guard passes or this job has failed. It is set for children
	// gated on several parents.
	Await Guard
	// Claim is a directory created with mkdir before an awaited submission.
	// mkdir is atomic, so when several parents pass Await at once only the
	// one that creates it submits.
	Claim Path
}
