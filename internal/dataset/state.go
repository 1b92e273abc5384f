package dataset

// State labels where a runner generation is in its lifecycle.
type State string

const (
	StateCreated       State = "created"
	StateStaged        State = "staged"
	StateDryRun        State = "dry run"
	StateSubmitPending State = "submit pending"
	StateStarted       State = "started"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// InFlight reports whether the generation has been handed to a remote host
// and not yet finished.
func (s State) InFlight() bool {
	return s == StateSubmitPending || s == StateStarted
}

// Finished reports whether the generation reached a terminal state.
func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed
}

// Submitted reports whether the generation was ever dispatched.
func (s State) Submitted() bool {
	return s.InFlight() || s.Finished()
}
