package machine

// ExecutableState is the lifecycle position of a machine.
type ExecutableState int

const (
	// NotStarted indicates Execute has not been called
	NotStarted ExecutableState = iota

	// Running indicates the machine is traversing its chain
	Running

	// Paused indicates the connectors of the current node are disabled
	Paused

	// Finished indicates the machine has completed
	// Check the CompletionCause for how it ended
	Finished
)

// String returns a human-readable representation of the ExecutableState
func (s ExecutableState) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// IsFinished returns true if the machine has completed
func (s ExecutableState) IsFinished() bool {
	return s == Finished
}

// CompletionCause records why a machine completed. It leaves Pending at
// most once.
type CompletionCause int

const (
	// CausePending indicates the machine has not decided how it ends
	CausePending CompletionCause = iota

	// CauseFinished indicates the chain reached its end
	CauseFinished

	// CauseExpired indicates the machine or a node timed out
	CauseExpired

	// CauseFaulted indicates a behavior failed while halting on faults
	CauseFaulted

	// CauseInterrupted indicates the machine was quit
	CauseInterrupted
)

// String returns a human-readable representation of the CompletionCause
func (c CompletionCause) String() string {
	switch c {
	case CausePending:
		return "pending"
	case CauseFinished:
		return "finished"
	case CauseExpired:
		return "expired"
	case CauseFaulted:
		return "faulted"
	case CauseInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// ParseCompletionCause returns the cause named s, as produced by String.
func ParseCompletionCause(s string) (CompletionCause, bool) {
	for c := CausePending; c <= CauseInterrupted; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return CausePending, false
}
