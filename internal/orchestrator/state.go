package orchestrator

import (
	"errors"
	"time"
)

// State is a job lifecycle state.
type State int

const (
	Initializing State = iota
	Running
	Paused
	Draining
	Completed
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "INITIALIZING"
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	case Draining:
		return "DRAINING"
	case Completed:
		return "COMPLETED"
	case Stopped:
		return "STOPPED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == Completed || s == Stopped || s == Failed
}

// Process exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitStopped = 3
)

// ExitCode maps a final state to the process exit status.
func ExitCode(s State) int {
	switch s {
	case Completed:
		return ExitSuccess
	case Stopped:
		return ExitStopped
	default:
		return ExitFailure
	}
}

// ErrStopped is returned by Run when an operator stopped the job.
var ErrStopped = errors.New("job stopped by command")

// Summary is the outcome of a job.
type Summary struct {
	JobID       string
	State       State
	Total       int
	Completed   int
	Failed      int
	Discarded   int
	Elapsed     time.Duration
	StopCommand string
	Err         error
}
