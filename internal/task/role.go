package task

import "github.com/marklogic/corb2/internal/config"

// Role is the phase a task runs in.
type Role int

const (
	Init Role = iota
	PreBatch
	Process
	PostBatch
)

// Roles lists every role in execution order.
var Roles = []Role{Init, PreBatch, Process, PostBatch}

func (r Role) String() string {
	switch r {
	case Init:
		return "INIT"
	case PreBatch:
		return "PRE-BATCH"
	case Process:
		return "PROCESS"
	case PostBatch:
		return "POST-BATCH"
	default:
		return "UNKNOWN"
	}
}

// Option is the option naming this role's module. It is also the prefix of
// the role's custom variables.
func (r Role) Option() string {
	switch r {
	case Init:
		return config.InitModule
	case PreBatch:
		return config.PreBatchModule
	case Process:
		return config.ProcessModule
	case PostBatch:
		return config.PostBatchModule
	default:
		return ""
	}
}
