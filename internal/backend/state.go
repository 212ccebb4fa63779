package backend

// State is one node of the ManagedBackend state machine (spec.md §4.4):
//
//	NotStarted --start()--> Connecting --> Running
//	                  |          |            |
//	                  |          |            +-transport error-> Failed --retry timer--> Connecting
//	                  |          |            |
//	                  |          |            +-shutdown()-> Terminated (final)
//	                  |          +-start failure-> Failed
type State int

const (
	NotStarted State = iota
	Connecting
	Running
	Failed
	Terminated
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Connecting:
		return "connecting"
	case Running:
		return "running"
	case Failed:
		return "failed"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}
