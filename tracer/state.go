package tracer

type State int

const (
	State_Init State = iota
	State_Running
	State_PrivilegedOpPending
	State_Done
	State_Faulted
)

func (s State) String() string {
	switch s {
	case State_Init:
		return "INIT"
	case State_Running:
		return "RUNNING"
	case State_PrivilegedOpPending:
		return "PRIVILEGED_OP_PENDING"
	case State_Done:
		return "DONE"
	case State_Faulted:
		return "FAULTED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == State_Done || s == State_Faulted
}
