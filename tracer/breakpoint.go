package tracer

import (
	"fmt"

	"github.com/wnxd/twilight/emulator"
)

type BreakAction int

const (
	BreakAction_Jump BreakAction = iota
	BreakAction_Set
	BreakAction_Stop
)

// Breakpoint rewrites state when execution reaches Addr, before the
// instruction there runs. Jump resumes at Value, Set stores Value in Reg,
// Stop ends the run.
type Breakpoint struct {
	Addr   uint64
	Action BreakAction
	Reg    emulator.Reg
	Value  uint64
}

func (a BreakAction) String() string {
	switch a {
	case BreakAction_Jump:
		return "jump"
	case BreakAction_Set:
		return "set"
	case BreakAction_Stop:
		return "stop"
	}
	return fmt.Sprintf("BreakAction(%d)", int(a))
}
