package tracer

import (
	"encoding/binary"
	"fmt"

	"github.com/wnxd/twilight/emulator"
)

type Action int

const (
	Action_Abort Action = iota
	// Action_Retry resumes at the current pc after the policy patched state.
	Action_Retry
	// Action_Skip resumes after the faulting instruction.
	Action_Skip
)

func (a Action) String() string {
	switch a {
	case Action_Abort:
		return "abort"
	case Action_Retry:
		return "retry"
	case Action_Skip:
		return "skip"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// FaultPolicy decides how the run loop continues after an emulation fault.
type FaultPolicy interface {
	Decide(ctx Context, fault *EmulationFault) Action
}

type FaultPolicyFunc func(ctx Context, fault *EmulationFault) Action

func (f FaultPolicyFunc) Decide(ctx Context, fault *EmulationFault) Action {
	return f(ctx, fault)
}

type AbortPolicy struct{}

func (AbortPolicy) Decide(Context, *EmulationFault) Action {
	return Action_Abort
}

type SkipPolicy struct{}

func (SkipPolicy) Decide(Context, *EmulationFault) Action {
	return Action_Skip
}

// Patch loads the 8 bytes at Address+Offset, shifts them left by Shift and
// stores the result in Reg. PC restricts it to faults at that pc; zero
// matches any.
type Patch struct {
	PC      uint64
	Address uint64
	Offset  uint64
	Reg     emulator.Reg
	Shift   uint
}

// PatchPolicy applies a matching patch and retries, once per faulting pc.
// A second fault at the same pc aborts.
type PatchPolicy struct {
	Patches []Patch
	applied map[uint64]bool
}

func (p *PatchPolicy) Decide(ctx Context, fault *EmulationFault) Action {
	if p.applied[fault.PC] {
		return Action_Abort
	}
	for _, patch := range p.Patches {
		if patch.PC != 0 && patch.PC != fault.PC {
			continue
		}
		buf, err := ctx.ToPointer(patch.Address + patch.Offset).MemRead(8)
		if err != nil {
			return Action_Abort
		}
		if err = ctx.RegWrite(patch.Reg, binary.LittleEndian.Uint64(buf)<<patch.Shift); err != nil {
			return Action_Abort
		}
		if p.applied == nil {
			p.applied = make(map[uint64]bool)
		}
		p.applied[fault.PC] = true
		return Action_Retry
	}
	return Action_Abort
}
