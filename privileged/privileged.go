// Package privileged performs privileged register updates directly in the
// emulator, where the donor has no authority to make them.
package privileged

import (
	"gitlab.com/tozd/go/errors"

	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/emulator/x86"
)

type Segment int

const (
	SEGMENT_FS Segment = iota
	SEGMENT_GS
)

// arch_prctl codes.
const (
	ARCH_SET_GS = 0x1001
	ARCH_SET_FS = 0x1002
	ARCH_GET_FS = 0x1003
	ARCH_GET_GS = 0x1004
)

var ErrSegment = errors.Base("unknown segment")

func (s Segment) String() string {
	switch s {
	case SEGMENT_FS:
		return "fs"
	case SEGMENT_GS:
		return "gs"
	}
	return "unknown"
}

func (s Segment) MSR() (uint32, error) {
	switch s {
	case SEGMENT_FS:
		return x86.MSR_FS_BASE, nil
	case SEGMENT_GS:
		return x86.MSR_GS_BASE, nil
	}
	return 0, errors.WithDetails(ErrSegment, "segment", int(s))
}

func (s Segment) BaseReg() emulator.Reg {
	if s == SEGMENT_GS {
		return x86.X86_REG_GS_BASE
	}
	return x86.X86_REG_FS_BASE
}

// SegmentForCode maps an arch_prctl code to its segment and whether it
// sets rather than reads.
func SegmentForCode(code uint64) (seg Segment, set bool, ok bool) {
	switch code {
	case ARCH_SET_FS:
		return SEGMENT_FS, true, true
	case ARCH_SET_GS:
		return SEGMENT_GS, true, true
	case ARCH_GET_FS:
		return SEGMENT_FS, false, true
	case ARCH_GET_GS:
		return SEGMENT_GS, false, true
	}
	return 0, false, false
}

var clobbered = []emulator.Reg{x86.X86_REG_RAX, x86.X86_REG_RDX, x86.X86_REG_RCX, x86.X86_REG_RIP}

// SetSegmentBase loads value into the segment base by running one wrmsr at
// scratch, which must be mapped writable and executable. The registers the
// instruction uses and rip are restored afterwards.
func SetSegmentBase(emu emulator.Emulator, scratch uint64, seg Segment, value uint64) (err error) {
	msr, err := seg.MSR()
	if err != nil {
		return err
	}
	saved, err := emu.RegReadBatch(clobbered...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, emu.RegWriteBatch(clobbered, saved))
	}()
	if err = emu.MemWrite(scratch, x86.INSN_WRMSR); err != nil {
		return errors.WithDetails(err, "scratch", scratch)
	}
	err = emu.RegWriteBatch(clobbered[:3], []uint64{value & 0xffffffff, value >> 32, uint64(msr)})
	if err != nil {
		return err
	}
	end := scratch + uint64(len(x86.INSN_WRMSR))
	if err = emu.StartCount(scratch, end, 1); err != nil {
		return errors.WithDetails(err, "segment", seg.String(), "value", value)
	}
	return nil
}
