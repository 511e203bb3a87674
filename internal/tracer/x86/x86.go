package x86

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/wnxd/twilight/emulator"
	emu_x86 "github.com/wnxd/twilight/emulator/x86"
	"github.com/wnxd/twilight/encoding"
	internal "github.com/wnxd/twilight/internal/tracer"
	"github.com/wnxd/twilight/tracer"
)

const POINTER_SIZE = 8

var (
	traceRegs = []emulator.Reg{
		emu_x86.X86_REG_RAX, emu_x86.X86_REG_RCX, emu_x86.X86_REG_RDX, emu_x86.X86_REG_RBX,
		emu_x86.X86_REG_RSP, emu_x86.X86_REG_RBP, emu_x86.X86_REG_RSI, emu_x86.X86_REG_RDI,
		emu_x86.X86_REG_R8, emu_x86.X86_REG_R9, emu_x86.X86_REG_R10, emu_x86.X86_REG_R11,
		emu_x86.X86_REG_R12, emu_x86.X86_REG_R13, emu_x86.X86_REG_R14, emu_x86.X86_REG_R15,
		emu_x86.X86_REG_RIP,
	}
	snapshotRegs = append(traceRegs[:len(traceRegs):len(traceRegs)], emu_x86.X86_REG_EFLAGS, emu_x86.X86_REG_FS_BASE, emu_x86.X86_REG_GS_BASE)
	syscallRegs  = append([]emulator.Reg{emu_x86.SyscallNumber}, emu_x86.SyscallArgs[:]...)
	returnRegs   = []emulator.Reg{emu_x86.X86_REG_RAX}
)

var _ = tracer.Register(emulator.ARCH_X86_64, NewX86Tracer)

type X86Dbg struct {
	internal.Dbg
}

// syscallFrame is the register image of a syscall: the number followed by
// the six argument registers.
type syscallFrame struct {
	Sysno uint64
	Args  [6]uint64
}

func NewX86Tracer(emu emulator.Emulator, donor tracer.Donor, opts tracer.Options) (tracer.Tracer, error) {
	dbg := new(X86Dbg)
	if err := dbg.Init(dbg, emu, donor, opts); err != nil {
		return nil, err
	}
	return dbg, nil
}

func (dbg *X86Dbg) PC() emulator.Reg {
	return emu_x86.X86_REG_RIP
}

func (dbg *X86Dbg) SP() emulator.Reg {
	return emu_x86.X86_REG_RSP
}

func (dbg *X86Dbg) RegName(reg emulator.Reg) string {
	return emu_x86.RegName(reg)
}

func (dbg *X86Dbg) TraceRegs() []emulator.Reg {
	return traceRegs
}

func (dbg *X86Dbg) SnapshotRegs() []emulator.Reg {
	return snapshotRegs
}

func (dbg *X86Dbg) SyscallName(sysno uint64) (string, bool) {
	return SyscallName(sysno)
}

func (dbg *X86Dbg) SyscallNumber(name string) (uint64, bool) {
	return SyscallNumber(name)
}

func (dbg *X86Dbg) ReadSyscall(ctx tracer.Context) (*tracer.Syscall, error) {
	var frame syscallFrame
	if err := encoding.Decode(&regStream{ctx: ctx, regs: syscallRegs}, &frame); err != nil {
		return nil, err
	}
	pc, err := ctx.RegRead(emu_x86.X86_REG_RIP)
	if err != nil {
		return nil, err
	}
	return &tracer.Syscall{PC: pc, Sysno: frame.Sysno, Args: frame.Args}, nil
}

func (dbg *X86Dbg) WriteSyscallReturn(ctx tracer.Context, ret uint64) error {
	return encoding.Encode(&regStream{ctx: ctx, regs: returnRegs}, ret)
}

func (dbg *X86Dbg) InsnLen(code []byte) (int, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0, err
	}
	return inst.Len, nil
}

func (dbg *X86Dbg) Disassemble(pc uint64, code []byte) (string, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "", err
	}
	return x86asm.IntelSyntax(inst, pc, nil), nil
}
