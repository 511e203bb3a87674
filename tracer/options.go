package tracer

import (
	"github.com/sirupsen/logrus"
)

// TraceWriter receives the instruction stream. tracelog.Writer is the
// production implementation.
type TraceWriter interface {
	AddImage(lo, hi uint64, index int, path string) error
	Instruction(regs []uint64) error
	Clock() uint32
}

type Options struct {
	// Program is the image loaded into the emulator, normally the dynamic
	// loader, and Argument its single argument.
	Program  string
	Argument string

	StackTop    uint64
	StackSize   uint64
	LoadOffset  uint64
	ScratchAddr uint64
	ScratchSize uint64
	ShmDir      string

	// ForwardAtPC forwards syscalls at the program's own syscall
	// instruction instead of the injected stub.
	ForwardAtPC    bool
	MaskedIdentity []string
	FaultPolicy    FaultPolicy
	Breakpoints    []Breakpoint
	Trace          TraceWriter
	Disassemble    bool
	Logger         *logrus.Entry
}
