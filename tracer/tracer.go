package tracer

import (
	"context"
	"io"

	"github.com/wnxd/twilight/emulator"
)

type Tracer interface {
	io.Closer
	Emulator() emulator.Emulator
	Donor() Donor
	State() State
	// Run drives the program from its entry point until it exits, a
	// breakpoint stops it, or a fatal condition aborts it.
	Run(ctx context.Context) (Result, error)
	Snapshot() (Snapshot, error)
	MemoryManager
	HookManager
	ModuleManager
	SyscallManager
}

type Result struct {
	State        State
	Exited       bool
	ExitCode     int
	Instructions uint64
}

// New builds the tracer registered for the engine's architecture. It takes
// ownership of neither emu nor donor.
func New(emu emulator.Emulator, donor Donor, opts Options) (Tracer, error) {
	if ctor, ok := tracerMap[emu.Arch()]; ok {
		return ctor(emu, donor, opts)
	}
	return nil, emulator.ErrArchUnsupported
}
