package tracer

import (
	"io"

	"github.com/wnxd/twilight/emulator"
)

type CodeCallback = func(ctx Context, addr, size uint64, data any)
type SyscallCallback = func(ctx Context, call *Syscall, data any)
type MemoryCallback = func(ctx Context, typ emulator.HookType, addr, size, value uint64, data any)

type HookManager interface {
	// AddHook registers a callback. HOOK_TYPE_INSN_SYSCALL callbacks run
	// after the dispatcher has handled the call.
	AddHook(typ emulator.HookType, callback any, data any, begin, end uint64) (HookHandler, error)
	AddBreakpoint(bp Breakpoint) (HookHandler, error)
}

type HookHandler interface {
	io.Closer
	Type() emulator.HookType
}
