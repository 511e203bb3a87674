package tracer

import (
	"sync"

	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/tracer"
)

type hookManager struct {
	releases     []func() error
	syscallHooks sync.Map
	memHooks     sync.Map
}

type hookHandler[T any] struct {
	releases   []func() error
	typ        emulator.HookType
	callback   T
	data       any
	begin, end uint64
}

type codeHandler struct {
	hookHandler[tracer.CodeCallback]
	ctx tracer.Context
}

func (h *hookManager) ctor(dbg *Dbg) error {
	for _, hook := range []struct {
		typ      emulator.HookType
		callback any
	}{
		{emulator.HOOK_TYPE_INSN_SYSCALL, emulator.SyscallCallback(dbg.handleSyscall)},
		{emulator.HOOK_TYPE_CODE, emulator.CodeCallback(dbg.handleTrace)},
		{emulator.HOOK_TYPE_MEM_INVALID, emulator.MemoryCallback(h.handleMemory)},
	} {
		handle, err := dbg.emu.Hook(hook.typ, hook.callback, dbg, 1, 0)
		if err != nil {
			return err
		}
		h.releases = append(h.releases, handle.Close)
	}
	return nil
}

func (h *hookManager) dtor() {
	for i := len(h.releases) - 1; i >= 0; i-- {
		h.releases[i]()
	}
	h.releases = nil
}

func (h *hookManager) addHook(dbg *Dbg, typ emulator.HookType, callback any, data any, begin, end uint64) (tracer.HookHandler, error) {
	switch {
	case typ == emulator.HOOK_TYPE_CODE:
		callback, ok := callback.(tracer.CodeCallback)
		if !ok {
			return nil, tracer.ErrHookCallback
		}
		handler := &codeHandler{hookHandler: hookHandler[tracer.CodeCallback]{typ: typ, callback: callback, data: data, begin: begin, end: end}, ctx: dbg.ctx}
		hook, err := dbg.emu.Hook(typ, emulator.CodeCallback(handler.handleCode), dbg, begin, end)
		if err != nil {
			return nil, err
		}
		handler.releases = append(handler.releases, hook.Close)
		return handler, nil
	case typ == emulator.HOOK_TYPE_INSN_SYSCALL:
		callback, ok := callback.(tracer.SyscallCallback)
		if !ok {
			return nil, tracer.ErrHookCallback
		}
		handler := &hookHandler[tracer.SyscallCallback]{typ: typ, callback: callback, data: data, begin: begin, end: end}
		handler.releases = append(handler.releases, func() error {
			h.syscallHooks.Delete(handler)
			return nil
		})
		h.syscallHooks.Store(handler, struct{}{})
		return handler, nil
	case typ != 0 && typ&emulator.HOOK_TYPE_MEM_INVALID == typ:
		callback, ok := callback.(tracer.MemoryCallback)
		if !ok {
			return nil, tracer.ErrHookCallback
		}
		handler := &hookHandler[tracer.MemoryCallback]{typ: typ, callback: callback, data: data, begin: begin, end: end}
		handler.releases = append(handler.releases, func() error {
			h.memHooks.Delete(handler)
			return nil
		})
		h.memHooks.Store(handler, struct{}{})
		return handler, nil
	}
	return nil, tracer.ErrHookCallback
}

func (h *hookManager) runSyscallHooks(ctx tracer.Context, call *tracer.Syscall) {
	for hook := range h.syscallHooks.Range {
		handler := hook.(*hookHandler[tracer.SyscallCallback])
		if handler.valid(emulator.HOOK_TYPE_INSN_SYSCALL, call.PC) {
			handler.callback(ctx, call, handler.data)
		}
	}
}

// handleMemory reports invalid accesses to registered hooks. It never
// claims the access, so the engine still raises the fault to the run loop.
func (h *hookManager) handleMemory(typ emulator.HookType, addr, size, value uint64, data any) bool {
	dbg := data.(*Dbg)
	for hook := range h.memHooks.Range {
		handler := hook.(*hookHandler[tracer.MemoryCallback])
		if handler.valid(typ, addr) {
			handler.callback(dbg.ctx, typ, addr, size, value, handler.data)
		}
	}
	return false
}

func (h *hookHandler[T]) Close() error {
	for i := len(h.releases) - 1; i >= 0; i-- {
		h.releases[i]()
	}
	h.releases = nil
	return nil
}

func (h *hookHandler[T]) Type() emulator.HookType {
	return h.typ
}

func (h *hookHandler[T]) valid(typ emulator.HookType, addr uint64) bool {
	if h.typ&typ == 0 {
		return false
	} else if h.begin > h.end {
		return true
	}
	return addr >= h.begin && addr <= h.end
}

func (h *codeHandler) handleCode(addr, size uint64, data any) {
	h.callback(h.ctx, addr, size, h.data)
}

func (dbg *Dbg) AddHook(typ emulator.HookType, callback any, data any, begin, end uint64) (tracer.HookHandler, error) {
	return dbg.hookManager.addHook(dbg, typ, callback, data, begin, end)
}

// AddBreakpoint installs bp as a code hook on its address.
func (dbg *Dbg) AddBreakpoint(bp tracer.Breakpoint) (tracer.HookHandler, error) {
	return dbg.AddHook(emulator.HOOK_TYPE_CODE, tracer.CodeCallback(func(ctx tracer.Context, addr, size uint64, data any) {
		if dbg.state != tracer.State_Running {
			return
		}
		log := dbg.log.WithField("pc", tracer.Hex(addr)).WithField("action", bp.Action.String())
		var err error
		switch bp.Action {
		case tracer.BreakAction_Jump:
			err = ctx.Goto(bp.Value)
		case tracer.BreakAction_Set:
			err = ctx.RegWrite(bp.Reg, bp.Value)
		case tracer.BreakAction_Stop:
			dbg.stopAt = addr
			err = dbg.emu.Stop()
		}
		if err != nil {
			dbg.abort(err)
			return
		}
		log.Debug("breakpoint")
	}), nil, bp.Addr, bp.Addr)
}
