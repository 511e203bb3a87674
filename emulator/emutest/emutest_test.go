package emutest

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/emulator/x86"
)

const text = 0x400000

func load(t *testing.T, code []byte) *Emulator {
	t.Helper()
	e := New()
	if err := e.MemMap(text, 0x1000, emulator.MEM_PROT_ALL); err != nil {
		t.Fatalf("MemMap: %v", err)
	}
	if err := e.MemWrite(text, code); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	return e
}

func TestMovAndSyscallHook(t *testing.T) {
	code := Program(Syscall6(39, 1, 2, 3, 4, 5, 6), Nop)
	e := load(t, code)
	var got []uint64
	e.Hook(emulator.HOOK_TYPE_INSN_SYSCALL, emulator.SyscallCallback(func(any) {
		got, _ = e.RegReadBatch(x86.X86_REG_RAX, x86.X86_REG_RDI, x86.X86_REG_RSI, x86.X86_REG_RDX, x86.X86_REG_R10, x86.X86_REG_R8, x86.X86_REG_R9, x86.X86_REG_RIP)
	}), nil, 1, 0)
	end := uint64(text + len(code))
	if err := e.Start(text, end); err != nil {
		t.Fatalf("Start: %v", err)
	}
	want := []uint64{39, 1, 2, 3, 4, 5, 6, end - 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("registers at syscall (-want +got):\n%s", diff)
	}
}

func TestWrmsr(t *testing.T) {
	e := load(t, Program(
		MovImm(x86.X86_REG_RAX, 0x5678),
		MovImm(x86.X86_REG_RDX, 0x1234),
		MovImm(x86.X86_REG_RCX, uint64(x86.MSR_GS_BASE)),
		Wrmsr,
	))
	if err := e.Start(text, text+32); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got, _ := e.RegRead(x86.X86_REG_GS_BASE); got != 0x123400005678 {
		t.Errorf("gs_base = %#x", got)
	}
}

func TestCodeHookRedirectAndStop(t *testing.T) {
	e := load(t, Program(Nop, Ud2, Nop, Hlt))
	e.Hook(emulator.HOOK_TYPE_CODE, emulator.CodeCallback(func(addr, size uint64, _ any) {
		e.RegWrite(x86.X86_REG_RIP, text+3)
	}), nil, text+1, text+1)
	e.Hook(emulator.HOOK_TYPE_CODE, emulator.CodeCallback(func(addr, size uint64, _ any) {
		e.Stop()
	}), nil, text+4, text+4)
	if err := e.Start(text, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if pc, _ := e.RegRead(x86.X86_REG_RIP); pc != text+4 {
		t.Errorf("stopped at %#x, want %#x", pc, text+4)
	}
	if e.Executed != 2 {
		t.Errorf("executed %d instructions, want 2", e.Executed)
	}
}

func TestUd2VisibleToCodeHooks(t *testing.T) {
	e := load(t, Program(Nop, Ud2))
	var seen []uint64
	e.Hook(emulator.HOOK_TYPE_CODE, emulator.CodeCallback(func(addr, size uint64, _ any) {
		seen = append(seen, addr, size)
	}), nil, 1, 0)
	var f *emulator.Fault
	if err := e.Start(text, 0); !errors.As(err, &f) || f.PC != text+1 {
		t.Fatalf("Start = %v, want a fault at %#x", err, text+1)
	}
	if diff := cmp.Diff([]uint64{text, 1, text + 1, 2}, seen); diff != "" {
		t.Errorf("code hook calls (-want +got):\n%s", diff)
	}
	if e.Executed != 1 {
		t.Errorf("executed %d instructions, want 1", e.Executed)
	}
}

func TestFaults(t *testing.T) {
	e := load(t, Ud2)
	var f *emulator.Fault
	if err := e.Start(text, 0); !errors.As(err, &f) || !errors.Is(err, ErrInvalidInstruction) {
		t.Fatalf("Start = %v, want invalid instruction fault", err)
	}

	var seen emulator.HookType
	e.Hook(emulator.HOOK_TYPE_MEM_INVALID, emulator.MemoryCallback(func(typ emulator.HookType, addr, size, value uint64, _ any) bool {
		seen = typ
		return false
	}), nil, 1, 0)
	err := e.Start(0xdead000, 0)
	if !errors.As(err, &f) || f.Addr != 0xdead000 {
		t.Fatalf("Start = %v, want fetch fault at 0xdead000", err)
	}
	if seen != emulator.HOOK_TYPE_MEM_FETCH_UNMAPPED {
		t.Errorf("hook saw %v", seen)
	}
}

func TestMemUnmapSplits(t *testing.T) {
	e := New()
	e.MemMap(0x10000, 0x3000, emulator.MEM_PROT_ALL)
	e.MemUnmap(0x11000, 0x1000)
	regions, _ := e.MemRegions()
	want := []emulator.MemRegion{
		{Addr: 0x10000, Size: 0x1000, Prot: emulator.MEM_PROT_ALL},
		{Addr: 0x12000, Size: 0x1000, Prot: emulator.MEM_PROT_ALL},
	}
	if diff := cmp.Diff(want, regions); diff != "" {
		t.Errorf("regions (-want +got):\n%s", diff)
	}
}
