package x86

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/emulator/emutest"
	emu_x86 "github.com/wnxd/twilight/emulator/x86"
	"github.com/wnxd/twilight/tracelog"
	"github.com/wnxd/twilight/tracer"
)

func exitWith(code uint64) []byte {
	return emutest.Syscall6(60, code)
}

func TestSyscallTable(t *testing.T) {
	for name, want := range map[string]uint64{
		"read": 0, "mmap": 9, "munmap": 11, "brk": 12, "getpid": 39, "exit": 60,
		"arch_prctl": 158, "exit_group": 231, "openat": 257, "rseq": 334, "clone3": 435, "mseal": 462,
	} {
		got, ok := SyscallNumber(name)
		if !ok || got != want {
			t.Errorf("SyscallNumber(%q) = %d, %v; want %d", name, got, ok, want)
		}
		if back, _ := SyscallName(want); back != name {
			t.Errorf("SyscallName(%d) = %q, want %q", want, back, name)
		}
	}
	if _, ok := SyscallName(400); ok {
		t.Error("SyscallName(400) named a number inside the gap")
	}
	var prev uint64
	for sysno := range Syscalls() {
		if sysno != 0 && sysno <= prev {
			t.Fatalf("Syscalls not ordered at %d", sysno)
		}
		prev = sysno
	}
}

func TestReadSyscall(t *testing.T) {
	f, _ := build(t, exitWith(0))
	regs := append([]emulator.Reg{emu_x86.SyscallNumber}, emu_x86.SyscallArgs[:]...)
	f.emu.RegWriteBatch(append(regs, emu_x86.X86_REG_RIP), []uint64{9, 1, 2, 3, 4, 5, 6, 0x401000})
	call, err := f.dbg.ReadSyscall(f.dbg.Context())
	if err != nil {
		t.Fatal(err)
	}
	want := &tracer.Syscall{PC: 0x401000, Sysno: 9, Args: [6]uint64{1, 2, 3, 4, 5, 6}}
	if diff := cmp.Diff(want, call); diff != "" {
		t.Errorf("ReadSyscall (-want +got):\n%s", diff)
	}
	if err = f.dbg.WriteSyscallReturn(f.dbg.Context(), 0xfffffffffffffff2); err != nil {
		t.Fatal(err)
	}
	if rax, _ := f.emu.RegRead(emu_x86.X86_REG_RAX); rax != 0xfffffffffffffff2 {
		t.Errorf("rax = %#x", rax)
	}
}

func TestRegStreamOutOfLine(t *testing.T) {
	f, _ := build(t, exitWith(0))
	rs := &regStream{ctx: f.dbg.Context(), regs: returnRegs}
	if _, err := rs.ReadString(); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("ReadString = %v, want ErrUnsupported", err)
	}
	if _, err := rs.WriteStream(8); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("WriteStream = %v, want ErrUnsupported", err)
	}
	var raw [16]byte
	if _, err := rs.Read(raw[:]); !errors.Is(err, errRegsExhausted) {
		t.Errorf("Read past the last register = %v, want errRegsExhausted", err)
	}
}

func TestInitStack(t *testing.T) {
	f, _ := build(t, exitWith(0))
	const top = 0x900000
	f.emu.MemMap(top-0x1000, 0x1000, emulator.MEM_PROT_ALL)
	argv := []string{"/lib64/ld-linux-x86-64.so.2", "/bin/true"}
	sp, err := f.dbg.InitStack(f.dbg.Context(), top, argv)
	if err != nil {
		t.Fatal(err)
	}
	if sp%STACK_ALIGN != 0 {
		t.Errorf("sp %#x not aligned", sp)
	}
	words, _ := f.emu.MemRead(sp, 7*8)
	word := func(i int) uint64 { return binary.LittleEndian.Uint64(words[i*8:]) }
	if word(0) != 2 {
		t.Errorf("argc = %d", word(0))
	}
	if want := top - uint64(len(argv[0])+1); word(1) != want {
		t.Errorf("argv[0] at %#x, want %#x directly below the top", word(1), want)
	}
	for i, arg := range argv {
		got, _ := emulator.ToPointer(f.emu, word(1+i)).MemReadString(0x100)
		if got != arg {
			t.Errorf("argv[%d] = %q, want %q", i, got, arg)
		}
	}
	for i := 3; i < 7; i++ {
		if word(i) != 0 {
			t.Errorf("word %d = %#x, want 0", i, word(i))
		}
	}
}

func TestRunExit(t *testing.T) {
	f, trace := build(t, exitWith(7))
	res, err := f.dbg.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := tracer.Result{State: tracer.State_Done, Exited: true, ExitCode: 7, Instructions: 3}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Result (-want +got):\n%s", diff)
	}
	if calls := f.donor.saw(60); len(calls) != 0 {
		t.Errorf("donor was told to exit: %v", calls)
	}
	if len(trace.images) != 1 || trace.images[0].Lo != imageBase || trace.images[0].Index != 0 {
		t.Errorf("trace images = %+v", trace.images)
	}
	if len(trace.pcs) != 3 || trace.pcs[0] != entry {
		t.Errorf("trace pcs = %#x", trace.pcs)
	}
	if _, err = f.dbg.Run(context.Background()); !errors.Is(err, tracer.ErrStateInvalid) {
		t.Errorf("second Run = %v, want ErrStateInvalid", err)
	}
}

func TestGetpidMasked(t *testing.T) {
	f, _ := build(t, emutest.Program(emutest.Syscall6(39), exitWith(0)))
	var ret uint64
	_, err := f.dbg.AddHook(emulator.HOOK_TYPE_INSN_SYSCALL, tracer.SyscallCallback(func(ctx tracer.Context, call *tracer.Syscall, data any) {
		if call.Sysno == 39 {
			ret = call.Ret
		}
	}), nil, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = f.dbg.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ret != ^uint64(0) {
		t.Errorf("getpid returned %#x, want the -1 sentinel", ret)
	}
	if calls := f.donor.saw(39); len(calls) != 0 {
		t.Error("getpid reached the donor")
	}
}

func TestSegmentBase(t *testing.T) {
	const value = 0x7fff12345678
	const slot = 0x800000 - 0x8000
	f, _ := build(t, emutest.Program(
		emutest.Syscall6(158, 0x1002, value),
		emutest.Syscall6(158, 0x1003, slot),
		exitWith(0),
	))
	res, err := f.dbg.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Exited || res.State != tracer.State_Done {
		t.Errorf("Result = %+v", res)
	}
	if fs, _ := f.emu.RegRead(emu_x86.X86_REG_FS_BASE); fs != value {
		t.Errorf("fs_base = %#x, want %#x", fs, value)
	}
	if got, _ := emulator.ToPointer(f.emu, slot).MemReadUint64(); got != value {
		t.Errorf("ARCH_GET_FS stored %#x", got)
	}
	if calls := f.donor.saw(158); len(calls) != 0 {
		t.Error("arch_prctl reached the donor")
	}
}

func TestEnsureMappedReuse(t *testing.T) {
	f, _ := build(t, exitWith(0))
	reused, err := f.dbg.EnsureMapped(0x1000, 0x1800)
	if err != nil || reused {
		t.Fatalf("first EnsureMapped = %v, %v", reused, err)
	}
	regions := f.dbg.MappedRegions()
	if len(regions) != 1 || regions[0].Addr != 0x1000 || regions[0].Size != 0x2000 {
		t.Fatalf("regions = %+v", regions)
	}
	for _, tc := range []struct{ addr, size, off uint64 }{
		{0x1000, 0x1000, 0},
		{0x1000, 0x1800, 0},
		{0x2000, 0x1000, 0x1000},
	} {
		before := len(f.donor.saw(unix.SYS_MMAP))
		reused, err = f.dbg.EnsureMapped(tc.addr, tc.size)
		if err != nil || !reused {
			t.Fatalf("EnsureMapped(%#x, %#x) = %v, %v", tc.addr, tc.size, reused, err)
		}
		calls := f.donor.saw(unix.SYS_MMAP)[before:]
		if len(calls) != 1 || calls[0].args[0] != tc.addr || calls[0].args[5] != tc.off {
			t.Errorf("EnsureMapped(%#x, %#x) donor mmap = %+v, want offset %#x", tc.addr, tc.size, calls, tc.off)
		}
	}
	if n := len(f.dbg.MappedRegions()); n != 1 {
		t.Errorf("%d regions after reuse, want 1", n)
	}
	_, err = f.dbg.EnsureMapped(0x2000, 0x2000)
	var conflict *tracer.BackingStoreConflict
	if !errors.As(err, &conflict) || conflict.Existing != [2]uint64{0x1000, 0x3000} {
		t.Errorf("partial overlap = %v, want BackingStoreConflict", err)
	}
}

func TestSharedBacking(t *testing.T) {
	f, _ := build(t, exitWith(0))
	const addr, size = 0x20000000, 0x3000
	if _, err := f.dbg.EnsureMapped(addr, size); err != nil {
		t.Fatal(err)
	}
	path := f.dbg.MappedRegions()[0].Path
	if filepath.Base(path) != "twilight-20000000-3000" {
		t.Errorf("store path %s", path)
	}
	f.emu.MemWrite(addr+0x1234, []byte("from the emulator"))
	disk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(disk[0x1234:0x1234+17], []byte("from the emulator")) {
		t.Error("emulator write not visible in the store")
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	file.WriteAt([]byte("from the donor"), 0x2ff0)
	file.Close()
	if got, _ := f.emu.MemRead(addr+0x2ff0, 14); string(got) != "from the donor" {
		t.Errorf("store write not visible in the emulator: %q", got)
	}
}

func TestMmapFileBacked(t *testing.T) {
	content := make([]byte, 0x3000)
	for i := range content {
		content[i] = byte(i * 7)
	}
	path := filepath.Join(t.TempDir(), "data")
	os.WriteFile(path, content, 0o644)
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	const off, length = 0x1000, 0x1800
	f, _ := build(t, emutest.Program(
		emutest.Syscall6(9, 0, length, unix.PROT_READ, unix.MAP_PRIVATE, uint64(file.Fd()), off),
		exitWith(0),
	))
	var addr uint64
	f.dbg.AddHook(emulator.HOOK_TYPE_INSN_SYSCALL, tracer.SyscallCallback(func(ctx tracer.Context, call *tracer.Syscall, data any) {
		if call.Sysno == 9 {
			addr = call.Ret
		}
	}), nil, 1, 0)
	if _, err = f.dbg.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if addr != mmapBase {
		t.Fatalf("mmap returned %#x", addr)
	}
	got, err := f.emu.MemRead(addr, length)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content[off:off+length]) {
		t.Error("mapped bytes differ from the file")
	}
	unmaps := f.donor.saw(unix.SYS_MUNMAP)
	if len(unmaps) != 1 || unmaps[0].args[0] != addr || unmaps[0].args[1] != length {
		t.Errorf("donor munmap calls = %+v", unmaps)
	}
}

func TestMmapAnonymousReuseZeroes(t *testing.T) {
	const addr, length = 0x30000000, 0x21000
	f, _ := build(t, emutest.Program(
		emutest.Syscall6(9, addr, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED, ^uint64(0), 0),
		exitWith(0),
	))
	if _, err := f.dbg.EnsureMapped(addr, length+0x1000); err != nil {
		t.Fatal(err)
	}
	f.emu.MemWrite(addr, bytes.Repeat([]byte{0xaa}, length+0x1000))
	if _, err := f.dbg.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := f.emu.MemRead(addr, length+0x1000)
	if !bytes.Equal(got[:length], make([]byte, length)) {
		t.Error("reused anonymous mapping not zeroed")
	}
	if got[length] != 0xaa {
		t.Error("bytes outside the mapping were touched")
	}
}

func TestMmapUnlinkedFile(t *testing.T) {
	content := bytes.Repeat([]byte("unlinked"), 0x200)
	path := filepath.Join(t.TempDir(), "gone")
	os.WriteFile(path, content, 0o644)
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	os.Remove(path)
	f, _ := build(t, emutest.Program(
		emutest.Syscall6(9, 0, 0x1000, unix.PROT_READ, unix.MAP_PRIVATE, uint64(file.Fd()), 0),
		exitWith(0),
	))
	if _, err = f.dbg.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, _ := f.emu.MemRead(mmapBase, 0x1000); !bytes.Equal(got, content) {
		t.Error("mapped bytes differ from the unlinked file")
	}
}

func TestMmapUnresolvedDescriptor(t *testing.T) {
	f, _ := build(t, emutest.Program(
		emutest.Syscall6(9, 0, 0x1000, unix.PROT_READ, unix.MAP_PRIVATE, 0x7fff, 0),
		exitWith(0),
	))
	res, err := f.dbg.Run(context.Background())
	if err == nil || res.State != tracer.State_Faulted {
		t.Errorf("Run = %+v, %v; want a failed run", res, err)
	}
}

func TestBrkGrowth(t *testing.T) {
	f, _ := build(t, emutest.Program(
		emutest.Syscall6(12, 0),
		emutest.Syscall6(12, 0x602345),
		exitWith(0),
	))
	if _, err := f.dbg.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, r := range f.dbg.MappedRegions() {
		if r.Addr == 0x600000 && r.Size == 0x3000 {
			found = true
		}
	}
	if !found {
		t.Errorf("heap growth not synchronized: %+v", f.dbg.MappedRegions())
	}
}

func TestUnknownSyscallForwarded(t *testing.T) {
	f, _ := build(t, emutest.Program(emutest.Syscall6(1000, 1, 2), exitWith(0)))
	if _, err := f.dbg.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls := f.donor.saw(1000); len(calls) != 1 || calls[0].at != fakeStub {
		t.Errorf("unknown syscall forwarded as %+v", calls)
	}
}

func TestForwardAtPC(t *testing.T) {
	code := emutest.Program(emutest.Syscall6(1000), exitWith(0))
	f, _ := build(t, code, func(o *tracer.Options) { o.ForwardAtPC = true })
	if _, err := f.dbg.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := uint64(entry + len(emutest.MovImm(emu_x86.X86_REG_RAX, 0)))
	if calls := f.donor.saw(1000); len(calls) != 1 || calls[0].at != want {
		t.Errorf("forwarded at %+v, want pc %#x", calls, want)
	}
}

func TestDonorProtocolViolation(t *testing.T) {
	f, _ := build(t, emutest.Program(emutest.Syscall6(1, 1, 0, 0), exitWith(0)))
	f.donor.fail[1] = &tracer.DonorProtocolViolation{Sysno: 1, At: fakeStub, Want: fakeStub + 2, Got: fakeStub + 5}
	res, err := f.dbg.Run(context.Background())
	if !tracer.IsFatal(err) {
		t.Fatalf("Run = %v, want a fatal error", err)
	}
	if res.State != tracer.State_Faulted || res.Exited {
		t.Errorf("Result = %+v", res)
	}
}

func TestFaultPolicies(t *testing.T) {
	code := emutest.Program(emutest.Nop, emutest.Ud2, exitWith(5))
	t.Run("abort", func(t *testing.T) {
		f, _ := build(t, code)
		res, err := f.dbg.Run(context.Background())
		var fault *tracer.EmulationFault
		if !errors.As(err, &fault) {
			t.Fatalf("Run = %v, want EmulationFault", err)
		}
		if fault.PC != entry+1 || fault.Module != "prog" || fault.Offset != headers+1 {
			t.Errorf("fault = %+v", fault)
		}
		if res.State != tracer.State_Faulted {
			t.Errorf("state = %v", res.State)
		}
	})
	t.Run("skip", func(t *testing.T) {
		f, _ := build(t, code, func(o *tracer.Options) { o.FaultPolicy = tracer.SkipPolicy{} })
		res, err := f.dbg.Run(context.Background())
		if err != nil || !res.Exited || res.ExitCode != 5 {
			t.Errorf("Run = %+v, %v", res, err)
		}
	})
	t.Run("retry", func(t *testing.T) {
		policy := tracer.FaultPolicyFunc(func(ctx tracer.Context, fault *tracer.EmulationFault) tracer.Action {
			ctx.ToPointer(fault.PC).MemWrite([]byte{0x90, 0x90})
			return tracer.Action_Retry
		})
		f, _ := build(t, code, func(o *tracer.Options) { o.FaultPolicy = policy })
		res, err := f.dbg.Run(context.Background())
		if err != nil || !res.Exited {
			t.Errorf("Run = %+v, %v", res, err)
		}
	})
}

func TestBreakpoints(t *testing.T) {
	t.Run("jump", func(t *testing.T) {
		f, trace := build(t, emutest.Program(emutest.Hlt, exitWith(3)), func(o *tracer.Options) {
			o.Breakpoints = []tracer.Breakpoint{{Addr: entry, Action: tracer.BreakAction_Jump, Value: entry + 1}}
		})
		res, err := f.dbg.Run(context.Background())
		if err != nil || res.ExitCode != 3 {
			t.Fatalf("Run = %+v, %v", res, err)
		}
		if len(trace.pcs) != 4 {
			t.Errorf("traced %d instructions, want 4", len(trace.pcs))
		}
	})
	t.Run("set", func(t *testing.T) {
		// overwrite the exit code after it is loaded
		exit := exitWith(1)
		at := uint64(entry + 2*len(emutest.MovImm(emu_x86.X86_REG_RAX, 0)))
		f, _ := build(t, exit, func(o *tracer.Options) {
			o.Breakpoints = []tracer.Breakpoint{{Addr: at, Action: tracer.BreakAction_Set, Reg: emu_x86.X86_REG_RDI, Value: 9}}
		})
		res, err := f.dbg.Run(context.Background())
		if err != nil || res.ExitCode != 9 {
			t.Errorf("Run = %+v, %v", res, err)
		}
	})
	t.Run("stop", func(t *testing.T) {
		f, _ := build(t, emutest.Program(emutest.Nop, emutest.Nop, exitWith(0)), func(o *tracer.Options) {
			o.Breakpoints = []tracer.Breakpoint{{Addr: entry + 1, Action: tracer.BreakAction_Stop}}
		})
		res, err := f.dbg.Run(context.Background())
		if err != nil || res.Exited || res.State != tracer.State_Done {
			t.Errorf("Run = %+v, %v", res, err)
		}
	})
}

func TestTraceLog(t *testing.T) {
	dir := t.TempDir()
	w, err := tracelog.Create(tracelog.Options{Dir: dir, ID: 1, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	f, _ := build(t, emutest.Program(emutest.Nop, emutest.Nop, emutest.Nop, exitWith(0)), func(o *tracer.Options) { o.Trace = w })
	if _, err = f.dbg.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err = w.Close(); err != nil {
		t.Fatal(err)
	}
	events, err := os.Open(filepath.Join(dir, "1"))
	if err != nil {
		t.Fatal(err)
	}
	defer events.Close()
	r, err := tracelog.NewReader(events)
	if err != nil {
		t.Fatal(err)
	}
	if n, err := tracelog.Verify(r, 1); err != nil || n != 6 {
		t.Errorf("Verify = %d, %v; want 6 instructions", n, err)
	}
	base, _ := os.ReadFile(filepath.Join(dir, "1_base"))
	if want := "0000000000400000-0000000000401000 0 "; !bytes.HasPrefix(base, []byte(want)) {
		t.Errorf("base file %q", base)
	}
}

func TestMaskedIdentityUnknownName(t *testing.T) {
	opts := testOptions(t, writeELF(t, exitWith(0)))
	opts.MaskedIdentity = []string{"getpid", "no_such_call"}
	emu := emutest.New()
	if _, err := tracer.New(emu, newFakeDonor(emu), opts); !errors.Is(err, tracer.ErrUnknownSyscall) {
		t.Errorf("New = %v, want ErrUnknownSyscall", err)
	}
}
