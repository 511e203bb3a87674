package x86

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/emulator/emutest"
	"github.com/wnxd/twilight/filesystem"
	"github.com/wnxd/twilight/tracer"
)

const (
	imageBase = 0x400000
	headers   = 64 + 56
	entry     = imageBase + headers
	fakeStub  = 0x7ff000
	fakePid   = 4242
	mmapBase  = 0x10000000
)

type donorCall struct {
	at    uint64
	sysno uint64
	args  []uint64
}

// fakeDonor runs file syscalls in the test process itself, so /proc/self
// answers descriptor queries the way the donor's /proc entry would.
type fakeDonor struct {
	emu   emulator.Emulator
	calls []donorCall
	str   string
	next  uint64
	brk   uint64
	fail  map[uint64]error
	fds   []int
}

func newFakeDonor(emu emulator.Emulator) *fakeDonor {
	return &fakeDonor{emu: emu, next: mmapBase, brk: 0x600000, fail: map[uint64]error{}}
}

func (d *fakeDonor) Close() error {
	for _, fd := range d.fds {
		unix.Close(fd)
	}
	return nil
}

func (d *fakeDonor) Pid() int {
	return os.Getpid()
}

func (d *fakeDonor) Stub() uint64 {
	return fakeStub
}

func (d *fakeDonor) Syscall(sysno uint64, args ...uint64) (uint64, error) {
	return d.SyscallAt(fakeStub, sysno, args...)
}

func (d *fakeDonor) SyscallAt(addr, sysno uint64, args ...uint64) (uint64, error) {
	d.calls = append(d.calls, donorCall{addr, sysno, slices.Clone(args)})
	if err := d.fail[sysno]; err != nil {
		return 0, err
	}
	switch sysno {
	case unix.SYS_OPEN:
		path := d.str
		if args[0] != fakeStub+8 {
			path, _ = emulator.ToPointer(d.emu, args[0]).MemReadString(0x1000)
		}
		fd, err := unix.Open(path, int(args[1]), uint32(args[2]))
		if err != nil {
			return ^uint64(err.(unix.Errno)) + 1, nil
		}
		d.fds = append(d.fds, fd)
		return uint64(fd), nil
	case unix.SYS_CLOSE:
		d.fds = slices.DeleteFunc(d.fds, func(fd int) bool { return fd == int(args[0]) })
		unix.Close(int(args[0]))
	case unix.SYS_MMAP:
		if args[3]&unix.MAP_FIXED != 0 {
			return args[0], nil
		}
		addr := d.next
		d.next += tracer.Align(args[1], 0x1000)
		return addr, nil
	case unix.SYS_BRK:
		d.brk = max(d.brk, args[0])
		return d.brk, nil
	case unix.SYS_GETPID:
		return fakePid, nil
	}
	return 0, nil
}

func (d *fakeDonor) WriteString(s string) (uint64, error) {
	d.str = s
	return fakeStub + 8, nil
}

func (d *fakeDonor) Maps() ([]filesystem.Mapping, error) {
	return nil, nil
}

func (d *fakeDonor) saw(sysno uint64) []donorCall {
	var list []donorCall
	for _, c := range d.calls {
		if c.sysno == sysno {
			list = append(list, c)
		}
	}
	return list
}

type recordingTrace struct {
	images []tracer.Image
	pcs    []uint64
}

func (r *recordingTrace) AddImage(lo, hi uint64, index int, path string) error {
	r.images = append(r.images, tracer.Image{Index: index, Path: path, Lo: lo, Hi: hi})
	return nil
}

func (r *recordingTrace) Instruction(regs []uint64) error {
	r.pcs = append(r.pcs, regs[len(regs)-1])
	return nil
}

func (r *recordingTrace) Clock() uint32 {
	return uint32(len(r.pcs))
}

// writeELF writes a one segment x86-64 executable whose code starts right
// after the headers.
func writeELF(t *testing.T, code []byte) string {
	t.Helper()
	le := binary.LittleEndian
	buf := []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	buf = le.AppendUint16(buf, 2)  // ET_EXEC
	buf = le.AppendUint16(buf, 62) // EM_X86_64
	buf = le.AppendUint32(buf, 1)
	buf = le.AppendUint64(buf, entry)
	buf = le.AppendUint64(buf, 64)
	buf = le.AppendUint64(buf, 0)
	buf = le.AppendUint32(buf, 0)
	buf = le.AppendUint16(buf, 64)
	buf = le.AppendUint16(buf, 56)
	buf = le.AppendUint16(buf, 1)
	buf = le.AppendUint16(buf, 64)
	buf = le.AppendUint16(buf, 0)
	buf = le.AppendUint16(buf, 0)
	size := uint64(headers + len(code))
	buf = le.AppendUint32(buf, 1) // PT_LOAD
	buf = le.AppendUint32(buf, 7)
	buf = le.AppendUint64(buf, 0)
	buf = le.AppendUint64(buf, imageBase)
	buf = le.AppendUint64(buf, imageBase)
	buf = le.AppendUint64(buf, size)
	buf = le.AppendUint64(buf, size)
	buf = le.AppendUint64(buf, 0x1000)
	buf = append(buf, code...)
	path := filepath.Join(t.TempDir(), "prog")
	if err := os.WriteFile(path, buf, 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func quietLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.TraceLevel)
	return logrus.NewEntry(log)
}

func testOptions(t *testing.T, program string) tracer.Options {
	return tracer.Options{
		Program:        program,
		Argument:       "/bin/true",
		StackTop:       0x800000,
		StackSize:      0x10000,
		ScratchAddr:    0x40000,
		ScratchSize:    0x1000,
		ShmDir:         t.TempDir(),
		MaskedIdentity: []string{"getpid"},
		Disassemble:    true,
		Logger:         quietLogger(),
	}
}

type fixture struct {
	emu   *emutest.Emulator
	donor *fakeDonor
	dbg   *X86Dbg
}

func newFixture(t *testing.T, opts tracer.Options) *fixture {
	t.Helper()
	emu := emutest.New()
	donor := newFakeDonor(emu)
	tr, err := tracer.New(emu, donor, opts)
	if err != nil {
		t.Fatalf("tracer.New: %v", err)
	}
	t.Cleanup(func() {
		tr.Close()
		donor.Close()
	})
	return &fixture{emu, donor, tr.(*X86Dbg)}
}

func build(t *testing.T, code []byte, mutate ...func(*tracer.Options)) (*fixture, *recordingTrace) {
	trace := new(recordingTrace)
	opts := testOptions(t, writeELF(t, code))
	opts.Trace = trace
	for _, fn := range mutate {
		fn(&opts)
	}
	return newFixture(t, opts), trace
}
