// Package donor drives a ptrace-stopped process through exactly one system
// call at a time. At its first stop the donor's instruction pointer is
// overwritten with a stub of syscall followed by int3, and every forwarded
// call single-steps that syscall instruction.
package donor

import (
	"os"
	"os/exec"
	"runtime"

	"github.com/sirupsen/logrus"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/wnxd/twilight/emulator/x86"
	"github.com/wnxd/twilight/filesystem"
	"github.com/wnxd/twilight/tracer"
)

const (
	// StubLen is how far rip moves over the stub's syscall instruction.
	StubLen = 2
	// stringOffset is where WriteString places its data, past the stub.
	stringOffset = 8
	pageSize     = 0x1000
	// vsyscallPage is reserved by the kernel and cannot be unmapped.
	vsyscallPage = 0xffffffffff600000
)

var (
	ErrClosed       = errors.Base("donor closed")
	ErrUnexpected   = errors.Base("unexpected first stop")
	ErrStringTooBig = errors.Base("string does not fit in the stub page")
	ErrTooManyArgs  = errors.Base("more than six syscall arguments")
)

type Options struct {
	Path   string
	Args   []string
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
	Logger *logrus.Entry
}

type Process struct {
	cmd   *exec.Cmd
	pid   int
	stub  uint64
	regs  unix.PtraceRegs
	calls chan func()
	log   *logrus.Entry
	dead  bool
}

var _ tracer.Donor = (*Process)(nil)

// Start launches the donor under ptrace and installs the stub at its first
// stop, before any of its own code has run.
func Start(opts Options) (*Process, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("component", "donor")
	}
	p := &Process{calls: make(chan func()), log: log}
	errc := make(chan error, 1)
	go p.loop(opts, errc)
	if err := <-errc; err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"pid": p.pid, "stub": tracer.Hex(p.stub)}).Info("donor started")
	return p, nil
}

// loop owns the tracer thread. ptrace requests are only accepted from the
// thread that started the tracee, so every request runs here.
func (p *Process) loop(opts Options, errc chan<- error) {
	runtime.LockOSThread()
	if err := p.start(opts); err != nil {
		runtime.UnlockOSThread()
		errc <- err
		return
	}
	errc <- nil
	for fn := range p.calls {
		fn()
	}
}

func (p *Process) start(opts Options) error {
	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = opts.Stdin, opts.Stdout, opts.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{Ptrace: true, Pdeathsig: unix.SIGKILL}
	if err := cmd.Start(); err != nil {
		return errors.WithDetails(err, "path", opts.Path)
	}
	p.cmd, p.pid = cmd, cmd.Process.Pid
	status, err := p.wait()
	if err != nil {
		return err
	}
	if !status.Stopped() || status.StopSignal() != unix.SIGTRAP {
		cmd.Process.Kill()
		p.wait()
		return errors.WithDetails(ErrUnexpected, "status", uint32(status))
	}
	if err = unix.PtraceGetRegs(p.pid, &p.regs); err != nil {
		return errors.WithStack(err)
	}
	p.stub = p.regs.Rip
	var word [8]byte
	if _, err = unix.PtracePeekText(p.pid, uintptr(p.stub), word[:]); err != nil {
		return errors.WithStack(err)
	}
	copy(word[:], x86.INSN_SYSCALL)
	copy(word[len(x86.INSN_SYSCALL):], x86.INSN_INT3)
	if _, err = unix.PtracePokeText(p.pid, uintptr(p.stub), word[:]); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (p *Process) wait() (unix.WaitStatus, error) {
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(p.pid, &status, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		return status, errors.WithStack(err)
	}
}

func (p *Process) do(fn func() error) error {
	if p.calls == nil {
		return ErrClosed
	}
	errc := make(chan error, 1)
	p.calls <- func() { errc <- fn() }
	return <-errc
}

func (p *Process) Pid() int {
	return p.pid
}

func (p *Process) Stub() uint64 {
	return p.stub
}

// Registers returns the register snapshot taken after the last call.
func (p *Process) Registers() unix.PtraceRegs {
	return p.regs
}

func (p *Process) Syscall(sysno uint64, args ...uint64) (uint64, error) {
	return p.SyscallAt(p.stub, sysno, args...)
}

// SyscallAt runs one syscall instruction at addr and checks that the donor
// stops with SIGTRAP exactly one instruction later.
func (p *Process) SyscallAt(addr, sysno uint64, args ...uint64) (ret uint64, err error) {
	if len(args) > len(x86.SyscallArgs) {
		return 0, errors.WithDetails(ErrTooManyArgs, "sysno", sysno)
	}
	if p.dead {
		return 0, &tracer.DonorTerminated{Sysno: sysno, At: addr}
	}
	err = p.do(func() error {
		regs := p.regs
		regs.Rax = sysno
		regs.Orig_rax = ^uint64(0)
		slots := [6]*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.R10, &regs.R8, &regs.R9}
		for i, arg := range args {
			*slots[i] = arg
		}
		regs.Rip = addr
		if err := unix.PtraceSetRegs(p.pid, &regs); err != nil {
			return errors.WithStack(err)
		}
		if err := unix.PtraceSingleStep(p.pid); err != nil {
			return errors.WithStack(err)
		}
		status, err := p.wait()
		if err != nil {
			return err
		}
		if status.Exited() || status.Signaled() {
			p.dead = true
			return &tracer.DonorTerminated{Sysno: sysno, At: addr, Status: status}
		}
		if err := unix.PtraceGetRegs(p.pid, &p.regs); err != nil {
			return errors.WithStack(err)
		}
		if !status.Stopped() || status.StopSignal() != unix.SIGTRAP || p.regs.Rip != addr+StubLen {
			return &tracer.DonorProtocolViolation{Sysno: sysno, At: addr, Want: addr + StubLen, Got: p.regs.Rip, Status: status}
		}
		ret = p.regs.Rax
		return nil
	})
	if err == nil {
		p.log.WithFields(logrus.Fields{"sysno": sysno, "at": tracer.Hex(addr), "ret": tracer.Hex(ret)}).Trace("donor syscall")
	}
	return
}

// WriteString copies s into the stub page after the stub.
func (p *Process) WriteString(s string) (uint64, error) {
	addr := p.stub + stringOffset
	limit := p.stub&^(pageSize-1) + pageSize
	data := append([]byte(s), 0)
	if addr+uint64(len(data)) > limit {
		return 0, errors.WithDetails(ErrStringTooBig, "len", len(s), "room", limit-addr)
	}
	err := p.do(func() error {
		_, err := unix.PtracePokeData(p.pid, uintptr(addr), data)
		return errors.WithStack(err)
	})
	return addr, err
}

func (p *Process) Maps() ([]filesystem.Mapping, error) {
	return filesystem.ReadMaps(filesystem.ProcFS(p.pid))
}

// Blank unmaps everything the donor inherited from its own image except the
// stub page and the vsyscall page.
func (p *Process) Blank() error {
	maps, err := p.Maps()
	if err != nil {
		return err
	}
	for _, m := range maps {
		if (p.stub >= m.Begin && p.stub < m.End) || m.Begin == vsyscallPage {
			continue
		}
		ret, err := p.Syscall(unix.SYS_MUNMAP, m.Begin, m.End-m.Begin)
		if err != nil {
			return err
		}
		if errno, ok := Errno(ret); ok {
			p.log.WithFields(logrus.Fields{"begin": tracer.Hex(m.Begin), "end": tracer.Hex(m.End), "path": m.Path}).WithError(errno).Warn("unmap failed")
			continue
		}
		p.log.WithFields(logrus.Fields{"begin": tracer.Hex(m.Begin), "end": tracer.Hex(m.End), "path": m.Path}).Debug("unmapped")
	}
	return nil
}

// Close kills and reaps the donor.
func (p *Process) Close() error {
	if p.calls == nil {
		return nil
	}
	err := p.do(func() error {
		if !p.dead {
			p.cmd.Process.Kill()
			p.wait()
			p.dead = true
		}
		return nil
	})
	close(p.calls)
	p.calls = nil
	return err
}

// Errno decodes a raw syscall return into an errno.
func Errno(ret uint64) (unix.Errno, bool) {
	if r := int64(ret); r < 0 && r > -4096 {
		return unix.Errno(-r), true
	}
	return 0, false
}
