package tracer

import (
	"github.com/sirupsen/logrus"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/wnxd/twilight/donor"
	"github.com/wnxd/twilight/filesystem"
	"github.com/wnxd/twilight/privileged"
	"github.com/wnxd/twilight/tracer"
)

// maskedPID is returned for masked identity queries. The program must not
// learn the donor's identity.
const maskedPID = ^uint64(0)

type syscallHandler func(dbg *Dbg, call *tracer.Syscall) error

type syscallManager struct {
	handlers map[uint64]syscallHandler
	brk      uint64
	log      *logrus.Entry
}

func (sm *syscallManager) ctor(dbg *Dbg) error {
	sm.log = dbg.log.WithField("component", "syscall")
	sm.handlers = make(map[uint64]syscallHandler)
	for name, handler := range map[string]syscallHandler{
		"exit":       handleExit,
		"exit_group": handleExit,
		"mmap":       handleMmap,
		"brk":        handleBrk,
		"arch_prctl": handleArchPrctl,
		"mremap":     handleUnsynchronized,
		"shmat":      handleUnsynchronized,
	} {
		sysno, ok := dbg.impl.SyscallNumber(name)
		if !ok {
			return errors.WithDetails(tracer.ErrUnknownSyscall, "name", name)
		}
		sm.handlers[sysno] = handler
	}
	for _, name := range dbg.opts.MaskedIdentity {
		sysno, ok := dbg.impl.SyscallNumber(name)
		if !ok {
			return errors.WithDetails(tracer.ErrUnknownSyscall, "name", name, "option", "masked_identity")
		}
		sm.handlers[sysno] = handleMasked
	}
	return nil
}

func (sm *syscallManager) dtor() {
	sm.handlers = nil
}

// Forward executes call in the donor, at the program's own syscall
// instruction when ForwardAtPC is set.
func (dbg *Dbg) Forward(call *tracer.Syscall) (err error) {
	if dbg.opts.ForwardAtPC {
		call.Ret, err = dbg.donor.SyscallAt(call.PC, call.Sysno, call.Args[:]...)
	} else {
		call.Ret, err = dbg.donor.Syscall(call.Sysno, call.Args[:]...)
	}
	return
}

func (dbg *Dbg) handleSyscall(data any) {
	if dbg.state != tracer.State_Running {
		return
	}
	call, err := dbg.impl.ReadSyscall(dbg.ctx)
	if err != nil {
		dbg.abort(err)
		return
	}
	name, known := dbg.impl.SyscallName(call.Sysno)
	log := dbg.syscallManager.log.WithFields(logrus.Fields{"pc": tracer.Hex(call.PC), "sysno": call.Sysno, "name": name})
	handler, ok := dbg.handlers[call.Sysno]
	if !ok {
		if !known {
			log.WithError(tracer.ErrUnknownSyscall).Warn("forwarding unknown syscall")
		}
		handler = handleForward
	}
	if err = handler(dbg, call); err != nil {
		dbg.abort(errors.WithDetails(err, "sysno", call.Sysno, "pc", call.PC))
		return
	}
	if err = dbg.impl.WriteSyscallReturn(dbg.ctx, call.Ret); err != nil {
		dbg.abort(err)
		return
	}
	log.WithFields(logrus.Fields{
		"args":  []string{tracer.Hex(call.Args[0]), tracer.Hex(call.Args[1]), tracer.Hex(call.Args[2])},
		"ret":   tracer.Hex(call.Ret),
		"local": call.Local,
	}).Debug("syscall")
	dbg.runSyscallHooks(dbg.ctx, call)
}

func handleForward(dbg *Dbg, call *tracer.Syscall) error {
	return dbg.Forward(call)
}

// handleExit ends the run without telling the donor.
func handleExit(dbg *Dbg, call *tracer.Syscall) error {
	call.Local = true
	dbg.exited = true
	dbg.exitCode = int(int32(call.Args[0]))
	return dbg.emu.Stop()
}

func handleMasked(dbg *Dbg, call *tracer.Syscall) error {
	call.Local = true
	call.Ret = maskedPID
	return nil
}

func handleUnsynchronized(dbg *Dbg, call *tracer.Syscall) error {
	name, _ := dbg.impl.SyscallName(call.Sysno)
	dbg.syscallManager.log.WithFields(logrus.Fields{"pc": tracer.Hex(call.PC), "name": name}).Warn("memory syscall is not synchronized with the emulator")
	return dbg.Forward(call)
}

// handleArchPrctl defers segment base writes to the run loop, which the
// donor could not perform for the program anyway. Reads are answered from
// the emulator.
func handleArchPrctl(dbg *Dbg, call *tracer.Syscall) error {
	seg, set, ok := privileged.SegmentForCode(call.Args[0])
	if !ok {
		return dbg.Forward(call)
	}
	call.Local = true
	if set {
		dbg.pending = &pendingOp{seg: seg, value: call.Args[1]}
		return dbg.emu.Stop()
	}
	value, err := dbg.emu.RegRead(seg.BaseReg())
	if err != nil {
		return err
	}
	if err = dbg.ToPointer(call.Args[1]).MemWriteUint64(value); err != nil {
		call.Ret = ^uint64(unix.EFAULT) + 1
	}
	return nil
}

// handleMmap lets the donor's allocator choose the address, then replaces
// the donor's private mapping with a synchronized region. File content the
// donor would have seen is read through the donor's own descriptor.
func handleMmap(dbg *Dbg, call *tracer.Syscall) error {
	if err := dbg.Forward(call); err != nil {
		return err
	}
	if _, ok := donor.Errno(call.Ret); ok {
		return nil
	}
	addr, length := call.Ret, call.Args[1]
	flags, fd, off := call.Args[3], int(int32(call.Args[4])), call.Args[5]
	ret, err := dbg.donor.Syscall(unix.SYS_MUNMAP, addr, length)
	if err != nil {
		return err
	} else if errno, ok := donor.Errno(ret); ok {
		return errors.WithDetails(errno, "op", "munmap", "addr", addr)
	}
	reused, err := dbg.EnsureMapped(addr, length)
	if err != nil {
		return err
	}
	var (
		file filesystem.ReadFile
		path string
	)
	if flags&unix.MAP_ANONYMOUS == 0 && fd >= 0 {
		if file, path, err = dbg.openMapped(fd); err != nil {
			return errors.WithDetails(err, "op", "mmap", "addr", addr)
		}
	}
	if file == nil {
		if !reused {
			return nil
		}
		return dbg.fillMapping(addr, length, nil, 0)
	}
	defer file.Close()
	if err = dbg.fillMapping(addr, length, file, off); err != nil {
		return errors.WithDetails(err, "path", path)
	}
	dbg.syscallManager.log.WithFields(logrus.Fields{"addr": tracer.Hex(addr), "size": tracer.Hex(length), "path": path, "offset": tracer.Hex(off)}).Debug("copied file mapping")
	return nil
}

// handleBrk synchronizes pages the donor's break gains.
func handleBrk(dbg *Dbg, call *tracer.Syscall) error {
	if err := dbg.Forward(call); err != nil {
		return err
	}
	cur, next := dbg.brk, call.Ret
	dbg.brk = next
	if cur == 0 || next <= cur {
		return nil
	}
	lo, hi := tracer.Align(cur, dbg.pageSize), tracer.Align(next, dbg.pageSize)
	if hi <= lo {
		return nil
	}
	_, err := dbg.EnsureMapped(lo, hi-lo)
	return err
}
