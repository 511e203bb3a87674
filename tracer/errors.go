package tracer

import (
	"fmt"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/wnxd/twilight/emulator"
)

var (
	ErrUnknownSyscall  = errors.Base("unknown syscall number")
	ErrStateInvalid    = errors.Base("state invalid")
	ErrArgumentInvalid = errors.Base("argument invalid")
	ErrModuleNotFound  = errors.Base("module not found")
	ErrHookCallback    = errors.Base("hook callback type exception")
)

// DonorProtocolViolation means the donor did not stop where the stub
// protocol says it must. Nothing forwarded afterwards can be trusted.
type DonorProtocolViolation struct {
	Sysno  uint64
	At     uint64
	Want   uint64
	Got    uint64
	Status unix.WaitStatus
}

// DonorTerminated means the donor exited or was killed mid-call.
type DonorTerminated struct {
	Sysno  uint64
	At     uint64
	Status unix.WaitStatus
}

// BackingStoreConflict is a mapping request that partially overlaps an
// existing backing store.
type BackingStoreConflict struct {
	Addr     uint64
	Size     uint64
	Existing [2]uint64
}

// EmulationFault is an engine fault seen by the run loop.
type EmulationFault struct {
	PC     uint64
	Addr   uint64
	Type   emulator.HookType
	Module string
	Offset uint64
	Err    error
}

func (e *DonorProtocolViolation) Error() string {
	return fmt.Sprintf("[DonorProtocolViolation] sysno: %d, at: %016X, want rip: %016X, got rip: %016X, status: %#x", e.Sysno, e.At, e.Want, e.Got, uint32(e.Status))
}

func (e *DonorTerminated) Error() string {
	var how string
	switch {
	case e.Status.Exited():
		how = fmt.Sprintf("exited %d", e.Status.ExitStatus())
	case e.Status.Signaled():
		how = "killed by " + e.Status.Signal().String()
	default:
		how = fmt.Sprintf("status %#x", uint32(e.Status))
	}
	return fmt.Sprintf("[DonorTerminated] sysno: %d, at: %016X, %s", e.Sysno, e.At, how)
}

func (e *BackingStoreConflict) Error() string {
	return fmt.Sprintf("[BackingStoreConflict] request: %016X-%016X, existing: %016X-%016X", e.Addr, e.Addr+e.Size, e.Existing[0], e.Existing[1])
}

func (e *EmulationFault) Error() string {
	where := fmt.Sprintf("pc: %016X", e.PC)
	if e.Module != "" {
		where = fmt.Sprintf("module: %s, offset: %08X", e.Module, e.Offset)
	}
	if e.Type != 0 {
		return fmt.Sprintf("[EmulationFault] %s, type: %v, addr: %016X: %v", where, e.Type, e.Addr, e.Err)
	}
	return fmt.Sprintf("[EmulationFault] %s: %v", where, e.Err)
}

func (e *EmulationFault) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err ends the run regardless of policy.
func IsFatal(err error) bool {
	var (
		pv *DonorProtocolViolation
		dt *DonorTerminated
		bc *BackingStoreConflict
	)
	return errors.As(err, &pv) || errors.As(err, &dt) || errors.As(err, &bc)
}
