package tracer

import (
	"io"

	"github.com/wnxd/twilight/filesystem"
)

// Donor executes real system calls on behalf of the traced program, one at
// a time.
type Donor interface {
	io.Closer
	Pid() int
	// Stub is the address of the injected syscall stub.
	Stub() uint64
	Syscall(sysno uint64, args ...uint64) (uint64, error)
	// SyscallAt executes the syscall instruction found at addr.
	SyscallAt(addr, sysno uint64, args ...uint64) (uint64, error)
	// WriteString stores a NUL-terminated string in the donor and returns
	// its address. The storage is reused by the next call.
	WriteString(s string) (uint64, error)
	Maps() ([]filesystem.Mapping, error)
}
