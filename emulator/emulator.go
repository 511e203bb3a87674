package emulator

import (
	"io"
	"unsafe"
)

// Emulator is the boundary to the instruction-level CPU engine. An engine
// only regains control in the tracer through the hooks registered on it.
type Emulator interface {
	io.Closer
	Arch() Arch
	PageSize() uint64
	MemMap(addr, size uint64, prot MemProt) error
	// MemMapPtr maps size bytes at addr backed by externally owned storage.
	// The storage must stay valid until the range is unmapped.
	MemMapPtr(addr, size uint64, prot MemProt, ptr unsafe.Pointer) error
	MemUnmap(addr, size uint64) error
	MemProtect(addr, size uint64, prot MemProt) error
	MemRegions() ([]MemRegion, error)
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error
	RegisterContext
	// Start runs from begin until the pc reaches until, the engine is
	// stopped, or a fault occurs. Faults are returned as *Fault.
	Start(begin, until uint64) error
	// StartCount is Start limited to count instructions.
	StartCount(begin, until, count uint64) error
	Stop() error
	Hook(typ HookType, callback any, data any, begin, end uint64) (Hook, error)
}
