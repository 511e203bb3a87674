package tracer

import "github.com/wnxd/twilight/emulator"

type MappedRegion struct {
	Addr, Size uint64
	Path       string
}

type MemoryManager interface {
	// EnsureMapped makes [addr, addr+size) shared between the donor and the
	// emulator, reporting whether an existing backing store was reused.
	EnsureMapped(addr, size uint64) (reused bool, err error)
	MappedRegions() []MappedRegion
	ToPointer(addr uint64) emulator.Pointer
}
