package loader

import (
	"encoding/binary"
	"io"

	"github.com/wnxd/twilight/emulator"
)

type Module interface {
	io.Closer
	Name() string
	Path() string
	Arch() emulator.Arch
	ByteOrder() binary.ByteOrder
	// Regions lists the loadable segments in file order.
	Regions() []Region
	EntryAddr() uint64
	// Interpreter is the requested program interpreter, empty if none.
	Interpreter() string
}

// Bounds returns the page-aligned span covered by the module's regions.
func Bounds(m Module, pageSize uint64) (lo, hi uint64) {
	lo = ^uint64(0)
	for _, r := range m.Regions() {
		lo = min(lo, r.Addr&^(pageSize-1))
		hi = max(hi, (r.Addr+r.Size+pageSize-1)&^(pageSize-1))
	}
	if lo > hi {
		lo = hi
	}
	return
}
