package loader

import (
	"io"

	"github.com/wnxd/twilight/emulator"
)

// Region is one loadable segment. ReaderAt yields Length bytes of file
// content; the remaining Size-Length bytes are zero.
type Region struct {
	Offset        uint64
	Addr, Size    uint64
	Length, Align uint64
	Prot          emulator.MemProt
	io.ReaderAt
}

func (r Region) End() uint64 {
	return r.Addr + r.Size
}

// Image returns the full in-memory content of the region.
func (r Region) Image() ([]byte, error) {
	buf := make([]byte, r.Size)
	if r.Length == 0 {
		return buf, nil
	}
	n, err := r.ReadAt(buf[:min(r.Length, r.Size)], 0)
	if err == io.EOF && uint64(n) == min(r.Length, r.Size) {
		err = nil
	}
	return buf, err
}
