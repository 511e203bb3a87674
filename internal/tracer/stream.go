package tracer

import (
	"encoding/binary"

	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/encoding"
)

const maxString = 0x1000

type pointerStream struct {
	ptr   emulator.Pointer
	alloc func(uint64) (emulator.Pointer, error)
	size  int
}

// PointerStream reads and writes emulator memory sequentially from ptr.
// Out-of-line values are placed with alloc.
func PointerStream(ptr emulator.Pointer, alloc func(uint64) (emulator.Pointer, error), size int) encoding.Stream {
	return &pointerStream{ptr, alloc, size}
}

func (ps *pointerStream) BlockSize() int {
	return ps.size
}

func (ps *pointerStream) Offset() uint64 {
	return ps.ptr.Address()
}

func (ps *pointerStream) Skip(n int) error {
	ps.ptr = ps.ptr.Add(uint64(n))
	return nil
}

func (ps *pointerStream) Read(b []byte) (int, error) {
	n, err := ps.ptr.ReadAt(b, 0)
	if err == nil {
		ps.Skip(n)
	}
	return n, err
}

func (ps *pointerStream) ReadString() (string, error) {
	str, err := ps.ptr.MemReadString(maxString)
	if err == nil {
		ps.Skip(len(str) + 1)
	}
	return str, err
}

func (ps *pointerStream) ReadStream() (encoding.Stream, error) {
	addr, err := ps.ptr.MemReadUint64()
	if err != nil {
		return nil, err
	}
	ps.Skip(ps.size)
	return PointerStream(ps.ptr.Sub(ps.ptr.Address()).Add(addr), ps.alloc, ps.size), nil
}

func (ps *pointerStream) Write(b []byte) (int, error) {
	n, err := ps.ptr.WriteAt(b, 0)
	if err == nil {
		ps.Skip(n)
	}
	return n, err
}

func (ps *pointerStream) WriteString(str string) error {
	_, err := ps.Write(append([]byte(str), 0))
	return err
}

func (ps *pointerStream) WriteStream(size int) (encoding.Stream, error) {
	ptr, err := ps.alloc(uint64(size))
	if err != nil {
		return nil, err
	}
	if _, err = ps.Write(binary.LittleEndian.AppendUint64(nil, ptr.Address())[:ps.size]); err != nil {
		return nil, err
	}
	return PointerStream(ptr, ps.alloc, ps.size), nil
}
