package emulator

import (
	"bytes"
	"encoding/binary"
)

// Pointer is an address inside the emulated address space.
type Pointer struct {
	emu  Emulator
	addr uint64
}

func ToPointer(emu Emulator, addr uint64) Pointer {
	return Pointer{emu, addr}
}

func (p Pointer) IsNil() bool {
	return p.addr == 0
}

func (p Pointer) Address() uint64 {
	return p.addr
}

func (p Pointer) Add(offset uint64) Pointer {
	return Pointer{p.emu, p.addr + offset}
}

func (p Pointer) Sub(offset uint64) Pointer {
	return Pointer{p.emu, p.addr - offset}
}

func (p Pointer) MemRead(size uint64) ([]byte, error) {
	return p.emu.MemRead(p.addr, size)
}

func (p Pointer) MemWrite(data []byte) error {
	return p.emu.MemWrite(p.addr, data)
}

// MemReadString reads a NUL-terminated string, giving up after limit bytes.
// Reads never cross a page boundary the string itself does not reach.
func (p Pointer) MemReadString(limit uint64) (string, error) {
	var data []byte
	const chunk = 0x10
	page := p.emu.PageSize()
	for begin := p.addr; uint64(len(data)) < limit; {
		n := min(chunk, page-begin%page)
		buf, err := p.emu.MemRead(begin, n)
		begin += n
		if err != nil {
			return "", err
		}
		if i := bytes.IndexByte(buf, 0); i != -1 {
			data = append(data, buf[:i]...)
			break
		}
		data = append(data, buf...)
	}
	return string(data[:min(uint64(len(data)), limit)]), nil
}

func (p Pointer) MemReadUint64() (uint64, error) {
	buf, err := p.emu.MemRead(p.addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (p Pointer) MemWriteUint64(v uint64) error {
	return p.emu.MemWrite(p.addr, binary.LittleEndian.AppendUint64(nil, v))
}

func (p Pointer) ReadAt(b []byte, off int64) (int, error) {
	buf, err := p.emu.MemRead(p.addr+uint64(off), uint64(len(b)))
	if err != nil {
		return 0, err
	}
	return copy(b, buf), nil
}

func (p Pointer) WriteAt(b []byte, off int64) (int, error) {
	if err := p.emu.MemWrite(p.addr+uint64(off), b); err != nil {
		return 0, err
	}
	return len(b), nil
}
