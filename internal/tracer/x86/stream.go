package x86

import (
	"encoding/binary"

	"gitlab.com/tozd/go/errors"

	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/encoding"
	internal "github.com/wnxd/twilight/internal/tracer"
	"github.com/wnxd/twilight/tracer"
)

var errRegsExhausted = errors.Base("register stream exhausted")

// regStream views a fixed list of registers as consecutive 8-byte slots.
type regStream struct {
	ctx  tracer.Context
	regs []emulator.Reg
	off  int
}

func (rs *regStream) BlockSize() int {
	return POINTER_SIZE
}

func (rs *regStream) Offset() uint64 {
	return 0
}

func (rs *regStream) Skip(n int) error {
	rs.off += n
	return nil
}

func (rs *regStream) slot() (emulator.Reg, int, error) {
	i := rs.off / POINTER_SIZE
	if i >= len(rs.regs) {
		return 0, 0, errRegsExhausted
	}
	return rs.regs[i], rs.off % POINTER_SIZE, nil
}

func (rs *regStream) Read(b []byte) (int, error) {
	var i int
	for i < len(b) {
		reg, shift, err := rs.slot()
		if err != nil {
			return i, err
		}
		value, err := rs.ctx.RegRead(reg)
		if err != nil {
			return i, err
		}
		var raw [POINTER_SIZE]byte
		binary.LittleEndian.PutUint64(raw[:], value)
		n := copy(b[i:], raw[shift:])
		i += n
		rs.off += n
	}
	return i, nil
}

func (rs *regStream) Write(b []byte) (int, error) {
	var i int
	for i < len(b) {
		reg, shift, err := rs.slot()
		if err != nil {
			return i, err
		}
		var raw [POINTER_SIZE]byte
		if shift > 0 || len(b)-i < POINTER_SIZE {
			value, err := rs.ctx.RegRead(reg)
			if err != nil {
				return i, err
			}
			binary.LittleEndian.PutUint64(raw[:], value)
		}
		n := copy(raw[shift:], b[i:])
		if err = rs.ctx.RegWrite(reg, binary.LittleEndian.Uint64(raw[:])); err != nil {
			return i, err
		}
		i += n
		rs.off += n
	}
	return i, nil
}

func (rs *regStream) ReadString() (string, error) {
	return "", errors.ErrUnsupported
}

// ReadStream follows the pointer held in the next slot into emulator
// memory.
func (rs *regStream) ReadStream() (encoding.Stream, error) {
	var raw [POINTER_SIZE]byte
	if _, err := rs.Read(raw[:]); err != nil {
		return nil, err
	}
	return internal.PointerStream(rs.ctx.ToPointer(binary.LittleEndian.Uint64(raw[:])), noAlloc, POINTER_SIZE), nil
}

func noAlloc(uint64) (emulator.Pointer, error) {
	return emulator.Pointer{}, errors.ErrUnsupported
}

func (rs *regStream) WriteString(string) error {
	return errors.ErrUnsupported
}

func (rs *regStream) WriteStream(int) (encoding.Stream, error) {
	return nil, errors.ErrUnsupported
}
