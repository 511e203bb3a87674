// Package emutest provides a small x86-64 engine for tests. It decodes
// only the instructions the tracer's tests need: nop, hlt, syscall, wrmsr,
// mov r64, imm32 and movabs r64, imm64. Anything else faults as an invalid
// instruction.
package emutest

import (
	"encoding/binary"
	"slices"
	"unsafe"

	"gitlab.com/tozd/go/errors"

	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/emulator/x86"
)

var (
	ErrInvalidInstruction = errors.Base("invalid instruction")
	ErrUnmapped           = errors.Base("unmapped memory")
	ErrOverlap            = errors.Base("region overlaps an existing mapping")
	ErrHalt               = errors.Base("hlt in user mode")
)

const pageSize = 0x1000

type region struct {
	emulator.MemRegion
	data []byte
}

type hook struct {
	e     *Emulator
	typ   emulator.HookType
	cb    any
	data  any
	begin uint64
	end   uint64
}

// Emulator is the test engine. It is not safe for concurrent use.
type Emulator struct {
	regions []*region
	regs    [x86.X86_REG_ENDING]uint64
	hooks   []*hook
	stop    bool
	closed  bool
	// Executed counts instructions retired since creation.
	Executed uint64
}

var _ emulator.Emulator = (*Emulator)(nil)

func New() *Emulator {
	return &Emulator{}
}

func (e *Emulator) Close() error {
	e.closed = true
	e.regions, e.hooks = nil, nil
	return nil
}

func (e *Emulator) Arch() emulator.Arch {
	return emulator.ARCH_X86_64
}

func (e *Emulator) PageSize() uint64 {
	return pageSize
}

func (e *Emulator) MemMap(addr, size uint64, prot emulator.MemProt) error {
	return e.mapRegion(addr, size, prot, make([]byte, size))
}

func (e *Emulator) MemMapPtr(addr, size uint64, prot emulator.MemProt, ptr unsafe.Pointer) error {
	return e.mapRegion(addr, size, prot, unsafe.Slice((*byte)(ptr), size))
}

func (e *Emulator) mapRegion(addr, size uint64, prot emulator.MemProt, data []byte) error {
	if addr%pageSize != 0 || size%pageSize != 0 || size == 0 {
		return errors.Errorf("unaligned mapping %#x+%#x", addr, size)
	}
	for _, r := range e.regions {
		if addr < r.End() && r.Addr < addr+size {
			return errors.WithDetails(ErrOverlap, "addr", addr, "size", size)
		}
	}
	e.regions = append(e.regions, &region{emulator.MemRegion{Addr: addr, Size: size, Prot: prot}, data})
	slices.SortFunc(e.regions, func(a, b *region) int {
		if a.Addr < b.Addr {
			return -1
		}
		return 1
	})
	return nil
}

func (e *Emulator) MemUnmap(addr, size uint64) error {
	end := addr + size
	var kept []*region
	for _, r := range e.regions {
		if end <= r.Addr || r.End() <= addr {
			kept = append(kept, r)
			continue
		}
		if r.Addr < addr {
			kept = append(kept, &region{emulator.MemRegion{Addr: r.Addr, Size: addr - r.Addr, Prot: r.Prot}, r.data[:addr-r.Addr]})
		}
		if end < r.End() {
			kept = append(kept, &region{emulator.MemRegion{Addr: end, Size: r.End() - end, Prot: r.Prot}, r.data[end-r.Addr:]})
		}
	}
	e.regions = kept
	return nil
}

func (e *Emulator) MemProtect(addr, size uint64, prot emulator.MemProt) error {
	for _, r := range e.regions {
		if r.Addr >= addr && r.End() <= addr+size {
			r.Prot = prot
		}
	}
	return nil
}

func (e *Emulator) MemRegions() ([]emulator.MemRegion, error) {
	list := make([]emulator.MemRegion, len(e.regions))
	for i, r := range e.regions {
		list[i] = r.MemRegion
	}
	return list, nil
}

func (e *Emulator) find(addr uint64) *region {
	for _, r := range e.regions {
		if r.Contains(addr) {
			return r
		}
	}
	return nil
}

// access visits [addr, addr+size) region by region.
func (e *Emulator) access(addr, size uint64, fn func(r *region, off, n uint64)) error {
	for size > 0 {
		r := e.find(addr)
		if r == nil {
			return errors.WithDetails(ErrUnmapped, "addr", addr)
		}
		off := addr - r.Addr
		n := min(size, r.Size-off)
		fn(r, off, n)
		addr += n
		size -= n
	}
	return nil
}

func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	buf := make([]byte, 0, size)
	err := e.access(addr, size, func(r *region, off, n uint64) {
		buf = append(buf, r.data[off:off+n]...)
	})
	return buf, err
}

func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.access(addr, uint64(len(data)), func(r *region, off, n uint64) {
		copy(r.data[off:off+n], data)
		data = data[n:]
	})
}

func (e *Emulator) RegRead(reg emulator.Reg) (uint64, error) {
	switch {
	case reg == x86.X86_REG_AL:
		return e.regs[x86.X86_REG_RAX] & 0xff, nil
	case reg > x86.X86_REG_INVALID && reg < x86.X86_REG_ENDING:
		return e.regs[reg], nil
	}
	return 0, errors.WithDetails(emulator.ErrRegUnsupported, "reg", int(reg))
}

func (e *Emulator) RegWrite(reg emulator.Reg, value uint64) error {
	switch {
	case reg == x86.X86_REG_AL:
		e.regs[x86.X86_REG_RAX] = e.regs[x86.X86_REG_RAX]&^0xff | value&0xff
	case reg > x86.X86_REG_INVALID && reg < x86.X86_REG_ENDING:
		e.regs[reg] = value
	default:
		return errors.WithDetails(emulator.ErrRegUnsupported, "reg", int(reg))
	}
	return nil
}

func (e *Emulator) RegReadBatch(regs ...emulator.Reg) ([]uint64, error) {
	vals := make([]uint64, len(regs))
	for i, reg := range regs {
		v, err := e.RegRead(reg)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

func (e *Emulator) RegWriteBatch(regs []emulator.Reg, vals []uint64) error {
	for i, reg := range regs {
		if err := e.RegWrite(reg, vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emulator) Stop() error {
	e.stop = true
	return nil
}

func (e *Emulator) Hook(typ emulator.HookType, callback any, data any, begin, end uint64) (emulator.Hook, error) {
	var ok bool
	switch {
	case typ == emulator.HOOK_TYPE_CODE:
		_, ok = callback.(emulator.CodeCallback)
	case typ == emulator.HOOK_TYPE_INSN_SYSCALL:
		_, ok = callback.(emulator.SyscallCallback)
	case typ&emulator.HOOK_TYPE_MEM_INVALID == typ:
		_, ok = callback.(emulator.MemoryCallback)
	}
	if !ok {
		return nil, errors.WithDetails(emulator.ErrHookType, "type", typ.String())
	}
	h := &hook{e, typ, callback, data, begin, end}
	e.hooks = append(e.hooks, h)
	return h, nil
}

func (h *hook) Close() error {
	h.e.hooks = slices.DeleteFunc(h.e.hooks, func(o *hook) bool { return o == h })
	return nil
}

func (h *hook) covers(addr uint64) bool {
	return h.begin > h.end || (addr >= h.begin && addr <= h.end)
}

func (e *Emulator) Start(begin, until uint64) error {
	return e.StartCount(begin, until, 0)
}

// StartCount runs from begin. Stop requested from a code hook takes effect
// before the hooked instruction executes; from a syscall hook, after the
// syscall retires.
func (e *Emulator) StartCount(begin, until, count uint64) error {
	e.stop = false
	e.regs[x86.X86_REG_RIP] = begin
	for n := uint64(0); count == 0 || n < count; n++ {
		pc := e.regs[x86.X86_REG_RIP]
		if pc == until {
			return nil
		}
		insn, err := e.fetch(pc)
		if err != nil {
			return err
		}
		for _, h := range slices.Clone(e.hooks) {
			if h.typ == emulator.HOOK_TYPE_CODE && h.covers(pc) {
				h.cb.(emulator.CodeCallback)(pc, uint64(len(insn)), h.data)
			}
		}
		if e.stop {
			return nil
		} else if e.regs[x86.X86_REG_RIP] != pc {
			continue
		}
		if err = e.execute(pc, insn); err != nil {
			return err
		}
		e.Executed++
		if e.stop {
			return nil
		}
	}
	return nil
}

func (e *Emulator) fetch(pc uint64) ([]byte, error) {
	r := e.find(pc)
	if r == nil || r.Prot&emulator.MEM_PROT_EXEC == 0 {
		typ := emulator.HOOK_TYPE_MEM_FETCH_UNMAPPED
		if r != nil {
			typ = emulator.HOOK_TYPE_MEM_FETCH_PROT
		}
		return nil, e.memFault(pc, pc, typ, ErrUnmapped)
	}
	window, _ := e.MemRead(pc, min(10, r.End()-pc))
	if n := insnLen(window); n > 0 {
		return window[:n], nil
	}
	return nil, &emulator.Fault{PC: pc, Err: errors.WithDetails(ErrInvalidInstruction, "bytes", window)}
}

func (e *Emulator) memFault(pc, addr uint64, typ emulator.HookType, err error) error {
	for _, h := range slices.Clone(e.hooks) {
		if h.typ&typ != 0 && h.typ&emulator.HOOK_TYPE_MEM_INVALID == h.typ && h.covers(addr) {
			h.cb.(emulator.MemoryCallback)(typ, addr, 1, 0, h.data)
		}
	}
	return &emulator.Fault{PC: pc, Addr: addr, Type: typ, Err: err}
}

func insnLen(b []byte) int {
	switch {
	case len(b) >= 1 && (b[0] == 0x90 || b[0] == 0xf4):
		return 1
	case len(b) >= 2 && b[0] == 0x0f && (b[1] == 0x05 || b[1] == 0x30 || b[1] == 0x0b):
		return 2
	case len(b) >= 7 && (b[0] == 0x48 || b[0] == 0x49) && b[1] == 0xc7 && b[2]&0xf8 == 0xc0:
		return 7
	case len(b) >= 10 && (b[0] == 0x48 || b[0] == 0x49) && b[1]&0xf8 == 0xb8:
		return 10
	}
	return 0
}

func gpr(rex, low byte) emulator.Reg {
	return x86.X86_REG_RAX + emulator.Reg(low&7) + emulator.Reg(rex&1)*8
}

func (e *Emulator) execute(pc uint64, insn []byte) error {
	next := pc + uint64(len(insn))
	switch {
	case insn[0] == 0x90:
	case insn[0] == 0xf4:
		return &emulator.Fault{PC: pc, Err: ErrHalt}
	case insn[0] == 0x0f && insn[1] == 0x0b:
		return &emulator.Fault{PC: pc, Err: errors.WithDetails(ErrInvalidInstruction, "bytes", insn)}
	case insn[0] == 0x0f && insn[1] == 0x05:
		for _, h := range slices.Clone(e.hooks) {
			if h.typ == emulator.HOOK_TYPE_INSN_SYSCALL && h.covers(pc) {
				h.cb.(emulator.SyscallCallback)(h.data)
			}
		}
	case insn[0] == 0x0f && insn[1] == 0x30:
		value := e.regs[x86.X86_REG_RDX]<<32 | e.regs[x86.X86_REG_RAX]&0xffffffff
		switch uint32(e.regs[x86.X86_REG_RCX]) {
		case x86.MSR_FS_BASE:
			e.regs[x86.X86_REG_FS_BASE] = value
		case x86.MSR_GS_BASE:
			e.regs[x86.X86_REG_GS_BASE] = value
		default:
			return &emulator.Fault{PC: pc, Err: errors.WithDetails(ErrInvalidInstruction, "msr", e.regs[x86.X86_REG_RCX])}
		}
	case insn[1] == 0xc7:
		e.regs[gpr(insn[0], insn[2])] = uint64(int64(int32(binary.LittleEndian.Uint32(insn[3:]))))
	default:
		e.regs[gpr(insn[0], insn[1])] = binary.LittleEndian.Uint64(insn[2:])
	}
	e.regs[x86.X86_REG_RIP] = next
	return nil
}
