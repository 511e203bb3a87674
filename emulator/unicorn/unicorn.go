//go:build unicorn

package unicorn

import (
	"unsafe"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"gitlab.com/tozd/go/errors"

	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/emulator/x86"
)

var _ = emulator.RegisterEngine(emulator.ARCH_X86_64, New)

type engine struct {
	mu       uc.Unicorn
	pageSize uint64
	fault    struct {
		valid bool
		addr  uint64
		typ   emulator.HookType
	}
}

type hook struct {
	mu uc.Unicorn
	h  uc.Hook
}

func New() (emulator.Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, errors.WithMessage(err, "create unicorn")
	}
	e := &engine{mu: mu, pageSize: 0x1000}
	if size, err := mu.Query(uc.QUERY_PAGE_SIZE); err == nil && size != 0 {
		e.pageSize = size
	}
	// remember the last invalid access so Start can report where it faulted
	_, err = mu.HookAdd(uc.HOOK_MEM_INVALID, func(_ uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		e.fault.valid, e.fault.addr, e.fault.typ = true, addr, accessType(access)
		return false
	}, 1, 0)
	if err != nil {
		mu.Close()
		return nil, errors.WithMessage(err, "install fault hook")
	}
	return e, nil
}

func (e *engine) Close() error {
	return e.mu.Close()
}

func (e *engine) Arch() emulator.Arch {
	return emulator.ARCH_X86_64
}

func (e *engine) PageSize() uint64 {
	return e.pageSize
}

func (e *engine) MemMap(addr, size uint64, prot emulator.MemProt) error {
	return e.mu.MemMapProt(addr, size, toProt(prot))
}

func (e *engine) MemMapPtr(addr, size uint64, prot emulator.MemProt, ptr unsafe.Pointer) error {
	return e.mu.MemMapPtr(addr, size, toProt(prot), ptr)
}

func (e *engine) MemUnmap(addr, size uint64) error {
	return e.mu.MemUnmap(addr, size)
}

func (e *engine) MemProtect(addr, size uint64, prot emulator.MemProt) error {
	return e.mu.MemProtect(addr, size, toProt(prot))
}

func (e *engine) MemRegions() ([]emulator.MemRegion, error) {
	regions, err := e.mu.MemRegions()
	if err != nil {
		return nil, err
	}
	list := make([]emulator.MemRegion, len(regions))
	for i, r := range regions {
		list[i] = emulator.MemRegion{Addr: r.Begin, Size: r.End - r.Begin + 1, Prot: fromProt(r.Prot)}
	}
	return list, nil
}

func (e *engine) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

func (e *engine) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

func (e *engine) RegRead(reg emulator.Reg) (uint64, error) {
	r, err := toReg(reg)
	if err != nil {
		return 0, err
	}
	return e.mu.RegRead(r)
}

func (e *engine) RegWrite(reg emulator.Reg, value uint64) error {
	r, err := toReg(reg)
	if err != nil {
		return err
	}
	return e.mu.RegWrite(r, value)
}

func (e *engine) RegReadBatch(regs ...emulator.Reg) ([]uint64, error) {
	list, err := toRegs(regs)
	if err != nil {
		return nil, err
	}
	return e.mu.RegReadBatch(list)
}

func (e *engine) RegWriteBatch(regs []emulator.Reg, vals []uint64) error {
	list, err := toRegs(regs)
	if err != nil {
		return err
	}
	return e.mu.RegWriteBatch(list, vals)
}

func (e *engine) Start(begin, until uint64) error {
	e.fault.valid = false
	return e.wrapFault(e.mu.Start(begin, until))
}

func (e *engine) StartCount(begin, until, count uint64) error {
	e.fault.valid = false
	return e.wrapFault(e.mu.StartWithOptions(begin, until, &uc.UcOptions{Count: count}))
}

func (e *engine) Stop() error {
	return e.mu.Stop()
}

func (e *engine) wrapFault(err error) error {
	if err == nil {
		return nil
	}
	pc, _ := e.mu.RegRead(uc.X86_REG_RIP)
	f := &emulator.Fault{PC: pc, Err: err}
	if e.fault.valid {
		f.Addr, f.Type = e.fault.addr, e.fault.typ
	}
	return f
}

func (e *engine) Hook(typ emulator.HookType, callback any, data any, begin, end uint64) (emulator.Hook, error) {
	var (
		h   uc.Hook
		err error
	)
	switch {
	case typ == emulator.HOOK_TYPE_CODE:
		cb, ok := callback.(emulator.CodeCallback)
		if !ok {
			return nil, errors.WithDetails(emulator.ErrHookType, "type", typ.String())
		}
		h, err = e.mu.HookAdd(uc.HOOK_CODE, func(_ uc.Unicorn, addr uint64, size uint32) {
			cb(addr, uint64(size), data)
		}, begin, end)
	case typ == emulator.HOOK_TYPE_INSN_SYSCALL:
		cb, ok := callback.(emulator.SyscallCallback)
		if !ok {
			return nil, errors.WithDetails(emulator.ErrHookType, "type", typ.String())
		}
		h, err = e.mu.HookAdd(uc.HOOK_INSN, func(_ uc.Unicorn) {
			cb(data)
		}, begin, end, uc.X86_INS_SYSCALL)
	case typ&emulator.HOOK_TYPE_MEM_INVALID == typ:
		cb, ok := callback.(emulator.MemoryCallback)
		if !ok {
			return nil, errors.WithDetails(emulator.ErrHookType, "type", typ.String())
		}
		h, err = e.mu.HookAdd(toHookType(typ), func(_ uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			return cb(accessType(access), addr, uint64(size), uint64(value), data)
		}, begin, end)
	default:
		return nil, errors.WithDetails(emulator.ErrHookType, "type", typ.String())
	}
	if err != nil {
		return nil, err
	}
	return &hook{e.mu, h}, nil
}

func (h *hook) Close() error {
	return h.mu.HookDel(h.h)
}

var regMap = [x86.X86_REG_ENDING]int{
	x86.X86_REG_RAX:     uc.X86_REG_RAX,
	x86.X86_REG_RCX:     uc.X86_REG_RCX,
	x86.X86_REG_RDX:     uc.X86_REG_RDX,
	x86.X86_REG_RBX:     uc.X86_REG_RBX,
	x86.X86_REG_RSP:     uc.X86_REG_RSP,
	x86.X86_REG_RBP:     uc.X86_REG_RBP,
	x86.X86_REG_RSI:     uc.X86_REG_RSI,
	x86.X86_REG_RDI:     uc.X86_REG_RDI,
	x86.X86_REG_R8:      uc.X86_REG_R8,
	x86.X86_REG_R9:      uc.X86_REG_R9,
	x86.X86_REG_R10:     uc.X86_REG_R10,
	x86.X86_REG_R11:     uc.X86_REG_R11,
	x86.X86_REG_R12:     uc.X86_REG_R12,
	x86.X86_REG_R13:     uc.X86_REG_R13,
	x86.X86_REG_R14:     uc.X86_REG_R14,
	x86.X86_REG_R15:     uc.X86_REG_R15,
	x86.X86_REG_RIP:     uc.X86_REG_RIP,
	x86.X86_REG_EFLAGS:  uc.X86_REG_EFLAGS,
	x86.X86_REG_FS_BASE: uc.X86_REG_FS_BASE,
	x86.X86_REG_GS_BASE: uc.X86_REG_GS_BASE,
	x86.X86_REG_AL:      uc.X86_REG_AL,
}

func toReg(reg emulator.Reg) (int, error) {
	if reg <= x86.X86_REG_INVALID || reg >= x86.X86_REG_ENDING {
		return 0, errors.WithDetails(emulator.ErrRegUnsupported, "reg", int(reg))
	}
	return regMap[reg], nil
}

func toRegs(regs []emulator.Reg) ([]int, error) {
	list := make([]int, len(regs))
	for i, reg := range regs {
		r, err := toReg(reg)
		if err != nil {
			return nil, err
		}
		list[i] = r
	}
	return list, nil
}

func toProt(prot emulator.MemProt) int {
	var p int
	if prot&emulator.MEM_PROT_READ != 0 {
		p |= uc.PROT_READ
	}
	if prot&emulator.MEM_PROT_WRITE != 0 {
		p |= uc.PROT_WRITE
	}
	if prot&emulator.MEM_PROT_EXEC != 0 {
		p |= uc.PROT_EXEC
	}
	return p
}

func fromProt(p int) emulator.MemProt {
	var prot emulator.MemProt
	if p&uc.PROT_READ != 0 {
		prot |= emulator.MEM_PROT_READ
	}
	if p&uc.PROT_WRITE != 0 {
		prot |= emulator.MEM_PROT_WRITE
	}
	if p&uc.PROT_EXEC != 0 {
		prot |= emulator.MEM_PROT_EXEC
	}
	return prot
}

func toHookType(typ emulator.HookType) int {
	var t int
	for bit, h := range map[emulator.HookType]int{
		emulator.HOOK_TYPE_MEM_READ_UNMAPPED:  uc.HOOK_MEM_READ_UNMAPPED,
		emulator.HOOK_TYPE_MEM_WRITE_UNMAPPED: uc.HOOK_MEM_WRITE_UNMAPPED,
		emulator.HOOK_TYPE_MEM_FETCH_UNMAPPED: uc.HOOK_MEM_FETCH_UNMAPPED,
		emulator.HOOK_TYPE_MEM_READ_PROT:      uc.HOOK_MEM_READ_PROT,
		emulator.HOOK_TYPE_MEM_WRITE_PROT:     uc.HOOK_MEM_WRITE_PROT,
		emulator.HOOK_TYPE_MEM_FETCH_PROT:     uc.HOOK_MEM_FETCH_PROT,
	} {
		if typ&bit != 0 {
			t |= h
		}
	}
	return t
}

func accessType(access int) emulator.HookType {
	switch access {
	case uc.MEM_READ_UNMAPPED:
		return emulator.HOOK_TYPE_MEM_READ_UNMAPPED
	case uc.MEM_WRITE_UNMAPPED:
		return emulator.HOOK_TYPE_MEM_WRITE_UNMAPPED
	case uc.MEM_FETCH_UNMAPPED:
		return emulator.HOOK_TYPE_MEM_FETCH_UNMAPPED
	case uc.MEM_READ_PROT:
		return emulator.HOOK_TYPE_MEM_READ_PROT
	case uc.MEM_WRITE_PROT:
		return emulator.HOOK_TYPE_MEM_WRITE_PROT
	case uc.MEM_FETCH_PROT:
		return emulator.HOOK_TYPE_MEM_FETCH_PROT
	}
	return 0
}
