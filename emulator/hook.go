package emulator

import "io"

type HookType int

const (
	HOOK_TYPE_CODE HookType = 1 << iota
	HOOK_TYPE_INSN_SYSCALL
	HOOK_TYPE_MEM_READ_UNMAPPED
	HOOK_TYPE_MEM_WRITE_UNMAPPED
	HOOK_TYPE_MEM_FETCH_UNMAPPED
	HOOK_TYPE_MEM_READ_PROT
	HOOK_TYPE_MEM_WRITE_PROT
	HOOK_TYPE_MEM_FETCH_PROT

	HOOK_TYPE_MEM_UNMAPPED = HOOK_TYPE_MEM_READ_UNMAPPED | HOOK_TYPE_MEM_WRITE_UNMAPPED | HOOK_TYPE_MEM_FETCH_UNMAPPED
	HOOK_TYPE_MEM_PROT     = HOOK_TYPE_MEM_READ_PROT | HOOK_TYPE_MEM_WRITE_PROT | HOOK_TYPE_MEM_FETCH_PROT
	HOOK_TYPE_MEM_INVALID  = HOOK_TYPE_MEM_UNMAPPED | HOOK_TYPE_MEM_PROT
)

// Callback shapes accepted by Emulator.Hook, selected by HookType.
type (
	CodeCallback    = func(addr, size uint64, data any)
	SyscallCallback = func(data any)
	MemoryCallback  = func(typ HookType, addr, size, value uint64, data any) bool
)

type Hook interface {
	io.Closer
}

func (t HookType) String() string {
	switch t {
	case HOOK_TYPE_CODE:
		return "code"
	case HOOK_TYPE_INSN_SYSCALL:
		return "syscall"
	case HOOK_TYPE_MEM_READ_UNMAPPED:
		return "read-unmapped"
	case HOOK_TYPE_MEM_WRITE_UNMAPPED:
		return "write-unmapped"
	case HOOK_TYPE_MEM_FETCH_UNMAPPED:
		return "fetch-unmapped"
	case HOOK_TYPE_MEM_READ_PROT:
		return "read-prot"
	case HOOK_TYPE_MEM_WRITE_PROT:
		return "write-prot"
	case HOOK_TYPE_MEM_FETCH_PROT:
		return "fetch-prot"
	}
	return "mixed"
}
