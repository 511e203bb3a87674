package x86

import (
	"strings"

	"github.com/wnxd/twilight/emulator"
)

const (
	X86_REG_INVALID emulator.Reg = iota
	X86_REG_RAX
	X86_REG_RCX
	X86_REG_RDX
	X86_REG_RBX
	X86_REG_RSP
	X86_REG_RBP
	X86_REG_RSI
	X86_REG_RDI
	X86_REG_R8
	X86_REG_R9
	X86_REG_R10
	X86_REG_R11
	X86_REG_R12
	X86_REG_R13
	X86_REG_R14
	X86_REG_R15
	X86_REG_RIP
	X86_REG_EFLAGS
	X86_REG_FS_BASE
	X86_REG_GS_BASE
	X86_REG_AL
	X86_REG_ENDING
)

// Model-specific registers written by wrmsr.
const (
	MSR_FS_BASE uint32 = 0xC0000100
	MSR_GS_BASE uint32 = 0xC0000101
)

var (
	// SyscallArgs is the register order of the syscall ABI argument slots.
	SyscallArgs = [6]emulator.Reg{X86_REG_RDI, X86_REG_RSI, X86_REG_RDX, X86_REG_R10, X86_REG_R8, X86_REG_R9}
	// SyscallNumber carries the call number in and the result out.
	SyscallNumber = X86_REG_RAX
)

var regNames = [...]string{
	X86_REG_RAX:     "rax",
	X86_REG_RCX:     "rcx",
	X86_REG_RDX:     "rdx",
	X86_REG_RBX:     "rbx",
	X86_REG_RSP:     "rsp",
	X86_REG_RBP:     "rbp",
	X86_REG_RSI:     "rsi",
	X86_REG_RDI:     "rdi",
	X86_REG_R8:      "r8",
	X86_REG_R9:      "r9",
	X86_REG_R10:     "r10",
	X86_REG_R11:     "r11",
	X86_REG_R12:     "r12",
	X86_REG_R13:     "r13",
	X86_REG_R14:     "r14",
	X86_REG_R15:     "r15",
	X86_REG_RIP:     "rip",
	X86_REG_EFLAGS:  "eflags",
	X86_REG_FS_BASE: "fs_base",
	X86_REG_GS_BASE: "gs_base",
	X86_REG_AL:      "al",
}

func RegName(reg emulator.Reg) string {
	if reg > X86_REG_INVALID && reg < X86_REG_ENDING {
		return regNames[reg]
	}
	return "invalid"
}

func RegByName(name string) (emulator.Reg, bool) {
	name = strings.ToLower(name)
	for i, n := range regNames {
		if n != "" && n == name {
			return emulator.Reg(i), true
		}
	}
	return X86_REG_INVALID, false
}
