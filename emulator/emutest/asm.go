package emutest

import (
	"encoding/binary"
	"slices"

	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/emulator/x86"
)

var (
	Nop     = []byte{0x90}
	Hlt     = []byte{0xf4}
	Syscall = x86.INSN_SYSCALL
	Wrmsr   = x86.INSN_WRMSR
	// Ud2 decodes as a two byte instruction, so code hooks see it, and
	// faults when executed.
	Ud2 = []byte{0x0f, 0x0b}
)

// MovImm encodes movabs reg, v for a general purpose register.
func MovImm(reg emulator.Reg, v uint64) []byte {
	idx := byte(reg - x86.X86_REG_RAX)
	return binary.LittleEndian.AppendUint64([]byte{0x48 | idx>>3, 0xb8 | idx&7}, v)
}

// Syscall6 loads the call number and arguments, then issues syscall.
func Syscall6(sysno uint64, args ...uint64) []byte {
	code := MovImm(x86.SyscallNumber, sysno)
	for i, arg := range args {
		code = append(code, MovImm(x86.SyscallArgs[i], arg)...)
	}
	return append(code, Syscall...)
}

func Program(parts ...[]byte) []byte {
	return slices.Concat(parts...)
}
