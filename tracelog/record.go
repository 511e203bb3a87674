package tracelog

import (
	"fmt"
	"strings"
)

// Flag bits of Record.Flags.
const (
	IS_VALID   uint32 = 0x80000000
	IS_WRITE   uint32 = 0x40000000
	IS_MEM     uint32 = 0x20000000
	IS_START   uint32 = 0x10000000
	IS_SYSCALL uint32 = 0x08000000
)

const (
	RecordSize = 24
	// SeedSize is the prefix copied from the previous run's stream.
	SeedSize = 0x18
)

// RegNames are the traced registers. A register write record stores
// index*8 in Address.
var RegNames = [...]string{"RAX", "RCX", "RDX", "RBX", "RSP", "RBP", "RSI", "RDI", "R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15", "RIP"}

const NumRegs = len(RegNames)

type Record struct {
	Address uint64
	Data    uint64
	Clnum   uint32
	Flags   uint32
}

func (r Record) IsStart() bool {
	return r.Flags&IS_START != 0
}

func (r Record) String() string {
	var flags []string
	for _, f := range []struct {
		bit  uint32
		name string
	}{{IS_VALID, "V"}, {IS_WRITE, "W"}, {IS_MEM, "M"}, {IS_START, "S"}, {IS_SYSCALL, "C"}} {
		if r.Flags&f.bit != 0 {
			flags = append(flags, f.name)
		}
	}
	switch {
	case r.IsStart():
		return fmt.Sprintf("%8d %-5s pc  %016X", r.Clnum, strings.Join(flags, ""), r.Address)
	case r.Flags&(IS_WRITE|IS_MEM) == IS_WRITE && r.Address%8 == 0 && r.Address/8 < uint64(NumRegs):
		return fmt.Sprintf("%8d %-5s %-3s %016X", r.Clnum, strings.Join(flags, ""), RegNames[r.Address/8], r.Data)
	}
	return fmt.Sprintf("%8d %-5s %016X %016X", r.Clnum, strings.Join(flags, ""), r.Address, r.Data)
}
