package tracer

import (
	"fmt"
	"strings"

	"github.com/wnxd/twilight/emulator"
)

type Context interface {
	Tracer() Tracer
	PC() emulator.Reg
	SP() emulator.Reg
	emulator.RegisterContext
	Goto(addr uint64) error
	ToPointer(addr uint64) emulator.Pointer
}

type RegValue struct {
	Name  string
	Value uint64
}

// Snapshot is the register file in trace order.
type Snapshot []RegValue

func (s Snapshot) Get(name string) (uint64, bool) {
	for _, r := range s {
		if r.Name == name {
			return r.Value, true
		}
	}
	return 0, false
}

func (s Snapshot) String() string {
	var sb strings.Builder
	for i, r := range s {
		if i > 0 {
			if i%4 == 0 {
				sb.WriteByte('\n')
			} else {
				sb.WriteByte(' ')
			}
		}
		fmt.Fprintf(&sb, "%-4s %016X", r.Name, r.Value)
	}
	return sb.String()
}
