package emulator

import (
	"fmt"

	"gitlab.com/tozd/go/errors"
)

var (
	ErrArchUnsupported = errors.Base("architecture unsupported")
	ErrArchMismatch    = errors.Base("architecture mismatch")
	ErrRegUnsupported  = errors.Base("register unsupported")
	ErrHookType        = errors.Base("hook callback type mismatch")
)

// Fault is returned by Start when execution cannot continue: an invalid
// memory access, an invalid instruction, or any other engine error.
type Fault struct {
	PC   uint64
	Addr uint64
	Type HookType
	Err  error
}

func (f *Fault) Error() string {
	if f.Type != 0 {
		return fmt.Sprintf("fault at pc %016X: %s access to %016X: %v", f.PC, f.Type, f.Addr, f.Err)
	}
	return fmt.Sprintf("fault at pc %016X: %v", f.PC, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}
