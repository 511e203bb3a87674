package tracer

type Syscall struct {
	PC    uint64
	Sysno uint64
	Args  [6]uint64
	Ret   uint64
	// Local is set when the call was answered without the donor.
	Local bool
}

type SyscallManager interface {
	SyscallName(sysno uint64) (string, bool)
	// Forward executes call in the donor and stores the result in call.Ret.
	Forward(call *Syscall) error
}
