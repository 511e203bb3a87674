package x86

// Raw encodings of the instructions the tracer emits itself.
var (
	INSN_SYSCALL = []byte{0x0f, 0x05}
	INSN_WRMSR   = []byte{0x0f, 0x30}
	INSN_INT3    = []byte{0xcc}
)
