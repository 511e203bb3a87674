package emulator

type Arch int

const (
	ARCH_UNKNOWN Arch = iota
	ARCH_X86_64
)

func (a Arch) String() string {
	switch a {
	case ARCH_X86_64:
		return "x86_64"
	}
	return "unknown"
}
