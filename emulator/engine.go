package emulator

import "sync"

type Constructor = func() (Emulator, error)

var engines sync.Map

// RegisterEngine makes an engine available to New. It is meant to be
// called from a package-level var of the engine package.
func RegisterEngine(arch Arch, ctor Constructor) bool {
	_, loaded := engines.LoadOrStore(arch, ctor)
	return !loaded
}

func New(arch Arch) (Emulator, error) {
	if v, ok := engines.Load(arch); ok {
		return v.(Constructor)()
	}
	return nil, ErrArchUnsupported
}
