package tracer

import (
	"github.com/wnxd/twilight/emulator"
)

type TracerCtor func(emulator.Emulator, Donor, Options) (Tracer, error)

var tracerMap = make(map[emulator.Arch]TracerCtor)

func Register(arch emulator.Arch, ctor TracerCtor) bool {
	if _, ok := tracerMap[arch]; ok {
		return false
	}
	tracerMap[arch] = ctor
	return true
}
