package x86

import (
	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/encoding"
	internal "github.com/wnxd/twilight/internal/tracer"
	"github.com/wnxd/twilight/tracer"
)

const STACK_ALIGN = 16

// startTail ends argv, holds an empty envp and a lone AT_NULL auxv entry.
type startTail [4]uint64

// InitStack lays out argc, argv, envp and auxv at the new stack pointer
// with the argument strings packed directly below top, argv[0] highest.
func (dbg *X86Dbg) InitStack(ctx tracer.Context, top uint64, argv []string) (uint64, error) {
	var strs uint64
	for _, arg := range argv {
		strs += uint64(len(arg)) + 1
	}
	size := uint64(encoding.EncodeSize(POINTER_SIZE, uint64(0))*(1+len(argv)) + encoding.EncodeSize(POINTER_SIZE, startTail{}))
	sp := tracer.AlignDown(top-strs-size, STACK_ALIGN)
	cursor := top
	alloc := func(n uint64) (emulator.Pointer, error) {
		cursor -= n
		return ctx.ToPointer(cursor), nil
	}
	stream := internal.PointerStream(ctx.ToPointer(sp), alloc, POINTER_SIZE)
	if err := encoding.Encode(stream, uint64(len(argv))); err != nil {
		return 0, err
	}
	for _, arg := range argv {
		if err := encoding.Encode(stream, arg); err != nil {
			return 0, err
		}
	}
	if err := encoding.Encode(stream, startTail{}); err != nil {
		return 0, err
	}
	return sp, nil
}
