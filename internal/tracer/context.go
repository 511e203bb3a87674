package tracer

import (
	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/tracer"
)

type globalContext struct {
	dbg Tracer
}

func newGlobalContext(dbg Tracer) tracer.Context {
	return &globalContext{dbg: dbg}
}

func (gc *globalContext) Tracer() tracer.Tracer {
	return gc.dbg
}

func (gc *globalContext) PC() emulator.Reg {
	return gc.dbg.PC()
}

func (gc *globalContext) SP() emulator.Reg {
	return gc.dbg.SP()
}

func (gc *globalContext) RegRead(reg emulator.Reg) (uint64, error) {
	return gc.dbg.Emulator().RegRead(reg)
}

func (gc *globalContext) RegWrite(reg emulator.Reg, value uint64) error {
	return gc.dbg.Emulator().RegWrite(reg, value)
}

func (gc *globalContext) RegReadBatch(regs ...emulator.Reg) ([]uint64, error) {
	return gc.dbg.Emulator().RegReadBatch(regs...)
}

func (gc *globalContext) RegWriteBatch(regs []emulator.Reg, vals []uint64) error {
	return gc.dbg.Emulator().RegWriteBatch(regs, vals)
}

func (gc *globalContext) Goto(addr uint64) error {
	return gc.RegWrite(gc.PC(), addr)
}

func (gc *globalContext) ToPointer(addr uint64) emulator.Pointer {
	return emulator.ToPointer(gc.dbg.Emulator(), addr)
}
