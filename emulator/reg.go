package emulator

// Reg identifies an architectural register. Values are defined per
// architecture (see emulator/x86) and translated by each engine.
type Reg int

const REG_INVALID Reg = 0
