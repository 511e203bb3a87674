package tracer

import (
	"strconv"

	"golang.org/x/exp/constraints"
)

func Align[I constraints.Integer](a, b I) I {
	return (a + b - 1) &^ (b - 1)
}

func AlignDown[I constraints.Integer](a, b I) I {
	return a &^ (b - 1)
}

// Hex formats an address for log fields.
func Hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
