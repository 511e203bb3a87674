package tracer

import (
	"path/filepath"

	"github.com/wnxd/twilight/loader"
)

// Image is a module placed in the emulated address space.
type Image struct {
	Index  int
	Path   string
	Lo, Hi uint64
	Entry  uint64
}

func (i Image) Name() string {
	return filepath.Base(i.Path)
}

func (i Image) Contains(addr uint64) bool {
	return addr >= i.Lo && addr < i.Hi
}

type ModuleManager interface {
	// Load maps every region of mod at offset and copies its content.
	Load(mod loader.Module, offset uint64) (Image, error)
	Images() []Image
	FindImageByAddr(addr uint64) (Image, error)
}
