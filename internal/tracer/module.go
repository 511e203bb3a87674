package tracer

import (
	"slices"

	"github.com/sirupsen/logrus"
	"gitlab.com/tozd/go/errors"

	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/loader"
	"github.com/wnxd/twilight/tracer"
)

type moduleManager struct {
	images []tracer.Image
}

func (mm *moduleManager) ctor() {
}

func (mm *moduleManager) dtor() {
	mm.images = nil
}

// Load maps the page span of mod shifted by offset as one synchronized
// region, so segments sharing a page never conflict, then copies each
// segment's image into place.
func (dbg *Dbg) Load(mod loader.Module, offset uint64) (tracer.Image, error) {
	if mod.Arch() != dbg.emu.Arch() {
		return tracer.Image{}, errors.WithDetails(emulator.ErrArchMismatch, "module", mod.Path())
	}
	lo, hi := loader.Bounds(mod, dbg.pageSize)
	lo, hi = lo+offset, hi+offset
	if _, err := dbg.EnsureMapped(lo, hi-lo); err != nil {
		return tracer.Image{}, err
	}
	for _, region := range mod.Regions() {
		data, err := region.Image()
		if err != nil {
			return tracer.Image{}, errors.WithDetails(err, "module", mod.Path(), "offset", region.Offset)
		}
		if err = dbg.emu.MemWrite(region.Addr+offset, data); err != nil {
			return tracer.Image{}, errors.WithDetails(err, "module", mod.Path(), "addr", region.Addr+offset)
		}
	}
	image := tracer.Image{
		Index: len(dbg.images),
		Path:  mod.Path(),
		Lo:    lo,
		Hi:    hi,
		Entry: mod.EntryAddr() + offset,
	}
	if dbg.opts.Trace != nil {
		if err := dbg.opts.Trace.AddImage(lo, hi, image.Index, image.Path); err != nil {
			return tracer.Image{}, err
		}
	}
	dbg.images = append(dbg.images, image)
	dbg.log.WithFields(logrus.Fields{"module": image.Name(), "lo": tracer.Hex(lo), "hi": tracer.Hex(hi), "entry": tracer.Hex(image.Entry)}).Info("loaded")
	return image, nil
}

func (mm *moduleManager) Images() []tracer.Image {
	return slices.Clone(mm.images)
}

func (mm *moduleManager) FindImageByAddr(addr uint64) (tracer.Image, error) {
	for _, image := range mm.images {
		if image.Contains(addr) {
			return image, nil
		}
	}
	return tracer.Image{}, errors.WithDetails(tracer.ErrModuleNotFound, "addr", addr)
}
