package tracer

import (
	"github.com/sirupsen/logrus"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/wnxd/twilight/backing"
	"github.com/wnxd/twilight/donor"
	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/filesystem"
	"github.com/wnxd/twilight/tracer"
)

const donorProt = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC

type memoryManager struct {
	registry *backing.Registry
	shm      filesystem.DirFS
	pageSize uint64
	log      *logrus.Entry
}

func (mm *memoryManager) ctor(dbg *Dbg) {
	mm.registry = backing.NewRegistry()
	mm.shm = filesystem.SysDirFS(dbg.opts.ShmDir)
	mm.pageSize = dbg.emu.PageSize()
	mm.log = dbg.log.WithField("component", "sync")
}

// dtor drops the emulator's view of every store before the local mappings
// backing it go away.
func (mm *memoryManager) dtor(dbg *Dbg) error {
	if mm.registry == nil {
		return nil
	}
	mm.registry.Ascend(func(region *backing.Region) bool {
		dbg.emu.MemUnmap(region.Addr, region.Size)
		return true
	})
	err := mm.registry.Close()
	mm.registry = nil
	return err
}

func (mm *memoryManager) ensureMapped(dbg *Dbg, addr, size uint64) (bool, error) {
	lo := tracer.AlignDown(addr, mm.pageSize)
	hi := tracer.Align(addr+size, mm.pageSize)
	if hi <= lo {
		return false, errors.WithDetails(tracer.ErrArgumentInvalid, "addr", addr, "size", size)
	}
	if region, ok := mm.registry.Containing(lo, hi-lo); ok {
		err := mm.donorMap(dbg, region.Store.Path, lo, hi-lo, lo-region.Addr)
		if err == nil {
			mm.log.WithFields(logrus.Fields{"addr": tracer.Hex(lo), "size": tracer.Hex(hi - lo), "store": region.Store.Path, "offset": tracer.Hex(lo - region.Addr)}).Debug("reused backing store")
		}
		return true, err
	}
	if list := mm.registry.Overlapping(lo, hi-lo); len(list) > 0 {
		return false, &tracer.BackingStoreConflict{Addr: lo, Size: hi - lo, Existing: [2]uint64{list[0].Addr, list[0].End()}}
	}
	store, err := backing.Create(mm.shm, lo, hi-lo)
	if err != nil {
		return false, err
	}
	if err = mm.donorMap(dbg, store.Path, lo, hi-lo, 0); err != nil {
		store.Close()
		return false, err
	}
	if err = dbg.emu.MemMapPtr(lo, hi-lo, emulator.MEM_PROT_ALL, store.Pointer()); err != nil {
		store.Close()
		return false, errors.WithDetails(err, "addr", lo, "size", hi-lo)
	}
	if err = mm.registry.Insert(&backing.Region{Addr: lo, Size: hi - lo, Store: store}); err != nil {
		dbg.emu.MemUnmap(lo, hi-lo)
		store.Close()
		return false, err
	}
	mm.log.WithFields(logrus.Fields{"addr": tracer.Hex(lo), "size": tracer.Hex(hi - lo), "store": store.Path}).Info("created backing store")
	return false, nil
}

// donorMap maps size bytes of the store at path, starting at off, over addr
// in the donor.
func (mm *memoryManager) donorMap(dbg *Dbg, path string, addr, size, off uint64) error {
	d := dbg.donor
	name, err := d.WriteString(path)
	if err != nil {
		return err
	}
	fd, err := d.Syscall(unix.SYS_OPEN, name, unix.O_RDWR, 0)
	if err != nil {
		return err
	} else if errno, ok := donor.Errno(fd); ok {
		return errors.WithDetails(errno, "op", "open", "store", path)
	}
	ret, err := d.Syscall(unix.SYS_MMAP, addr, size, donorProt, unix.MAP_SHARED|unix.MAP_FIXED, fd, off)
	if err != nil {
		return err
	}
	if _, err = d.Syscall(unix.SYS_CLOSE, fd); err != nil {
		return err
	}
	if errno, ok := donor.Errno(ret); ok {
		return errors.WithDetails(errno, "op", "mmap", "store", path, "addr", addr)
	} else if ret != addr {
		return errors.Errorf("donor mapped %s at %#x instead of %#x", path, ret, addr)
	}
	return nil
}

func (dbg *Dbg) EnsureMapped(addr, size uint64) (bool, error) {
	return dbg.memoryManager.ensureMapped(dbg, addr, size)
}

func (dbg *Dbg) MappedRegions() []tracer.MappedRegion {
	var list []tracer.MappedRegion
	dbg.registry.Ascend(func(region *backing.Region) bool {
		list = append(list, tracer.MappedRegion{Addr: region.Addr, Size: region.Size, Path: region.Store.Path})
		return true
	})
	return list
}

func (dbg *Dbg) ToPointer(addr uint64) emulator.Pointer {
	return emulator.ToPointer(dbg.emu, addr)
}
