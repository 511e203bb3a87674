package backing

import (
	"github.com/google/btree"
	"gitlab.com/tozd/go/errors"

	"github.com/wnxd/twilight/tracer"
)

// Region is one registered backing store and the address range it covers.
type Region struct {
	Addr, Size uint64
	Store      *Store
}

func (r *Region) End() uint64 {
	return r.Addr + r.Size
}

func (r *Region) Contains(addr, size uint64) bool {
	return addr >= r.Addr && addr+size <= r.End()
}

func (r *Region) overlaps(addr, size uint64) bool {
	return addr < r.End() && r.Addr < addr+size
}

// Registry indexes regions by base address. Regions are pairwise disjoint
// and never move or shrink once inserted.
type Registry struct {
	tree *btree.BTreeG[*Region]
}

func NewRegistry() *Registry {
	return &Registry{tree: btree.NewG(8, func(a, b *Region) bool {
		return a.Addr < b.Addr
	})}
}

// Find returns the region containing addr.
func (r *Registry) Find(addr uint64) (*Region, bool) {
	var found *Region
	r.tree.DescendLessOrEqual(&Region{Addr: addr}, func(item *Region) bool {
		if addr < item.End() {
			found = item
		}
		return false
	})
	return found, found != nil
}

// Containing returns the region that covers all of [addr, addr+size).
func (r *Registry) Containing(addr, size uint64) (*Region, bool) {
	region, ok := r.Find(addr)
	if !ok || !region.Contains(addr, size) {
		return nil, false
	}
	return region, true
}

// Overlapping lists the regions intersecting [addr, addr+size) in address
// order.
func (r *Registry) Overlapping(addr, size uint64) []*Region {
	var list []*Region
	if region, ok := r.Find(addr); ok {
		list = append(list, region)
	}
	r.tree.AscendGreaterOrEqual(&Region{Addr: addr + 1}, func(item *Region) bool {
		if !item.overlaps(addr, size) {
			return false
		}
		list = append(list, item)
		return true
	})
	return list
}

// Insert registers region, failing if it overlaps an existing one.
func (r *Registry) Insert(region *Region) error {
	if list := r.Overlapping(region.Addr, region.Size); len(list) > 0 {
		return &tracer.BackingStoreConflict{
			Addr:     region.Addr,
			Size:     region.Size,
			Existing: [2]uint64{list[0].Addr, list[0].End()},
		}
	}
	r.tree.ReplaceOrInsert(region)
	return nil
}

func (r *Registry) Ascend(fn func(*Region) bool) {
	r.tree.Ascend(btree.ItemIteratorG[*Region](fn))
}

func (r *Registry) Len() int {
	return r.tree.Len()
}

// Close unmaps every store locally.
func (r *Registry) Close() error {
	var errs []error
	r.Ascend(func(region *Region) bool {
		if region.Store != nil {
			if err := region.Store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return true
	})
	r.tree.Clear(false)
	return errors.Join(errs...)
}
