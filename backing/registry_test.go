package backing

import (
	"errors"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wnxd/twilight/filesystem"
	"github.com/wnxd/twilight/tracer"
)

func ranges(r *Registry) [][2]uint64 {
	var list [][2]uint64
	r.Ascend(func(region *Region) bool {
		list = append(list, [2]uint64{region.Addr, region.End()})
		return true
	})
	return list
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	for _, region := range []*Region{
		{Addr: 0x5000, Size: 0x1000},
		{Addr: 0x1000, Size: 0x2000},
		{Addr: 0x8000, Size: 0x4000},
	} {
		if err := r.Insert(region); err != nil {
			t.Fatalf("Insert(%#x): %v", region.Addr, err)
		}
	}
	want := [][2]uint64{{0x1000, 0x3000}, {0x5000, 0x6000}, {0x8000, 0xc000}}
	if diff := cmp.Diff(want, ranges(r)); diff != "" {
		t.Errorf("registry order (-want +got):\n%s", diff)
	}

	for _, tc := range []struct {
		addr, size uint64
		base       uint64
		ok         bool
	}{
		{0x1000, 0x1000, 0x1000, true},
		{0x2000, 0x1000, 0x1000, true},
		{0x9000, 0x3000, 0x8000, true},
		{0x2000, 0x2000, 0, false},
		{0x3000, 0x1000, 0, false},
		{0x0, 0x1000, 0, false},
	} {
		region, ok := r.Containing(tc.addr, tc.size)
		if ok != tc.ok || (ok && region.Addr != tc.base) {
			t.Errorf("Containing(%#x, %#x) = %v, %v; want base %#x, %v", tc.addr, tc.size, region, ok, tc.base, tc.ok)
		}
	}

	if got := len(r.Overlapping(0x2000, 0x7000)); got != 3 {
		t.Errorf("Overlapping spans %d regions, want 3", got)
	}
	if got := len(r.Overlapping(0x3000, 0x2000)); got != 0 {
		t.Errorf("Overlapping in a gap = %d, want 0", got)
	}
}

func TestRegistryRejectsPartialOverlap(t *testing.T) {
	r := NewRegistry()
	r.Insert(&Region{Addr: 0x1000, Size: 0x2000})
	err := r.Insert(&Region{Addr: 0x2000, Size: 0x2000})
	var conflict *tracer.BackingStoreConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("Insert = %v, want BackingStoreConflict", err)
	}
	if conflict.Existing != [2]uint64{0x1000, 0x3000} {
		t.Errorf("conflict names %#x", conflict.Existing)
	}
	if r.Len() != 1 {
		t.Errorf("registry grew to %d after a rejected insert", r.Len())
	}
}

func TestCreateStore(t *testing.T) {
	dir := t.TempDir()
	fs := filesystem.SysDirFS(dir)
	// stale content from an earlier run is discarded
	os.WriteFile(fs.Path(Name(0x1000, 0x2000)), []byte("stale"), 0o600)

	s, err := Create(fs, 0x1000, 0x2000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()
	if got := s.Path; got != fs.Path("twilight-1000-2000") {
		t.Errorf("Path = %q", got)
	}
	if s.Bytes()[0] != 0 {
		t.Error("store kept stale content")
	}
	copy(s.Bytes()[0x1ff0:], "shared")
	data, err := os.ReadFile(s.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0x2000 || string(data[0x1ff0:0x1ff6]) != "shared" {
		t.Errorf("file does not reflect the mapping: len %#x", len(data))
	}
}
