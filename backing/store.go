package backing

import (
	"fmt"
	"unsafe"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/wnxd/twilight/filesystem"
)

// Store is a page-aligned file mapped MAP_SHARED into this process. The
// same file is mapped into the donor, so both sides see one copy of the
// bytes.
type Store struct {
	Path string
	Size uint64
	file filesystem.SysFile
	data []byte
}

// Name is the deterministic file name of the store for a range.
func Name(addr, size uint64) string {
	return fmt.Sprintf("twilight-%x-%x", addr, size)
}

// Create creates or truncates the store file for [addr, addr+size) in dir
// and maps it locally.
func Create(dir filesystem.DirFS, addr, size uint64) (*Store, error) {
	name := Name(addr, size)
	f, err := dir.OpenFile(name, filesystem.O_CREATE|filesystem.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.WithDetails(err, "store", name)
	}
	file, ok := f.(filesystem.SysFile)
	if !ok {
		f.Close()
		return nil, errors.Errorf("store %s is not a host file", name)
	}
	// a store left by an earlier run must not leak its content
	if err = file.Truncate(0); err == nil {
		err = file.Truncate(int64(size))
	}
	if err != nil {
		file.Close()
		return nil, errors.WithDetails(err, "store", name)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, errors.WithDetails(err, "store", name, "size", size)
	}
	return &Store{Path: dir.Path(name), Size: size, file: file, data: data}, nil
}

func (s *Store) Pointer() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(s.data))
}

func (s *Store) Bytes() []byte {
	return s.data
}

// Close drops the local mapping. The file stays for inspection.
func (s *Store) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return errors.Join(err, s.file.Close())
}
