package filesystem

import "io/fs"

type File interface {
	Close() error
	Stat() (fs.FileInfo, error)
}

type ReadFile interface {
	File
	Read(b []byte) (n int, err error)
	ReadAt(b []byte, off int64) (n int, err error)
}

type WriteFile interface {
	File
	Write(b []byte) (n int, err error)
}

// SysFile is a File backed by a host descriptor, suitable for mmap.
type SysFile interface {
	ReadFile
	WriteFile
	Fd() uintptr
	Name() string
	Truncate(size int64) error
}
