package filesystem

import (
	"io/fs"
	"os"
	"path/filepath"
)

type sysDirFS string

func SysDirFS(dir string) DirFS {
	return sysDirFS(dir)
}

func (d sysDirFS) Open(name string) (fs.File, error) {
	return os.Open(d.join(name))
}

func (d sysDirFS) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(d.join(name))
}

func (d sysDirFS) OpenFile(name string, flag FileFlag, perm fs.FileMode) (File, error) {
	f, err := os.OpenFile(d.join(name), int(flag), perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d sysDirFS) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(d.join(name))
}

func (d sysDirFS) Mkdir(name string, perm fs.FileMode) (DirFS, error) {
	pathname := d.join(name)
	if err := os.MkdirAll(pathname, perm); err != nil {
		return nil, err
	}
	return SysDirFS(pathname), nil
}

func (d sysDirFS) Readlink(name string) (string, error) {
	return os.Readlink(d.join(name))
}

func (d sysDirFS) Path(name string) string {
	return d.join(name)
}

func (d sysDirFS) join(name string) string {
	return filepath.Join(string(d), name)
}
