package elf

import (
	"debug/elf"
	"encoding/binary"
	"io"
	"path/filepath"

	"gitlab.com/tozd/go/errors"

	"github.com/wnxd/twilight/emulator"
	"github.com/wnxd/twilight/loader"
)

var ErrNotLoadable = errors.Base("not a loadable x86-64 ELF")

type module struct {
	f       *elf.File
	path    string
	regions []loader.Region
	interp  string
}

func Open(path string) (loader.Module, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.WithDetails(err, "path", path)
	}
	m, err := newModule(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func newModule(f *elf.File, path string) (*module, error) {
	if f.Machine != elf.EM_X86_64 || f.Class != elf.ELFCLASS64 {
		return nil, errors.WithDetails(ErrNotLoadable, "path", path, "machine", f.Machine.String())
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, errors.WithDetails(ErrNotLoadable, "path", path, "type", f.Type.String())
	}
	m := &module{f: f, path: path}
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			m.regions = append(m.regions, loader.Region{
				Offset:   p.Off,
				Addr:     p.Vaddr,
				Size:     p.Memsz,
				Length:   p.Filesz,
				Align:    p.Align,
				Prot:     toProt(p.Flags),
				ReaderAt: p.ReaderAt,
			})
		case elf.PT_INTERP:
			b, err := io.ReadAll(p.Open())
			if err != nil {
				return nil, errors.WithDetails(err, "path", path)
			}
			if n := len(b); n > 0 && b[n-1] == 0 {
				b = b[:n-1]
			}
			m.interp = string(b)
		}
	}
	if len(m.regions) == 0 {
		return nil, errors.WithDetails(ErrNotLoadable, "path", path, "reason", "no PT_LOAD segments")
	}
	return m, nil
}

func (m *module) Close() error {
	return m.f.Close()
}

func (m *module) Name() string {
	return filepath.Base(m.path)
}

func (m *module) Path() string {
	return m.path
}

func (m *module) Arch() emulator.Arch {
	return emulator.ARCH_X86_64
}

func (m *module) ByteOrder() binary.ByteOrder {
	return m.f.ByteOrder
}

func (m *module) Regions() []loader.Region {
	return m.regions
}

func (m *module) EntryAddr() uint64 {
	return m.f.Entry
}

func (m *module) Interpreter() string {
	return m.interp
}

func toProt(flags elf.ProgFlag) emulator.MemProt {
	var prot emulator.MemProt
	if flags&elf.PF_R != 0 {
		prot |= emulator.MEM_PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= emulator.MEM_PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= emulator.MEM_PROT_EXEC
	}
	return prot
}
