package tracer

import (
	"io"
	"strconv"

	"gitlab.com/tozd/go/errors"

	"github.com/wnxd/twilight/filesystem"
	"github.com/wnxd/twilight/tracer"
)

// fillChunk bounds the buffer used to fill a synchronized mapping.
const fillChunk = 0x10000

// fileManager sees the donor's descriptors through its /proc entry.
type fileManager struct {
	proc filesystem.ReadlinkFS
}

func (fm *fileManager) ctor(donor tracer.Donor) {
	fm.proc = filesystem.ProcFS(donor.Pid())
}

func (fm *fileManager) dtor() {
}

// openMapped opens the donor's descriptor fd for reading when it refers to
// a regular file. A nil file means the mapping has no file content.
func (fm *fileManager) openMapped(fd int) (filesystem.ReadFile, string, error) {
	path, regular, err := filesystem.FdTarget(fm.proc, fd)
	if err != nil {
		return nil, "", errors.WithDetails(err, "fd", fd)
	} else if !regular {
		return nil, path, nil
	}
	// the descriptor link keeps working for unlinked files and memfds
	f, err := fm.proc.OpenFile("fd/"+strconv.Itoa(fd), filesystem.O_RDONLY, 0)
	if err != nil {
		return nil, "", errors.WithDetails(err, "fd", fd, "path", path)
	}
	r, ok := f.(filesystem.ReadFile)
	if !ok {
		f.Close()
		return nil, "", errors.WithDetails(filesystem.ErrNotReadable, "fd", fd, "path", path)
	}
	return r, path, nil
}

// fillMapping writes length bytes at addr: the content of file from off,
// zeros past its end, or zeros only when file is nil. The work is done in
// bounded chunks since length comes from the program.
func (dbg *Dbg) fillMapping(addr, length uint64, file filesystem.ReadFile, off uint64) error {
	buf := make([]byte, min(length, fillChunk))
	for done := uint64(0); done < length; {
		b := buf[:min(uint64(len(buf)), length-done)]
		clear(b)
		if file != nil {
			if _, err := file.ReadAt(b, int64(off+done)); err != nil && err != io.EOF {
				return errors.WithDetails(err, "offset", off+done)
			}
		}
		if err := dbg.emu.MemWrite(addr+done, b); err != nil {
			return err
		}
		done += uint64(len(b))
	}
	return nil
}
