package tracelog

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"gitlab.com/tozd/go/errors"

	"github.com/wnxd/twilight/encoding"
	"github.com/wnxd/twilight/filesystem"
)

var (
	ErrLocked   = errors.Base("trace log is locked by another run")
	ErrRegCount = errors.Base("register count mismatch")
)

// Writer appends instruction records to <dir>/<id> and image lines to
// <dir>/<id>_base. The clock starts at zero and each Instruction
// advances it by one.
type Writer struct {
	lock   *flock.Flock
	base   filesystem.WriteFile
	file   filesystem.WriteFile
	events *bufio.Writer
	stream encoding.Stream
	clnum  uint32
	batch  [NumRegs + 1]Record
	log    *logrus.Entry
}

type Options struct {
	Dir string
	ID  int
	// Seed names the stream in Dir whose first SeedSize bytes start the
	// new stream.
	Seed   string
	Logger *logrus.Entry
}

func Create(opts Options) (*Writer, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("component", "trace")
	}
	dir, err := filesystem.SysDirFS(opts.Dir).Mkdir("", 0o755)
	if err != nil {
		return nil, errors.WithDetails(err, "dir", opts.Dir)
	}
	name := strconv.Itoa(opts.ID)
	lock := flock.New(dir.Path(name + ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.WithStack(err)
	} else if !locked {
		return nil, errors.WithDetails(ErrLocked, "id", opts.ID)
	}
	w := &Writer{lock: lock, log: log}
	if w.base, err = openTrunc(dir, name+"_base"); err != nil {
		w.Close()
		return nil, err
	}
	if w.file, err = openTrunc(dir, name); err != nil {
		w.Close()
		return nil, err
	}
	w.events = bufio.NewWriterSize(w.file, 64*RecordSize*(NumRegs+1))
	w.stream = encoding.WriterStream(w.events, 8)
	seed, err := readSeed(dir, opts.Seed)
	if err != nil {
		log.WithError(err).WithField("seed", dir.Path(opts.Seed)).Warn("seed stream unavailable, starting from zeros")
	}
	if _, err = w.events.Write(seed[:]); err != nil {
		w.Close()
		return nil, errors.WithStack(err)
	}
	return w, nil
}

func openTrunc(dir filesystem.DirFS, name string) (filesystem.WriteFile, error) {
	f, err := dir.OpenFile(name, filesystem.O_CREATE|filesystem.O_WRONLY|filesystem.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.WithDetails(err, "file", dir.Path(name))
	}
	return f.(filesystem.WriteFile), nil
}

func readSeed(dir filesystem.DirFS, name string) (seed [SeedSize]byte, err error) {
	if name == "" {
		return seed, errors.New("no seed stream configured")
	}
	f, err := filesystem.Open(dir, name)
	if err != nil {
		return seed, err
	}
	defer f.Close()
	_, err = io.ReadFull(f, seed[:])
	if err != nil {
		clear(seed[:])
	}
	return seed, err
}

// AddImage records that [lo, hi) holds the image at path.
func (w *Writer) AddImage(lo, hi uint64, index int, path string) error {
	_, err := fmt.Fprintf(w.base, "%016X-%016X %X %s\n", lo, hi, index, path)
	return errors.WithStack(err)
}

// Instruction appends one instruction boundary followed by every traced
// register. regs is in RegNames order, so its last element is the pc.
func (w *Writer) Instruction(regs []uint64) error {
	if len(regs) != NumRegs {
		return errors.WithDetails(ErrRegCount, "got", len(regs), "want", NumRegs)
	}
	w.clnum++
	w.batch[0] = Record{Address: regs[NumRegs-1], Clnum: w.clnum, Flags: IS_VALID | IS_START}
	for i, v := range regs {
		w.batch[i+1] = Record{Address: uint64(i * 8), Data: v, Clnum: w.clnum, Flags: IS_VALID | IS_WRITE}
	}
	return encoding.Encode(w.stream, &w.batch)
}

func (w *Writer) Clock() uint32 {
	return w.clnum
}

func (w *Writer) Flush() error {
	if w.events == nil {
		return nil
	}
	return errors.WithStack(w.events.Flush())
}

func (w *Writer) Close() error {
	var errs []error
	errs = append(errs, w.Flush())
	for _, f := range []filesystem.WriteFile{w.file, w.base} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	errs = append(errs, w.lock.Unlock())
	w.events, w.file, w.base = nil, nil, nil
	return errors.Join(errs...)
}
