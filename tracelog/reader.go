package tracelog

import (
	"io"

	"gitlab.com/tozd/go/errors"

	"github.com/wnxd/twilight/encoding"
)

// Reader decodes an event stream written by Writer.
type Reader struct {
	stream encoding.Stream
	seed   Record
	n      uint64
}

// NewReader consumes the seed prefix of r and returns a Reader positioned
// at the first record after it.
func NewReader(r io.Reader) (*Reader, error) {
	rd := &Reader{stream: encoding.ReaderStream(r, 8)}
	if err := encoding.Decode(rd.stream, &rd.seed); err != nil {
		return nil, errors.WithMessage(err, "read seed")
	}
	return rd, nil
}

func (r *Reader) Seed() Record {
	return r.seed
}

// Next returns the next record, or io.EOF after the last complete one.
func (r *Reader) Next() (Record, error) {
	var rec Record
	err := encoding.Decode(r.stream, &rec)
	switch {
	case err == nil:
		r.n++
		return rec, nil
	case errors.Is(err, io.EOF):
		return rec, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return rec, errors.WithDetails(io.ErrUnexpectedEOF, "record", r.n)
	}
	return rec, err
}

// Verify checks that instruction boundaries carry consecutive clock values
// starting at first, and that every register record shares the clock of
// the boundary before it. It returns the number of instructions seen.
func Verify(r *Reader, first uint32) (uint32, error) {
	var (
		count uint32
		clock = first - 1
	)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return count, nil
		} else if err != nil {
			return count, err
		}
		if rec.IsStart() {
			if rec.Clnum != clock+1 {
				return count, errors.Errorf("record %d: clock %d follows %d", r.n-1, rec.Clnum, clock)
			}
			clock = rec.Clnum
			count++
		} else if rec.Clnum != clock {
			return count, errors.Errorf("record %d: clock %d inside instruction %d", r.n-1, rec.Clnum, clock)
		}
	}
}
