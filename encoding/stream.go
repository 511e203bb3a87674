package encoding

import (
	"bufio"
	"bytes"
	"io"

	"gitlab.com/tozd/go/errors"
)

// Stream is a sequential view of a target location: emulator memory, a
// register file, or a plain byte stream. Values occupy BlockSize-sized
// slots when their Go size depends on the platform, and strings are
// stored out of line behind a slot holding their address.
type Stream interface {
	BlockSize() int
	Offset() uint64
	Skip(int) error
	Read([]byte) (int, error)
	ReadString() (string, error)
	ReadStream() (Stream, error)
	Write([]byte) (int, error)
	WriteString(string) error
	WriteStream(int) (Stream, error)
}

type ioStream struct {
	r      *bufio.Reader
	w      io.Writer
	bs     int
	offset uint64
}

// ReaderStream decodes sequentially from r. Out-of-line values are
// unsupported.
func ReaderStream(r io.Reader, bs int) Stream {
	return &ioStream{r: bufio.NewReader(r), bs: bs}
}

// WriterStream encodes sequentially into w. Out-of-line values are
// unsupported.
func WriterStream(w io.Writer, bs int) Stream {
	return &ioStream{w: w, bs: bs}
}

func (s *ioStream) BlockSize() int {
	return s.bs
}

func (s *ioStream) Offset() uint64 {
	return s.offset
}

func (s *ioStream) Skip(n int) error {
	s.offset += uint64(n)
	if s.w != nil {
		_, err := s.w.Write(make([]byte, n))
		return err
	}
	_, err := s.r.Discard(n)
	return err
}

func (s *ioStream) Read(b []byte) (int, error) {
	if s.r == nil {
		return 0, errors.ErrUnsupported
	}
	n, err := io.ReadFull(s.r, b)
	s.offset += uint64(n)
	return n, err
}

func (s *ioStream) ReadString() (string, error) {
	if s.r == nil {
		return "", errors.ErrUnsupported
	}
	str, err := s.r.ReadString(0)
	s.offset += uint64(len(str))
	if err != nil {
		return "", err
	}
	return str[:len(str)-1], nil
}

func (s *ioStream) ReadStream() (Stream, error) {
	return nil, errors.ErrUnsupported
}

func (s *ioStream) Write(b []byte) (int, error) {
	if s.w == nil {
		return 0, errors.ErrUnsupported
	}
	n, err := s.w.Write(b)
	s.offset += uint64(n)
	return n, err
}

func (s *ioStream) WriteString(str string) error {
	var buf bytes.Buffer
	buf.WriteString(str)
	buf.WriteByte(0)
	_, err := s.Write(buf.Bytes())
	return err
}

func (s *ioStream) WriteStream(int) (Stream, error) {
	return nil, errors.ErrUnsupported
}
