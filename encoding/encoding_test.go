package encoding

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// memStream is a flat little-endian address space starting at base.
type memStream struct {
	mem  *[]byte
	off  int
	heap *int
}

const base = 0x1000

func newMemStream(size int) *memStream {
	mem := make([]byte, size)
	heap := size
	return &memStream{mem: &mem, heap: &heap}
}

func (s *memStream) BlockSize() int { return 8 }

func (s *memStream) Offset() uint64 { return uint64(base + s.off) }

func (s *memStream) Skip(n int) error {
	s.off += n
	return nil
}

func (s *memStream) Read(b []byte) (int, error) {
	n := copy(b, (*s.mem)[s.off:])
	s.off += n
	return n, nil
}

func (s *memStream) ReadString() (string, error) {
	rest := (*s.mem)[s.off:]
	i := bytes.IndexByte(rest, 0)
	s.off += i + 1
	return string(rest[:i]), nil
}

func (s *memStream) ReadStream() (Stream, error) {
	addr := binary.LittleEndian.Uint64((*s.mem)[s.off:])
	s.off += 8
	return &memStream{mem: s.mem, off: int(addr) - base, heap: s.heap}, nil
}

func (s *memStream) Write(b []byte) (int, error) {
	n := copy((*s.mem)[s.off:], b)
	s.off += n
	return n, nil
}

func (s *memStream) WriteString(str string) error {
	s.Write(append([]byte(str), 0))
	return nil
}

func (s *memStream) WriteStream(size int) (Stream, error) {
	*s.heap -= size
	sub := &memStream{mem: s.mem, off: *s.heap, heap: s.heap}
	s.Write(binary.LittleEndian.AppendUint64(nil, sub.Offset()))
	return sub, nil
}

type record struct {
	Address uint64
	Data    uint64
	Clnum   uint32
	Flags   uint32
}

type padded struct {
	A uint8
	B uint64
	C uint16
	D int `encoding:"ignore"`
}

type frame struct {
	Argc uint64
	Argv [2]string
	End  uint64
}

func TestEncodeFlatStruct(t *testing.T) {
	var buf bytes.Buffer
	recs := [2]record{{0x401000, 0, 1, 0x90000000}, {8, 0x42, 1, 0xc0000000}}
	if err := Encode(WriterStream(&buf, 8), &recs); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := buf.Len(); got != 48 {
		t.Fatalf("encoded %d bytes, want 48", got)
	}
	if got := EncodeSize(8, recs); got != 48 {
		t.Errorf("EncodeSize = %d, want 48", got)
	}
	var back [2]record
	if err := Decode(ReaderStream(&buf, 8), &back); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(recs, back); diff != "" {
		t.Errorf("decoded records mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodePadding(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(WriterStream(&buf, 8), padded{A: 1, B: 2, C: 3, D: 4}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := make([]byte, 24)
	want[0] = 1
	want[8] = 2
	want[16] = 3
	if diff := cmp.Diff(want, buf.Bytes()); diff != "" {
		t.Errorf("encoded bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeStringsOutOfLine(t *testing.T) {
	s := newMemStream(0x100)
	in := frame{Argc: 2, Argv: [2]string{"/lib/ld.so", "hello"}}
	if err := Encode(s, &in); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	mem := *s.mem
	if got := binary.LittleEndian.Uint64(mem[0:]); got != 2 {
		t.Errorf("argc = %d, want 2", got)
	}
	argv0 := binary.LittleEndian.Uint64(mem[8:])
	if got := string(mem[argv0-base : argv0-base+10]); got != "/lib/ld.so" {
		t.Errorf("argv[0] = %q", got)
	}

	var out frame
	if err := Decode(&memStream{mem: s.mem, heap: s.heap}, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("decoded frame mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsValue(t *testing.T) {
	var buf bytes.Buffer
	if err := Decode(ReaderStream(&buf, 8), record{}); err == nil {
		t.Error("Decode into a non-pointer succeeded")
	}
}
