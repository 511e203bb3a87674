package encoding

import (
	"reflect"
	"unsafe"

	"github.com/modern-go/reflect2"
	"gitlab.com/tozd/go/errors"
)

var stringType = reflect2.TypeOf("")

func DecodeSize(blockSize int, val any) int {
	typ := reflect.TypeOf(val)
	if typ == nil {
		return blockSize
	}
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	return lookup(&decodeProcess, decode, typ, blockSize).size
}

// Decode reads into the value val points to. A nil val skips one block.
func Decode(stream Stream, val any) (err error) {
	bs := stream.BlockSize()
	if val == nil {
		return stream.Skip(bs)
	}
	typ := reflect2.TypeOf(val)
	if typ.Kind() != reflect.Pointer {
		return errors.WithDetails(ErrUnsupportedType, "type", typ.String(), "reason", "not a pointer")
	}
	elem := typ.Type1().Elem()
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithDetails(ErrUnsupportedType, "type", elem.String())
		}
	}()
	return lookup(&decodeProcess, decode, elem, bs).handler(stream, reflect2.PtrOf(val))
}

func decode(typ reflect.Type, bs int) (handler, layout) {
	if isRaw(typ, bs) {
		size := int(typ.Size())
		return func(stream Stream, ptr unsafe.Pointer) error {
			_, err := stream.Read(bytesOf(ptr, size))
			return err
		}, layout{size, typ.Align()}
	}
	switch typ.Kind() {
	case reflect.Int, reflect.Uint, reflect.Uintptr:
		size := min(int(typ.Size()), bs)
		pad := bs - size
		return func(stream Stream, ptr unsafe.Pointer) error {
			if _, err := stream.Read(bytesOf(ptr, size)); err != nil {
				return err
			} else if pad > 0 {
				return stream.Skip(pad)
			}
			return nil
		}, layout{bs, bs}
	case reflect.String:
		return func(stream Stream, ptr unsafe.Pointer) error {
			sub, err := stream.ReadStream()
			if err != nil {
				return err
			} else if sub.Offset() == 0 {
				return nil
			}
			str, err := sub.ReadString()
			if err != nil {
				return err
			}
			stringType.UnsafeSet(ptr, unsafe.Pointer(&str))
			return nil
		}, layout{bs, bs}
	case reflect.Array:
		elem, l := decode(typ.Elem(), bs)
		count, stride := typ.Len(), typ.Elem().Size()
		return func(stream Stream, ptr unsafe.Pointer) error {
			for i := range count {
				if err := elem(stream, unsafe.Add(ptr, uintptr(i)*stride)); err != nil {
					return err
				}
			}
			return nil
		}, layout{l.size * count, l.align}
	case reflect.Struct:
		fields, tail, l := structLayout(decode, typ, bs)
		return func(stream Stream, ptr unsafe.Pointer) error {
			for _, f := range fields {
				if f.pad > 0 {
					if err := stream.Skip(f.pad); err != nil {
						return err
					}
				}
				if err := f.handler(stream, unsafe.Add(ptr, f.goOff)); err != nil {
					return err
				}
			}
			if tail > 0 {
				return stream.Skip(tail)
			}
			return nil
		}, l
	}
	panic("unsupported type")
}
