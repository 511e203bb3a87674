package encoding

import (
	"reflect"
	"unsafe"

	"github.com/modern-go/reflect2"
	"gitlab.com/tozd/go/errors"
)

var ErrUnsupportedType = errors.Base("unsupported type")

// EncodeSize returns the number of bytes Encode writes for val, not
// counting out-of-line data.
func EncodeSize(blockSize int, val any) int {
	typ := reflect.TypeOf(val)
	if typ == nil {
		return blockSize
	}
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	return lookup(&encodeProcess, encode, typ, blockSize).size
}

// Encode writes val, or the value it points to, into stream.
func Encode(stream Stream, val any) (err error) {
	bs := stream.BlockSize()
	typ := reflect.TypeOf(val)
	if typ == nil {
		_, err = stream.Write(padNull[:bs])
		return
	}
	ptr := reflect2.PtrOf(val)
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	} else if typ.Kind() == reflect.Struct && typ.NumField() == 1 && typ.Field(0).Type.Kind() == reflect.Pointer {
		return errors.WithDetails(ErrUnsupportedType, "type", typ.String())
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithDetails(ErrUnsupportedType, "type", typ.String())
		}
	}()
	return lookup(&encodeProcess, encode, typ, bs).handler(stream, ptr)
}

func encode(typ reflect.Type, bs int) (handler, layout) {
	if isRaw(typ, bs) {
		size := int(typ.Size())
		return func(stream Stream, ptr unsafe.Pointer) error {
			_, err := stream.Write(bytesOf(ptr, size))
			return err
		}, layout{size, typ.Align()}
	}
	switch typ.Kind() {
	case reflect.Int, reflect.Uint, reflect.Uintptr:
		size := min(int(typ.Size()), bs)
		pad := bs - size
		return func(stream Stream, ptr unsafe.Pointer) error {
			if _, err := stream.Write(bytesOf(ptr, size)); err != nil {
				return err
			} else if pad > 0 {
				_, err = stream.Write(padNull[:pad])
				return err
			}
			return nil
		}, layout{bs, bs}
	case reflect.String:
		return func(stream Stream, ptr unsafe.Pointer) error {
			str := *(*string)(ptr)
			sub, err := stream.WriteStream(len(str) + 1)
			if err != nil {
				return err
			}
			return sub.WriteString(str)
		}, layout{bs, bs}
	case reflect.Array:
		elem, l := encode(typ.Elem(), bs)
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
		fields, tail, l := structLayout(encode, typ, bs)
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
