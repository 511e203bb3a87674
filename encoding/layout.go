package encoding

import (
	"iter"
	"reflect"
	"sync"
	"unsafe"
)

type handler = func(Stream, unsafe.Pointer) error

type layout struct {
	size, align int
}

type handlerData struct {
	handler handler
	layout
}

type field struct {
	handler handler
	goOff   uintptr
	pad     int
}

var (
	encodeProcess sync.Map
	decodeProcess sync.Map
	padNull       [8]byte
)

type builder func(reflect.Type, int) (handler, layout)

type cacheKey struct {
	bs  int
	typ reflect.Type
}

func lookup(cache *sync.Map, build builder, typ reflect.Type, bs int) *handlerData {
	key := cacheKey{bs, typ}
	if v, ok := cache.Load(key); ok {
		return v.(*handlerData)
	}
	h, l := build(typ, bs)
	data := &handlerData{h, l}
	cache.Store(key, data)
	return data
}

func isRaw(typ reflect.Type, bs int) bool {
	switch typ.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	case reflect.Int, reflect.Uint, reflect.Uintptr:
		return int(typ.Size()) == bs
	case reflect.Array:
		return isRaw(typ.Elem(), bs)
	case reflect.Struct:
		for f := range rangeField(typ) {
			if f.Tag.Get("encoding") == "ignore" || !isRaw(f.Type, bs) {
				return false
			}
		}
		return true
	}
	return false
}

// structLayout walks the fields of typ, placing each at its natural
// alignment in the encoded form, and returns the handlers with the
// padding to skip before each one and after the last.
func structLayout(build builder, typ reflect.Type, bs int) ([]field, int, layout) {
	var (
		fields []field
		off    int
		align  = 1
	)
	for f := range rangeField(typ) {
		if f.Tag.Get("encoding") == "ignore" {
			continue
		}
		h, l := build(f.Type, bs)
		next := alignUp(off, l.align)
		fields = append(fields, field{h, f.Offset, next - off})
		off = next + l.size
		align = max(align, l.align)
	}
	size := alignUp(off, align)
	return fields, size - off, layout{size, align}
}

func rangeField(typ reflect.Type) iter.Seq[reflect.StructField] {
	return func(yield func(reflect.StructField) bool) {
		for i := range typ.NumField() {
			if !yield(typ.Field(i)) {
				return
			}
		}
	}
}

func alignUp(a, b int) int {
	return (a + b - 1) &^ (b - 1)
}

func bytesOf(ptr unsafe.Pointer, size int) []byte {
	return unsafe.Slice((*byte)(ptr), size)
}
