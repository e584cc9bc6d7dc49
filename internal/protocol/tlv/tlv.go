package tlv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// HeaderLen is the encoded size of one field header: u16 tag, u8 type, u32 value length.
const HeaderLen = 7

// MaxDepth is the default bound on Nested recursion.
const MaxDepth = 16

// Type is the wire discriminator preceding every field value.
type Type uint8

// Type IDs from the sync wire contract.
const (
	TypeInt    Type = 1
	TypeText   Type = 2
	TypeNested Type = 3
	TypeRaw    Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeText:
		return "text"
	case TypeNested:
		return "nested"
	case TypeRaw:
		return "raw"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Value is a field payload. The set of implementations is closed:
// Int, Text, Nested and Raw.
type Value interface {
	Type() Type
	isValue()
}

// Int is a signed 64-bit integer, always encoded in 8 bytes.
type Int int64

// Text is a UTF-8 string.
type Text string

// Nested is a frame embedded as a field value.
type Nested Frame

// Raw is an opaque byte payload.
type Raw []byte

func (Int) Type() Type    { return TypeInt }
func (Text) Type() Type   { return TypeText }
func (Nested) Type() Type { return TypeNested }
func (Raw) Type() Type    { return TypeRaw }

func (Int) isValue()    {}
func (Text) isValue()   {}
func (Nested) isValue() {}
func (Raw) isValue()    {}

// Field is one tagged value.
type Field struct {
	Tag   uint16
	Value Value
}

// Frame is an ordered field sequence. Tags may repeat; order is preserved.
type Frame []Field

// Encode serializes f. Output is deterministic for identical input.
func Encode(f Frame) ([]byte, error) {
	return Append(nil, f)
}

// Append appends the encoding of f to dst.
func Append(dst []byte, f Frame) ([]byte, error) {
	return appendFrame(dst, f, 0)
}

func appendFrame(dst []byte, f Frame, depth int) ([]byte, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	for _, field := range f {
		var err error
		dst, err = appendField(dst, field, depth)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func appendField(dst []byte, field Field, depth int) ([]byte, error) {
	if field.Value == nil {
		return nil, fmt.Errorf("%w: tag=%d", ErrNilValue, field.Tag)
	}
	start := len(dst)
	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], field.Tag)
	hdr[2] = byte(field.Value.Type())
	dst = append(dst, hdr[:]...)

	switch v := field.Value.(type) {
	case Int:
		dst = binary.BigEndian.AppendUint64(dst, uint64(v))
	case Text:
		dst = append(dst, v...)
	case Raw:
		dst = append(dst, v...)
	case Nested:
		var err error
		dst, err = appendFrame(dst, Frame(v), depth+1)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: tag=%d", ErrUnknownType, field.Tag)
	}

	n := len(dst) - start - HeaderLen
	if uint64(n) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: tag=%d", ErrValueTooLarge, field.Tag)
	}
	binary.BigEndian.PutUint32(dst[start+3:start+7], uint32(n))
	return dst, nil
}

// Decode parses b as a complete field sequence. Every declared length is
// checked against the remaining buffer before the value is interpreted.
func Decode(b []byte) (Frame, error) {
	return DecodeAt(b, 0)
}

// DecodeAt is Decode for a buffer that starts at absolute offset base within
// a larger stream; FramingError offsets are reported relative to that stream.
func DecodeAt(b []byte, base int) (Frame, error) {
	return DecodeAtDepth(b, base, MaxDepth)
}

// DecodeAtDepth is DecodeAt with a caller-chosen nesting bound. A
// non-positive maxDepth selects MaxDepth.
func DecodeAtDepth(b []byte, base, maxDepth int) (Frame, error) {
	if maxDepth <= 0 {
		maxDepth = MaxDepth
	}
	return decodeFrame(b, base, 0, maxDepth)
}

func decodeFrame(b []byte, base, depth, maxDepth int) (Frame, error) {
	fields := make(Frame, 0, 8)
	for off := 0; off < len(b); {
		if len(b)-off < HeaderLen {
			return nil, &FramingError{Offset: base + off, Err: ErrShortFieldHeader}
		}
		tag := binary.BigEndian.Uint16(b[off : off+2])
		typ := Type(b[off+2])
		n := binary.BigEndian.Uint32(b[off+3 : off+7])
		valOff := off + HeaderLen
		if uint64(n) > uint64(len(b)-valOff) {
			return nil, &FramingError{Offset: base + off + 3, Err: ErrShortFieldValue}
		}
		raw := b[valOff : valOff+int(n)]

		var v Value
		switch typ {
		case TypeInt:
			if n != 8 {
				return nil, &FramingError{Offset: base + off + 3, Err: ErrIntWidth}
			}
			v = Int(int64(binary.BigEndian.Uint64(raw)))
		case TypeText:
			v = Text(string(raw))
		case TypeNested:
			if depth+1 > maxDepth {
				return nil, &FramingError{Offset: base + valOff, Err: ErrTooDeep}
			}
			inner, err := decodeFrame(raw, base+valOff, depth+1, maxDepth)
			if err != nil {
				return nil, err
			}
			v = Nested(inner)
		case TypeRaw:
			v = Raw(bytes.Clone(raw))
		default:
			return nil, &FramingError{Offset: base + off + 2, Err: ErrUnknownType}
		}

		fields = append(fields, Field{Tag: tag, Value: v})
		off = valOff + int(n)
	}
	return fields, nil
}

// Get returns the first field carrying tag.
func (f Frame) Get(tag uint16) (Field, bool) {
	for _, field := range f {
		if field.Tag == tag {
			return field, true
		}
	}
	return Field{}, false
}

func (f Frame) GetInt(tag uint16) (int64, bool) {
	field, ok := f.Get(tag)
	if !ok {
		return 0, false
	}
	v, ok := field.Value.(Int)
	return int64(v), ok
}

func (f Frame) GetText(tag uint16) (string, bool) {
	field, ok := f.Get(tag)
	if !ok {
		return "", false
	}
	v, ok := field.Value.(Text)
	return string(v), ok
}

func (f Frame) GetNested(tag uint16) (Frame, bool) {
	field, ok := f.Get(tag)
	if !ok {
		return nil, false
	}
	v, ok := field.Value.(Nested)
	return Frame(v), ok
}

func (f Frame) GetRaw(tag uint16) ([]byte, bool) {
	field, ok := f.Get(tag)
	if !ok {
		return nil, false
	}
	v, ok := field.Value.(Raw)
	return []byte(v), ok
}

// Equal reports whether f and o hold the same fields in the same order.
// A nil frame equals an empty one.
func (f Frame) Equal(o Frame) bool {
	if len(f) != len(o) {
		return false
	}
	for i := range f {
		if f[i].Tag != o[i].Tag || !EqualValues(f[i].Value, o[i].Value) {
			return false
		}
	}
	return true
}

// EqualValues compares two values by type and content.
func EqualValues(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Text:
		bv, ok := b.(Text)
		return ok && av == bv
	case Raw:
		bv, ok := b.(Raw)
		return ok && bytes.Equal(av, bv)
	case Nested:
		bv, ok := b.(Nested)
		return ok && Frame(av).Equal(Frame(bv))
	}
	return false
}
