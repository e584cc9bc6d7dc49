package tlv

import (
	"encoding/binary"
	"math"
)

// NewInt creates an Int field.
func NewInt(tag uint16, v int64) Field {
	return Field{Tag: tag, Value: Int(v)}
}

// NewText creates a Text field.
func NewText(tag uint16, v string) Field {
	return Field{Tag: tag, Value: Text(v)}
}

// NewNested creates a Nested field holding f.
func NewNested(tag uint16, f Frame) Field {
	return Field{Tag: tag, Value: Nested(f)}
}

// NewRaw creates a Raw field. v is copied.
func NewRaw(tag uint16, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{Tag: tag, Value: Raw(buf)}
}

// NewBool creates an Int field holding 0 or 1.
func NewBool(tag uint16, v bool) Field {
	if v {
		return NewInt(tag, 1)
	}
	return NewInt(tag, 0)
}

// NewFloat32 creates a Raw field holding the big-endian IEEE 754 binary32
// encoding of v, the legacy representation of measurements and nutrients.
func NewFloat32(tag uint16, v float32) Field {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(v))
	return Field{Tag: tag, Value: Raw(buf)}
}

// Float32FromRaw decodes a 4-byte big-endian binary32 value.
func Float32FromRaw(b []byte) (float32, bool) {
	if len(b) != 4 {
		return 0, false
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), true
}
