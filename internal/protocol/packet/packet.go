package packet

import (
	"bytes"
	"math"
	"strconv"
	"time"

	"github.com/danmuck/mfpsync/internal/protocol/schema"
	"github.com/danmuck/mfpsync/internal/protocol/tlv"
	"github.com/google/uuid"
)

// OpaqueKey holds unknown fields found inside a nested group. Top-level
// unknown fields are kept separately and exposed through Packet.Opaque.
const OpaqueKey = "_opaque"

// Packet is one normalized record. The zero value is an empty Unknown packet.
// Packets are immutable; every accessor returns a copy.
type Packet struct {
	kind   string
	code   uint16
	fields map[string]any
	opaque tlv.Frame
}

func (p Packet) Kind() string {
	if p.kind == "" {
		return schema.UnknownKind
	}
	return p.kind
}

// Code is the wire kind code the packet arrived with.
func (p Packet) Code() uint16 { return p.code }

// Len reports the number of named fields.
func (p Packet) Len() int { return len(p.fields) }

// Get returns a copy of the named field value.
func (p Packet) Get(name string) (any, bool) {
	v, ok := p.fields[name]
	if !ok {
		return nil, false
	}
	return cloneAny(v), true
}

func (p Packet) Int(name string) (int64, bool) {
	v, ok := p.fields[name].(int64)
	return v, ok
}

func (p Packet) Float(name string) (float64, bool) {
	v, ok := p.fields[name].(float64)
	return v, ok
}

func (p Packet) Text(name string) (string, bool) {
	v, ok := p.fields[name].(string)
	return v, ok
}

func (p Packet) Bool(name string) (bool, bool) {
	v, ok := p.fields[name].(bool)
	return v, ok
}

// Time returns a date or timestamp field, in UTC.
func (p Packet) Time(name string) (time.Time, bool) {
	v, ok := p.fields[name].(stamp)
	return v.t, ok
}

func (p Packet) UUID(name string) (uuid.UUID, bool) {
	v, ok := p.fields[name].(uuid.UUID)
	return v, ok
}

// Group returns a copy of a nested group field.
func (p Packet) Group(name string) (map[string]any, bool) {
	v, ok := p.fields[name].(map[string]any)
	if !ok {
		return nil, false
	}
	return cloneMap(v), true
}

// List returns a copy of a repeated group field.
func (p Packet) List(name string) ([]map[string]any, bool) {
	v, ok := p.fields[name].([]map[string]any)
	if !ok {
		return nil, false
	}
	return cloneList(v), true
}

// Fields returns a deep copy of every named field. Dates and timestamps are
// time.Time values.
func (p Packet) Fields() map[string]any {
	return cloneMap(p.fields)
}

// Opaque returns a copy of the top-level fields the schema does not name,
// in wire order.
func (p Packet) Opaque() tlv.Frame {
	return cloneFrame(p.opaque)
}

// OpaqueValue returns the first unnamed field with tag.
func (p Packet) OpaqueValue(tag uint16) (tlv.Value, bool) {
	f, ok := p.opaque.Get(tag)
	if !ok {
		return nil, false
	}
	return cloneValue(f.Value), true
}

// Plain returns the named fields ready for a generic encoder: nested tlv
// data goes through PlainFrame, dates and timestamps become text in their
// wire layout, and NaN or infinite floats become nil.
func (p Packet) Plain() map[string]any {
	return plainMap(p.fields)
}

// PlainFrame converts a raw frame to a map keyed by decimal tag. Repeated
// tags collapse into a slice in wire order.
func PlainFrame(f tlv.Frame) map[string]any {
	out := make(map[string]any, len(f))
	for _, field := range f {
		key := strconv.Itoa(int(field.Tag))
		v := PlainValue(field.Value)
		prev, seen := out[key]
		if !seen {
			out[key] = v
			continue
		}
		if list, ok := prev.(repeated); ok {
			out[key] = append(list, v)
		} else {
			out[key] = repeated{prev, v}
		}
	}
	for k, v := range out {
		if list, ok := v.(repeated); ok {
			out[k] = []any(list)
		}
	}
	return out
}

type repeated []any

// stamp is a parsed date or timestamp with the layout it travels in.
type stamp struct {
	t      time.Time
	layout string
}

// PlainValue converts one tlv value to int64, string, []byte or a PlainFrame map.
func PlainValue(v tlv.Value) any {
	switch tv := v.(type) {
	case tlv.Int:
		return int64(tv)
	case tlv.Text:
		return string(tv)
	case tlv.Raw:
		return bytes.Clone(tv)
	case tlv.Nested:
		return PlainFrame(tlv.Frame(tv))
	default:
		return nil
	}
}

func plainMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = plainAny(v)
	}
	return out
}

func plainAny(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return plainMap(tv)
	case []map[string]any:
		out := make([]map[string]any, len(tv))
		for i, m := range tv {
			out[i] = plainMap(m)
		}
		return out
	case tlv.Frame:
		return PlainFrame(tv)
	case stamp:
		return tv.t.Format(tv.layout)
	case float64:
		if math.IsNaN(tv) || math.IsInf(tv, 0) {
			return nil
		}
		return tv
	default:
		return cloneAny(v)
	}
}

func cloneAny(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMap(tv)
	case []map[string]any:
		return cloneList(tv)
	case []byte:
		return bytes.Clone(tv)
	case tlv.Frame:
		return cloneFrame(tv)
	case stamp:
		return tv.t
	default:
		return v
	}
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneList(in []map[string]any) []map[string]any {
	if in == nil {
		return nil
	}
	out := make([]map[string]any, len(in))
	for i, m := range in {
		out[i] = cloneMap(m)
	}
	return out
}

func cloneFrame(f tlv.Frame) tlv.Frame {
	if f == nil {
		return nil
	}
	out := make(tlv.Frame, len(f))
	for i, field := range f {
		out[i] = tlv.Field{Tag: field.Tag, Value: cloneValue(field.Value)}
	}
	return out
}

func cloneValue(v tlv.Value) tlv.Value {
	switch tv := v.(type) {
	case tlv.Raw:
		return tlv.Raw(bytes.Clone(tv))
	case tlv.Nested:
		return tlv.Nested(cloneFrame(tlv.Frame(tv)))
	default:
		return v
	}
}
