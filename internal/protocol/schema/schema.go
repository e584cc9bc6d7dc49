package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/mfpsync/internal/protocol/tlv"
)

// FieldType is the semantic type a wire value is coerced to.
type FieldType uint8

const (
	TypeInt       FieldType = iota + 1 // tlv.Int
	TypeFloat                          // tlv.Raw binary32, or tlv.Int
	TypeText                           // tlv.Text
	TypeBool                           // tlv.Int 0/1
	TypeDate                           // tlv.Text "2006-01-02"
	TypeTimestamp                      // tlv.Text "2006-01-02 15:04:05"
	TypeUUID                           // tlv.Raw, 16 bytes
	TypeBytes                          // tlv.Raw
	TypeGroup                          // tlv.Nested, fields described by Sub
	TypeList                           // tlv.Nested of tlv.Nested items, each described by Sub
	TypeMap                            // tlv.Nested of tlv.Nested entries {1: key, 2: value}
)

func (t FieldType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeText:
		return "text"
	case TypeBool:
		return "bool"
	case TypeDate:
		return "date"
	case TypeTimestamp:
		return "timestamp"
	case TypeUUID:
		return "uuid"
	case TypeBytes:
		return "bytes"
	case TypeGroup:
		return "group"
	case TypeList:
		return "list"
	case TypeMap:
		return "map"
	default:
		return fmt.Sprintf("fieldtype(%d)", uint8(t))
	}
}

// Map entry tags inside a TypeMap value.
const (
	MapKeyTag   uint16 = 1
	MapValueTag uint16 = 2
)

// Flag derives a boolean from an integer field. Positive sets the flag for
// values above zero. Otherwise a non-zero Mask sets it when value&Mask != 0
// and a zero Mask when value == Equal.
type Flag struct {
	Name     string
	Positive bool
	Mask     int64
	Equal    int64
}

// FieldSpec declares one known field of a kind.
type FieldSpec struct {
	Tag      uint16
	Name     string
	Type     FieldType
	Required bool
	Sub      []FieldSpec
	Flags    []Flag
}

// KindSpec is the ordered field table of one packet kind. Specs obtained from
// a Registry are shared and must not be modified.
type KindSpec struct {
	Code   uint16
	Name   string
	Fields []FieldSpec
}

// FieldByTag finds the spec for tag in a kind's Fields or a group's Sub.
func FieldByTag(fields []FieldSpec, tag uint16) (FieldSpec, bool) {
	for _, f := range fields {
		if f.Tag == tag {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// WireType reports the tlv type a field of this semantic type arrives as.
func (t FieldType) WireType() tlv.Type {
	switch t {
	case TypeInt, TypeBool:
		return tlv.TypeInt
	case TypeText, TypeDate, TypeTimestamp:
		return tlv.TypeText
	case TypeGroup, TypeList, TypeMap:
		return tlv.TypeNested
	default:
		return tlv.TypeRaw
	}
}

var (
	ErrDuplicateKind = errors.New("schema: duplicate kind")
	ErrDuplicateTag  = errors.New("schema: duplicate field tag")
	ErrInvalidSpec   = errors.New("schema: invalid spec")
)

// Registry is an immutable kind code -> KindSpec table.
type Registry struct {
	byCode map[uint16]KindSpec
	byName map[string]uint16
}

// NewRegistry validates kinds and builds a Registry holding private copies.
func NewRegistry(kinds ...KindSpec) (*Registry, error) {
	r := &Registry{
		byCode: make(map[uint16]KindSpec, len(kinds)),
		byName: make(map[string]uint16, len(kinds)),
	}
	for _, k := range kinds {
		if strings.TrimSpace(k.Name) == "" {
			return nil, fmt.Errorf("%w: kind %d missing name", ErrInvalidSpec, k.Code)
		}
		if _, ok := r.byCode[k.Code]; ok {
			return nil, fmt.Errorf("%w: code=%d", ErrDuplicateKind, k.Code)
		}
		if _, ok := r.byName[k.Name]; ok {
			return nil, fmt.Errorf("%w: name=%q", ErrDuplicateKind, k.Name)
		}
		if err := validateFields(k.Name, k.Fields); err != nil {
			return nil, err
		}
		k.Fields = cloneFields(k.Fields)
		r.byCode[k.Code] = k
		r.byName[k.Name] = k.Code
	}
	return r, nil
}

func validateFields(kind string, fields []FieldSpec) error {
	seenTags := make(map[uint16]struct{}, len(fields))
	seenNames := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, ok := seenTags[f.Tag]; ok {
			return fmt.Errorf("%w: kind=%s tag=%d", ErrDuplicateTag, kind, f.Tag)
		}
		seenTags[f.Tag] = struct{}{}
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("%w: kind=%s tag=%d missing name", ErrInvalidSpec, kind, f.Tag)
		}
		if _, ok := seenNames[f.Name]; ok {
			return fmt.Errorf("%w: kind=%s duplicate name %q", ErrInvalidSpec, kind, f.Name)
		}
		seenNames[f.Name] = struct{}{}
		switch f.Type {
		case TypeGroup, TypeList:
			if err := validateFields(kind+"."+f.Name, f.Sub); err != nil {
				return err
			}
		case TypeInt, TypeFloat, TypeText, TypeBool, TypeDate, TypeTimestamp, TypeUUID, TypeBytes, TypeMap:
			if len(f.Sub) != 0 {
				return fmt.Errorf("%w: kind=%s field=%s has sub fields", ErrInvalidSpec, kind, f.Name)
			}
		default:
			return fmt.Errorf("%w: kind=%s field=%s unknown type", ErrInvalidSpec, kind, f.Name)
		}
		if len(f.Flags) != 0 && f.Type != TypeInt {
			return fmt.Errorf("%w: kind=%s field=%s flags on non-int", ErrInvalidSpec, kind, f.Name)
		}
	}
	return nil
}

func cloneFields(in []FieldSpec) []FieldSpec {
	if in == nil {
		return nil
	}
	out := make([]FieldSpec, len(in))
	for i, f := range in {
		f.Sub = cloneFields(f.Sub)
		if f.Flags != nil {
			f.Flags = append([]Flag(nil), f.Flags...)
		}
		out[i] = f
	}
	return out
}

// Lookup returns the spec registered for code.
func (r *Registry) Lookup(code uint16) (KindSpec, bool) {
	k, ok := r.byCode[code]
	return k, ok
}

// Code returns the kind code registered under name.
func (r *Registry) Code(name string) (uint16, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Kinds returns all registered specs ordered by code.
func (r *Registry) Kinds() []KindSpec {
	out := make([]KindSpec, 0, len(r.byCode))
	for _, k := range r.byCode {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Code < out[j].Code
	})
	return out
}

// SchemaError reports a record that does not satisfy its kind's schema.
// MissingField is set for absent required fields; Field and Reason for values
// that could not be coerced.
type SchemaError struct {
	Kind         string
	MissingField string
	Field        string
	Reason       string
}

func (e *SchemaError) Error() string {
	if e.MissingField != "" {
		return fmt.Sprintf("schema: kind=%s missing required field %q", e.Kind, e.MissingField)
	}
	return fmt.Sprintf("schema: kind=%s field=%s: %s", e.Kind, e.Field, e.Reason)
}
