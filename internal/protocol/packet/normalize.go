package packet

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/danmuck/mfpsync/internal/protocol/schema"
	"github.com/danmuck/mfpsync/internal/protocol/tlv"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Wire layouts of the text-encoded temporal types.
const (
	DateLayout      = "2006-01-02"
	TimestampLayout = "2006-01-02 15:04:05"
)

// Normalizer maps raw record frames to Packets using a schema registry.
type Normalizer struct {
	registry *schema.Registry
}

// NewNormalizer binds a registry. A nil registry selects schema.Default().
func NewNormalizer(registry *schema.Registry) *Normalizer {
	if registry == nil {
		registry = schema.Default()
	}
	return &Normalizer{registry: registry}
}

// Registry returns the registry the normalizer reads.
func (n *Normalizer) Registry() *schema.Registry {
	return n.registry
}

// Normalize converts one record frame of the given kind. Unregistered kinds
// yield an Unknown packet carrying every field opaquely. A registered kind
// that fails its schema yields a *schema.SchemaError.
func (n *Normalizer) Normalize(kind uint16, f tlv.Frame) (Packet, error) {
	spec, ok := n.registry.Lookup(kind)
	if !ok {
		log.Debug().Uint16("kind", kind).Int("fields", len(f)).Msg("normalize unknown kind")
		return Packet{kind: schema.UnknownKind, code: kind, opaque: cloneFrame(f)}, nil
	}
	c := coercer{kind: spec.Name}
	fields, opaque, err := c.group(spec.Fields, f, "")
	if err != nil {
		log.Debug().Str("kind", spec.Name).Err(err).Msg("normalize rejected")
		return Packet{}, err
	}
	if derive, ok := derivers[spec.Name]; ok {
		derive(fields)
	}
	return Packet{kind: spec.Name, code: kind, fields: fields, opaque: opaque}, nil
}

type coercer struct {
	kind string
}

func (c coercer) missing(path string) error {
	return &schema.SchemaError{Kind: c.kind, MissingField: path}
}

func (c coercer) invalid(path, format string, args ...any) error {
	return &schema.SchemaError{Kind: c.kind, Field: path, Reason: fmt.Sprintf(format, args...)}
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// group coerces f against specs and returns the named values plus the
// fields no spec claims.
func (c coercer) group(specs []schema.FieldSpec, f tlv.Frame, prefix string) (map[string]any, tlv.Frame, error) {
	out := make(map[string]any, len(specs))
	var opaque tlv.Frame
	seen := make(map[uint16]struct{}, len(f))
	for _, field := range f {
		spec, ok := schema.FieldByTag(specs, field.Tag)
		if !ok {
			opaque = append(opaque, tlv.Field{Tag: field.Tag, Value: cloneValue(field.Value)})
			continue
		}
		path := join(prefix, spec.Name)
		if _, dup := seen[field.Tag]; dup {
			return nil, nil, c.invalid(path, "repeated field tag %d", field.Tag)
		}
		seen[field.Tag] = struct{}{}
		v, err := c.value(spec, field.Value, path)
		if err != nil {
			return nil, nil, err
		}
		out[spec.Name] = v
		if iv, ok := v.(int64); ok {
			for _, flag := range spec.Flags {
				out[flag.Name] = flagSet(flag, iv)
			}
		}
	}
	for _, spec := range specs {
		if !spec.Required {
			continue
		}
		if _, ok := seen[spec.Tag]; !ok {
			return nil, nil, c.missing(join(prefix, spec.Name))
		}
	}
	return out, opaque, nil
}

func flagSet(flag schema.Flag, v int64) bool {
	if flag.Positive {
		return v > 0
	}
	if flag.Mask != 0 {
		return v&flag.Mask != 0
	}
	return v == flag.Equal
}

func (c coercer) value(spec schema.FieldSpec, v tlv.Value, path string) (any, error) {
	if v == nil {
		return nil, c.invalid(path, "nil value")
	}
	want := spec.Type.WireType()
	if spec.Type == schema.TypeFloat {
		// floats may also arrive as whole numbers
		if iv, ok := v.(tlv.Int); ok {
			return float64(iv), nil
		}
	}
	if v.Type() != want {
		return nil, c.invalid(path, "want %s, got %s", spec.Type, v.Type())
	}
	switch spec.Type {
	case schema.TypeInt:
		return int64(v.(tlv.Int)), nil
	case schema.TypeBool:
		return v.(tlv.Int) != 0, nil
	case schema.TypeText:
		return string(v.(tlv.Text)), nil
	case schema.TypeDate:
		t, err := time.ParseInLocation(DateLayout, string(v.(tlv.Text)), time.UTC)
		if err != nil {
			return nil, c.invalid(path, "bad date %q", string(v.(tlv.Text)))
		}
		return stamp{t: t, layout: DateLayout}, nil
	case schema.TypeTimestamp:
		t, err := time.ParseInLocation(TimestampLayout, string(v.(tlv.Text)), time.UTC)
		if err != nil {
			return nil, c.invalid(path, "bad timestamp %q", string(v.(tlv.Text)))
		}
		return stamp{t: t, layout: TimestampLayout}, nil
	case schema.TypeFloat:
		f, ok := tlv.Float32FromRaw(v.(tlv.Raw))
		if !ok {
			return nil, c.invalid(path, "float needs 4 bytes, got %d", len(v.(tlv.Raw)))
		}
		return float64(f), nil
	case schema.TypeUUID:
		id, err := uuid.FromBytes(v.(tlv.Raw))
		if err != nil {
			return nil, c.invalid(path, "bad uuid: %v", err)
		}
		return id, nil
	case schema.TypeBytes:
		return bytes.Clone(v.(tlv.Raw)), nil
	case schema.TypeGroup:
		return c.nested(spec.Sub, tlv.Frame(v.(tlv.Nested)), path)
	case schema.TypeList:
		items := tlv.Frame(v.(tlv.Nested))
		out := make([]map[string]any, 0, len(items))
		for i, item := range items {
			itemPath := fmt.Sprintf("%s[%d]", path, i)
			inner, ok := item.Value.(tlv.Nested)
			if !ok {
				return nil, c.invalid(itemPath, "list item is %s, want nested", item.Value.Type())
			}
			m, err := c.nested(spec.Sub, tlv.Frame(inner), itemPath)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, nil
	case schema.TypeMap:
		return c.mapping(tlv.Frame(v.(tlv.Nested)), path)
	}
	return nil, c.invalid(path, "unsupported field type %s", spec.Type)
}

func (c coercer) nested(specs []schema.FieldSpec, f tlv.Frame, path string) (map[string]any, error) {
	m, opaque, err := c.group(specs, f, path)
	if err != nil {
		return nil, err
	}
	if len(opaque) > 0 {
		m[OpaqueKey] = opaque
	}
	return m, nil
}

// mapping reads {key, value} entry frames. Keys may be text or integers;
// integer keys are rendered in decimal.
func (c coercer) mapping(f tlv.Frame, path string) (map[string]any, error) {
	out := make(map[string]any, len(f))
	for i, entry := range f {
		entryPath := fmt.Sprintf("%s[%d]", path, i)
		inner, ok := entry.Value.(tlv.Nested)
		if !ok {
			return nil, c.invalid(entryPath, "map entry is %s, want nested", entry.Value.Type())
		}
		kf, ok := tlv.Frame(inner).Get(schema.MapKeyTag)
		if !ok {
			return nil, c.missing(entryPath + ".key")
		}
		var key string
		switch kv := kf.Value.(type) {
		case tlv.Text:
			key = string(kv)
		case tlv.Int:
			key = strconv.FormatInt(int64(kv), 10)
		default:
			return nil, c.invalid(entryPath+".key", "want text or int, got %s", kv.Type())
		}
		vf, ok := tlv.Frame(inner).Get(schema.MapValueTag)
		if !ok {
			return nil, c.missing(entryPath + ".value")
		}
		out[key] = PlainValue(vf.Value)
	}
	return out, nil
}
