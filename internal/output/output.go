package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/mfpsync/internal/protocol/packet"
	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCBOR Format = "cbor"
)

var ErrUnknownFormat = errors.New("output: unknown format")

func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "", "jsonl", "ndjson":
		return FormatJSON, nil
	case FormatJSON, FormatYAML, FormatCBOR:
		return f, nil
	case "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, raw)
	}
}

// Record is the serialized shape of one packet. Opaque holds the fields the
// schema does not name, keyed by decimal tag.
type Record struct {
	Type   string         `json:"type" yaml:"type" cbor:"type"`
	Data   map[string]any `json:"data" yaml:"data" cbor:"data"`
	Opaque map[string]any `json:"opaque,omitempty" yaml:"opaque,omitempty" cbor:"opaque,omitempty"`
}

func RecordOf(p packet.Packet) Record {
	r := Record{Type: p.Kind(), Data: p.Plain()}
	if op := p.Opaque(); len(op) > 0 {
		r.Opaque = packet.PlainFrame(op)
	}
	return r
}

// Encoder writes packets to a stream, one item per packet.
type Encoder interface {
	Encode(p packet.Packet) error
	Close() error
}

func NewEncoder(w io.Writer, f Format) (Encoder, error) {
	switch f {
	case FormatJSON, "":
		return &jsonEncoder{enc: json.NewEncoder(w)}, nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		return &yamlEncoder{enc: enc}, nil
	case FormatCBOR:
		return &cborEncoder{enc: cborMode.NewEncoder(w)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, string(f))
	}
}

type jsonEncoder struct {
	enc *json.Encoder
}

func (e *jsonEncoder) Encode(p packet.Packet) error {
	return e.enc.Encode(RecordOf(p))
}

func (e *jsonEncoder) Close() error { return nil }

// yamlEncoder emits one document per packet.
type yamlEncoder struct {
	enc *yaml.Encoder
}

func (e *yamlEncoder) Encode(p packet.Packet) error {
	return e.enc.Encode(RecordOf(p))
}

func (e *yamlEncoder) Close() error {
	return e.enc.Close()
}

// cborEncoder emits a sequence of top-level CBOR items (RFC 8742).
type cborEncoder struct {
	enc *cbor.Encoder
}

func (e *cborEncoder) Encode(p packet.Packet) error {
	return e.enc.Encode(RecordOf(p))
}

func (e *cborEncoder) Close() error { return nil }

var cborMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	// uuid.UUID is a byte array; encode it through MarshalText instead.
	opts.TextMarshaler = cbor.TextMarshalerTextString
	var err error
	cborMode, err = opts.EncMode()
	if err != nil {
		panic("output: CBOR encoder initialization failed: " + err.Error())
	}
}
