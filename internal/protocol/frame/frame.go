package frame

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/danmuck/mfpsync/internal/protocol/tlv"
)

const (
	Magic     uint16 = 0x04D3
	Version   uint16 = 1
	HeaderLen        = 10
)

var (
	ErrShortHeader        = errors.New("frame: short envelope header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrLengthTooSmall     = errors.New("frame: declared length smaller than header")
	ErrLengthOverrun      = errors.New("frame: declared length exceeds buffer")
	ErrEnvelopeTooLarge   = errors.New("frame: envelope too large")
)

// Header is the fixed envelope header. Length counts the whole envelope,
// header included.
type Header struct {
	Magic   uint16
	Length  uint32
	Version uint16
	Kind    uint16
}

// Envelope is one decoded packet: its kind code and TLV body.
type Envelope struct {
	Offset int
	Kind   uint16
	Body   tlv.Frame
}

// Limits constrains envelope size and body nesting. Zero fields take the
// DefaultLimits value.
type Limits struct {
	MaxEnvelopeBytes uint32
	MaxDepth         int
}

func DefaultLimits() Limits {
	return Limits{
		MaxEnvelopeBytes: 8 * 1024 * 1024,
		MaxDepth:         tlv.MaxDepth,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxEnvelopeBytes == 0 {
		l.MaxEnvelopeBytes = def.MaxEnvelopeBytes
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = def.MaxDepth
	}
	return l
}

// Encode serializes one envelope under DefaultLimits.
func Encode(kind uint16, body tlv.Frame) ([]byte, error) {
	return Append(nil, kind, body, DefaultLimits())
}

// Append appends one envelope to dst, so a request or response stream can be
// assembled from consecutive calls.
func Append(dst []byte, kind uint16, body tlv.Frame, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()
	start := len(dst)
	dst = append(dst, make([]byte, HeaderLen)...)
	dst, err := tlv.Append(dst, body)
	if err != nil {
		return nil, err
	}
	n := len(dst) - start
	if uint64(n) > uint64(limits.MaxEnvelopeBytes) {
		return nil, ErrEnvelopeTooLarge
	}
	copy(dst[start:], EncodeHeader(Header{
		Magic:   Magic,
		Length:  uint32(n),
		Version: Version,
		Kind:    kind,
	}))
	return dst, nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], h.Magic)
	binary.BigEndian.PutUint32(buf[2:6], h.Length)
	binary.BigEndian.PutUint16(buf[6:8], h.Version)
	binary.BigEndian.PutUint16(buf[8:10], h.Kind)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	return Header{
		Magic:   binary.BigEndian.Uint16(b[0:2]),
		Length:  binary.BigEndian.Uint32(b[2:6]),
		Version: binary.BigEndian.Uint16(b[6:8]),
		Kind:    binary.BigEndian.Uint16(b[8:10]),
	}, nil
}

// Reader walks the envelopes of one response buffer.
type Reader struct {
	buf    []byte
	off    int
	limits Limits
}

func NewReader(buf []byte, limits Limits) *Reader {
	return &Reader{buf: buf, limits: limits.withDefaults()}
}

// Next decodes the next envelope. It returns io.EOF only when the buffer is
// exhausted exactly at an envelope boundary; every other shortfall is a
// *tlv.FramingError.
func (r *Reader) Next() (Envelope, error) {
	start := r.off
	remaining := len(r.buf) - start
	if remaining == 0 {
		return Envelope{}, io.EOF
	}
	h, err := DecodeHeader(r.buf[start:])
	if err != nil {
		return Envelope{}, &tlv.FramingError{Offset: start, Err: err}
	}
	if h.Magic != Magic {
		return Envelope{}, &tlv.FramingError{Offset: start, Err: ErrInvalidMagic}
	}
	if h.Version != Version {
		return Envelope{}, &tlv.FramingError{Offset: start + 6, Err: ErrUnsupportedVersion}
	}
	if h.Length < HeaderLen {
		return Envelope{}, &tlv.FramingError{Offset: start + 2, Err: ErrLengthTooSmall}
	}
	if h.Length > r.limits.MaxEnvelopeBytes {
		return Envelope{}, &tlv.FramingError{Offset: start + 2, Err: ErrEnvelopeTooLarge}
	}
	if uint64(h.Length) > uint64(remaining) {
		return Envelope{}, &tlv.FramingError{Offset: start + 2, Err: ErrLengthOverrun}
	}
	end := start + int(h.Length)
	body, err := tlv.DecodeAtDepth(r.buf[start+HeaderLen:end], start+HeaderLen, r.limits.MaxDepth)
	if err != nil {
		return Envelope{}, err
	}
	r.off = end
	return Envelope{Offset: start, Kind: h.Kind, Body: body}, nil
}

// DecodeAll decodes every envelope in buf.
func DecodeAll(buf []byte, limits Limits) ([]Envelope, error) {
	r := NewReader(buf, limits)
	out := make([]Envelope, 0, 8)
	for {
		env, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
}
