package tlv

import (
	"errors"
	"fmt"
)

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: declared length exceeds buffer")
	ErrUnknownType      = errors.New("tlv: unknown value type")
	ErrIntWidth         = errors.New("tlv: int value must be 8 bytes")
	ErrTooDeep          = errors.New("tlv: nesting too deep")
	ErrNilValue         = errors.New("tlv: nil value")
	ErrValueTooLarge    = errors.New("tlv: value too large")
)

// FramingError reports a structural decode failure and the absolute byte
// offset at which validation failed.
type FramingError struct {
	Offset int
	Err    error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error at offset %d: %v", e.Offset, e.Err)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}
