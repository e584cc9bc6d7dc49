package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Transport carries one encoded request body to the sync endpoint and
// returns the raw response body. Implementations allow one call at a time.
type Transport interface {
	RoundTrip(ctx context.Context, request []byte) ([]byte, error)
	Close() error
}

var (
	ErrClosed           = errors.New("transport: closed")
	ErrResponseTooLarge = errors.New("transport: response too large")
	ErrHTTPStatus       = errors.New("transport: unexpected http status")
)

// TransportError wraps every failure to exchange bytes with the server.
// Temporary errors may be retried by re-sending the same request.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
	temporary  bool
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.temporary
}

// NewError classifies err and wraps it. A nil err returns nil.
func NewError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err, temporary: classifyTemporary(err)}
}

// StatusError reports a non-200 reply. 429 and 5xx are temporary.
func StatusError(op string, code int) error {
	return &TransportError{
		Op:         op,
		StatusCode: code,
		Err:        ErrHTTPStatus,
		temporary:  code == 429 || code >= 500,
	}
}

// IsTemporary reports whether err is a retryable TransportError.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Temporary()
}

func classifyTemporary(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
