package transport

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
)

// IndexFile lists captured responses in the order they were received.
const IndexFile = "index"

var (
	ErrReplayExhausted = errors.New("transport: replay exhausted")
	ErrCaptureCorrupt  = errors.New("transport: capture corrupt")
)

// zstd coders are safe for concurrent use and reused across calls.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transport: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("transport: zstd decoder initialization failed: " + err.Error())
	}
}

// Digest names a response by the hex blake3 hash of its bytes.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Capture records every successful response of the wrapped transport as a
// zstd file under dir. Requests are not recorded since the login request
// carries the password.
type Capture struct {
	next Transport
	dir  string

	mu  sync.Mutex
	seq int
}

func NewCapture(next Transport, dir string) (*Capture, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	// a fresh capture replaces any earlier index
	if err := os.WriteFile(filepath.Join(dir, IndexFile), nil, 0o600); err != nil {
		return nil, err
	}
	return &Capture{next: next, dir: dir}, nil
}

func (c *Capture) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	resp, err := c.next.RoundTrip(ctx, request)
	if err != nil {
		return nil, err
	}
	if err := c.record(resp); err != nil {
		log.Warn().Err(err).Str("dir", c.dir).Msg("capture write failed")
		return nil, &TransportError{Op: "capture", Err: err}
	}
	return resp, nil
}

func (c *Capture) record(resp []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	digest := Digest(resp)
	name := fmt.Sprintf("%04d-%s.zst", c.seq, digest[:16])
	compressed := zstdEncoder.EncodeAll(resp, nil)
	if err := os.WriteFile(filepath.Join(c.dir, name), compressed, 0o600); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(c.dir, IndexFile), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s %s\n", name, digest); err != nil {
		_ = f.Close()
		return err
	}
	log.Debug().Str("file", name).Int("bytes", len(resp)).Msg("captured response")
	return f.Close()
}

func (c *Capture) Close() error {
	return c.next.Close()
}

type replayEntry struct {
	name   string
	digest string
}

// Replay serves responses recorded by Capture in order, ignoring the
// requests it is given.
type Replay struct {
	dir string

	mu      sync.Mutex
	entries []replayEntry
	next    int
}

func NewReplay(dir string) (*Replay, error) {
	f, err := os.Open(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var entries []replayEntry
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		name, digest, ok := strings.Cut(text, " ")
		if !ok || strings.ContainsAny(name, `/\`) {
			return nil, fmt.Errorf("%w: index line %d", ErrCaptureCorrupt, line)
		}
		entries = append(entries, replayEntry{name: name, digest: digest})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return &Replay{dir: dir, entries: entries}, nil
}

// Len reports how many responses remain.
func (r *Replay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries) - r.next
}

func (r *Replay) RoundTrip(ctx context.Context, _ []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "replay", Err: err}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.entries) {
		return nil, &TransportError{Op: "replay", Err: ErrReplayExhausted}
	}
	e := r.entries[r.next]
	r.next++
	compressed, err := os.ReadFile(filepath.Join(r.dir, e.name))
	if err != nil {
		return nil, &TransportError{Op: "replay", Err: err}
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, &TransportError{Op: "replay", Err: fmt.Errorf("%w: %s: %v", ErrCaptureCorrupt, e.name, err)}
	}
	if Digest(data) != e.digest {
		return nil, &TransportError{Op: "replay", Err: fmt.Errorf("%w: %s digest mismatch", ErrCaptureCorrupt, e.name)}
	}
	return data, nil
}

func (r *Replay) Close() error {
	return nil
}
