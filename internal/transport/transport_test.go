package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/danmuck/mfpsync/internal/testutil/testlog"
	"github.com/danmuck/mfpsync/internal/testutil/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if got := r.Header.Get("User-Agent"); got != DefaultUserAgent {
			t.Errorf("unexpected user agent %q", got)
		}
		file, hdr, err := r.FormFile(FormField)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		if hdr.Filename != FormFileName {
			t.Errorf("unexpected filename %q", hdr.Filename)
		}
		data, _ := io.ReadAll(file)
		_, _ = w.Write(append([]byte("echo:"), data...))
	}
}

func TestHTTPRoundTripMultipart(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(echoHandler(t))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	defer h.Close()

	resp, err := h.RoundTrip(context.Background(), []byte{0x04, 0xd3, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, append([]byte("echo:"), 0x04, 0xd3, 0, 1), resp)
}

func TestHTTPStatusClassification(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		code      int
		temporary bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.code)
		}))
		h, err := NewHTTP(HTTPConfig{Endpoint: srv.URL})
		require.NoError(t, err)
		_, err = h.RoundTrip(context.Background(), []byte("x"))
		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, tc.code, te.StatusCode)
		assert.Equal(t, tc.temporary, te.Temporary(), "status %d", tc.code)
		assert.ErrorIs(t, err, ErrHTTPStatus)
		srv.Close()
	}
}

func TestHTTPResponseLimit(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()
	h, err := NewHTTP(HTTPConfig{Endpoint: srv.URL, MaxResponseBytes: 32})
	require.NoError(t, err)
	_, err = h.RoundTrip(context.Background(), nil)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
	assert.False(t, IsTemporary(err))
}

func TestHTTPClosed(t *testing.T) {
	testlog.Start(t)
	h, err := NewHTTP(HTTPConfig{Endpoint: "http://127.0.0.1:1"})
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	_, err = h.RoundTrip(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHTTPConfigValidate(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		cfg  HTTPConfig
		want error
	}{
		{HTTPConfig{}, ErrEndpointRequired},
		{HTTPConfig{Endpoint: "ftp://example.invalid/x"}, ErrInvalidEndpoint},
		{HTTPConfig{Endpoint: "not a url"}, ErrInvalidEndpoint},
		{HTTPConfig{Endpoint: "http://example.invalid", TLS: TLSConfig{InsecureSkipVerify: true}}, ErrTLSInsecureSkipNotAllow},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, tc.cfg.Validate(), tc.want, "%+v", tc.cfg)
	}
	assert.NoError(t, DefaultHTTPConfig().Validate())
}

func TestHTTPTrustsConfiguredCA(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "mfpsync-test-ca")
	srv := ca.StartServer(t, echoHandler(t))

	untrusted, err := NewHTTP(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = untrusted.RoundTrip(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.False(t, IsTemporary(err))

	trusted, err := NewHTTP(HTTPConfig{Endpoint: srv.URL, TLS: TLSConfig{CAFile: ca.CAFile()}})
	require.NoError(t, err)
	resp, err := trusted.RoundTrip(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:x"), resp)
}

func TestNewErrorClassification(t *testing.T) {
	testlog.Start(t)
	assert.Nil(t, NewError("post", nil))
	assert.True(t, IsTemporary(NewError("post", syscall.ECONNRESET)))
	assert.True(t, IsTemporary(NewError("read", io.ErrUnexpectedEOF)))
	assert.True(t, IsTemporary(NewError("post", context.DeadlineExceeded)))
	assert.False(t, IsTemporary(NewError("post", context.Canceled)))
	assert.False(t, IsTemporary(NewError("post", errors.New("x509: unknown authority"))))
	assert.False(t, IsTemporary(errors.New("plain")))

	inner := NewError("post", syscall.ECONNRESET)
	assert.Same(t, inner, NewError("retry", inner))
}

type fixedTransport struct {
	responses [][]byte
	calls     int
	closed    bool
}

func (f *fixedTransport) RoundTrip(context.Context, []byte) ([]byte, error) {
	if f.calls >= len(f.responses) {
		return nil, NewError("fixed", io.EOF)
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func (f *fixedTransport) Close() error {
	f.closed = true
	return nil
}

func TestCaptureReplayRoundTrip(t *testing.T) {
	testlog.Start(t)
	dir := filepath.Join(t.TempDir(), "capture")
	inner := &fixedTransport{responses: [][]byte{[]byte("page-one"), []byte("page-two"), []byte("page-three")}}
	c, err := NewCapture(inner, dir)
	require.NoError(t, err)
	for _, want := range inner.responses {
		got, err := c.RoundTrip(context.Background(), []byte("password-bearing request"))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	require.NoError(t, c.Close())
	assert.True(t, inner.closed)

	r, err := NewReplay(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len())
	for _, want := range inner.responses {
		got, err := r.RoundTrip(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	}
	_, err = r.RoundTrip(context.Background(), nil)
	assert.ErrorIs(t, err, ErrReplayExhausted)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		require.NoError(t, err)
		assert.NotContains(t, string(data), "password-bearing")
	}
}

func TestReplayDetectsCorruption(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	c, err := NewCapture(&fixedTransport{responses: [][]byte{[]byte("original")}}, dir)
	require.NoError(t, err)
	_, err = c.RoundTrip(context.Background(), nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var name string
	for _, e := range entries {
		if e.Name() != IndexFile {
			name = e.Name()
		}
	}
	require.NotEmpty(t, name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), zstdEncoder.EncodeAll([]byte("tampered"), nil), 0o600))

	r, err := NewReplay(dir)
	require.NoError(t, err)
	_, err = r.RoundTrip(context.Background(), nil)
	assert.ErrorIs(t, err, ErrCaptureCorrupt)
}
