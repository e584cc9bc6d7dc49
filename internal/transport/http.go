package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultEndpoint  = "https://www.myfitnesspal.com/iphone_api/synchronize"
	DefaultUserAgent = "Dalvik/1.6.0 (Linux; U; Android 4.4.2; sdk Build/KK)"

	// Multipart part carrying the encoded request.
	FormField    = "syncdata"
	FormFileName = "syncdata.dat"
)

var (
	ErrEndpointRequired        = errors.New("transport: endpoint required")
	ErrInvalidEndpoint         = errors.New("transport: invalid endpoint")
	ErrTLSInsecureSkipNotAllow = errors.New("transport: insecure skip verify needs https")
)

// TLSConfig selects the trust roots for https endpoints.
type TLSConfig struct {
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// HTTPConfig configures the multipart POST transport.
type HTTPConfig struct {
	Endpoint         string
	UserAgent        string
	ConnectTimeout   time.Duration
	ResponseTimeout  time.Duration
	MaxResponseBytes int64
	TLS              TLSConfig
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Endpoint:         DefaultEndpoint,
		UserAgent:        DefaultUserAgent,
		ConnectTimeout:   10 * time.Second,
		ResponseTimeout:  60 * time.Second,
		MaxResponseBytes: 256 * 1024 * 1024,
	}
}

func (c HTTPConfig) Validate() error {
	raw := strings.TrimSpace(c.Endpoint)
	if raw == "" {
		return ErrEndpointRequired
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
	}
	if c.TLS.InsecureSkipVerify && u.Scheme != "https" {
		return ErrTLSInsecureSkipNotAllow
	}
	return nil
}

// HTTP posts each request as multipart/form-data, the framing the legacy
// endpoint expects, and returns the raw response body.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	closed atomic.Bool
}

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	def := DefaultHTTPConfig()
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = def.MaxResponseBytes
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tlsCfg, err := clientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	rt := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
		MaxIdleConns:          2,
		IdleConnTimeout:       90 * time.Second,
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Transport: rt},
	}, nil
}

func clientTLSConfig(c TLSConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
		ServerName:         strings.TrimSpace(c.ServerName),
	}
	if caPath := strings.TrimSpace(c.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// MultipartBody wraps data in the single-file form the endpoint expects and
// returns the body with its content type.
func MultipartBody(data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(FormField, FormFileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (h *HTTP) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	if h.closed.Load() {
		return nil, &TransportError{Op: "post", Err: ErrClosed}
	}
	body, contentType, err := MultipartBody(request)
	if err != nil {
		return nil, &TransportError{Op: "encode", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "post", Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", h.cfg.UserAgent)

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, NewError("post", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		log.Debug().Int("status", resp.StatusCode).Str("endpoint", h.cfg.Endpoint).Msg("sync post rejected")
		return nil, StatusError("post", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, NewError("read", err)
	}
	if int64(len(data)) > h.cfg.MaxResponseBytes {
		return nil, &TransportError{Op: "read", Err: ErrResponseTooLarge}
	}
	log.Debug().
		Int("request_bytes", len(request)).
		Int("response_bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("sync post")
	return data, nil
}

func (h *HTTP) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.client.CloseIdleConnections()
	return nil
}
