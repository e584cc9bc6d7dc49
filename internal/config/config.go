package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/mfpsync/internal/output"
	"github.com/danmuck/mfpsync/internal/protocol/session"
	"github.com/danmuck/mfpsync/internal/syncer"
	"github.com/danmuck/mfpsync/internal/transport"
	"github.com/google/uuid"
)

var (
	ErrCaptureAndReplay = errors.New("config: capture_dir and replay_dir are exclusive")
	ErrMaxAttempts      = errors.New("config: retry.max_attempts must be positive")
)

// Config is the resolved client configuration. Passwords never live here.
type Config struct {
	Username        string
	DeviceID        uuid.UUID
	StartMarker     string
	Policy          syncer.Policy
	Session         session.Config
	HTTP            transport.HTTPConfig
	Format          output.Format
	CaptureDir      string
	ReplayDir       string
	MetricsTextfile string
}

func Default() Config {
	return Config{
		Policy:  syncer.PolicyReport,
		Session: session.DefaultConfig(),
		HTTP:    transport.DefaultHTTPConfig(),
		Format:  output.FormatJSON,
	}
}

type fileConfig struct {
	Username          string     `toml:"username"`
	DeviceID          string     `toml:"device_id"`
	StartMarker       string     `toml:"start_marker"`
	SchemaErrorPolicy string     `toml:"schema_error_policy"`
	APIVersion        int64      `toml:"api_version"`
	ClientRevision    int64      `toml:"client_revision"`
	HTTP              httpFile   `toml:"http"`
	Retry             retryFile  `toml:"retry"`
	TLS               tlsFile    `toml:"tls"`
	Output            outputFile `toml:"output"`
}

type httpFile struct {
	Endpoint         string `toml:"endpoint"`
	UserAgent        string `toml:"user_agent"`
	ConnectTimeout   string `toml:"connect_timeout"`
	ResponseTimeout  string `toml:"response_timeout"`
	RequestTimeout   string `toml:"request_timeout"`
	MaxResponseBytes int64  `toml:"max_response_bytes"`
	MaxEnvelopeBytes uint32 `toml:"max_envelope_bytes"`
}

type retryFile struct {
	MaxAttempts  int     `toml:"max_attempts"`
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

type tlsFile struct {
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type outputFile struct {
	Format          string `toml:"format"`
	CaptureDir      string `toml:"capture_dir"`
	ReplayDir       string `toml:"replay_dir"`
	MetricsTextfile string `toml:"metrics_textfile"`
}

// Load reads a TOML file over Default. Keys absent from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("username") {
		cfg.Username = strings.TrimSpace(raw.Username)
	}
	if meta.IsDefined("device_id") {
		if cfg.DeviceID, err = parseDeviceID(raw.DeviceID); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("start_marker") {
		cfg.StartMarker = raw.StartMarker
	}
	if meta.IsDefined("schema_error_policy") {
		if cfg.Policy, err = syncer.ParsePolicy(raw.SchemaErrorPolicy); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("api_version") {
		cfg.Session.APIVersion = raw.APIVersion
	}
	if meta.IsDefined("client_revision") {
		cfg.Session.ClientRevision = raw.ClientRevision
	}

	if meta.IsDefined("http", "endpoint") {
		cfg.HTTP.Endpoint = strings.TrimSpace(raw.HTTP.Endpoint)
	}
	if meta.IsDefined("http", "user_agent") {
		cfg.HTTP.UserAgent = strings.TrimSpace(raw.HTTP.UserAgent)
	}
	if meta.IsDefined("http", "connect_timeout") {
		if cfg.HTTP.ConnectTimeout, err = parseDuration("http.connect_timeout", raw.HTTP.ConnectTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("http", "response_timeout") {
		if cfg.HTTP.ResponseTimeout, err = parseDuration("http.response_timeout", raw.HTTP.ResponseTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("http", "request_timeout") {
		if cfg.Session.RequestTimeout, err = parseDuration("http.request_timeout", raw.HTTP.RequestTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("http", "max_response_bytes") {
		cfg.HTTP.MaxResponseBytes = raw.HTTP.MaxResponseBytes
	}
	if meta.IsDefined("http", "max_envelope_bytes") {
		cfg.Session.MaxEnvelopeBytes = raw.HTTP.MaxEnvelopeBytes
	}

	if meta.IsDefined("retry", "max_attempts") {
		cfg.Session.Retry.MaxAttempts = raw.Retry.MaxAttempts
	}
	if meta.IsDefined("retry", "initial_delay") {
		if cfg.Session.Retry.Backoff.InitialDelay, err = parseDuration("retry.initial_delay", raw.Retry.InitialDelay); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("retry", "multiplier") {
		cfg.Session.Retry.Backoff.Multiplier = raw.Retry.Multiplier
	}
	if meta.IsDefined("retry", "max_delay") {
		if cfg.Session.Retry.Backoff.MaxDelay, err = parseDuration("retry.max_delay", raw.Retry.MaxDelay); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("retry", "jitter") {
		cfg.Session.Retry.Backoff.Jitter = raw.Retry.Jitter
	}

	if meta.IsDefined("tls", "ca_file") {
		cfg.HTTP.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.HTTP.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.HTTP.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}

	if meta.IsDefined("output", "format") {
		if cfg.Format, err = output.ParseFormat(raw.Output.Format); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("output", "capture_dir") {
		cfg.CaptureDir = strings.TrimSpace(raw.Output.CaptureDir)
	}
	if meta.IsDefined("output", "replay_dir") {
		cfg.ReplayDir = strings.TrimSpace(raw.Output.ReplayDir)
	}
	if meta.IsDefined("output", "metrics_textfile") {
		cfg.MetricsTextfile = strings.TrimSpace(raw.Output.MetricsTextfile)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Session.Retry.MaxAttempts <= 0 {
		return ErrMaxAttempts
	}
	if c.CaptureDir != "" && c.ReplayDir != "" {
		return ErrCaptureAndReplay
	}
	if c.ReplayDir != "" {
		return nil
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
