package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/mfpsync/internal/config"
	"github.com/danmuck/mfpsync/internal/output"
	"github.com/danmuck/mfpsync/internal/syncer"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

type flags struct {
	configPath   string
	writeConfig  string
	overwrite    bool
	username     string
	passwordFile string
	deviceID     string
	endpoint     string
	caFile       string
	insecure     bool
	marker       string
	policy       string
	strict       bool
	format       string
	captureDir   string
	replayDir    string
	metricsFile  string
	maxAttempts  int
	logLevel     string
}

func (f *flags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "path to a TOML config file")
	fs.StringVar(&f.writeConfig, "write-config", "", "write a starter config to this path and exit")
	fs.BoolVar(&f.overwrite, "force", false, "allow --write-config to replace an existing file")
	fs.StringVarP(&f.username, "username", "u", "", "account username")
	fs.StringVar(&f.passwordFile, "password-file", "", "read the password from this file (default: $"+envPassword+" or prompt)")
	fs.StringVar(&f.deviceID, "device-id", "", "device uuid sent with every request (default: random)")
	fs.StringVar(&f.endpoint, "endpoint", "", "sync endpoint URL")
	fs.StringVar(&f.caFile, "ca-file", "", "PEM bundle trusted for the endpoint")
	fs.BoolVar(&f.insecure, "insecure-skip-verify", false, "skip TLS verification (https only)")
	fs.StringVar(&f.marker, "marker", "", "resume from a marker printed by an earlier run")
	fs.StringVar(&f.policy, "schema-errors", "", "schema error policy: report or abort")
	fs.BoolVar(&f.strict, "strict", false, "abort on the first schema error and exit 5")
	fs.StringVarP(&f.format, "format", "o", "", "output format: json, yaml or cbor")
	fs.StringVar(&f.captureDir, "capture", "", "record raw responses into this directory")
	fs.StringVar(&f.replayDir, "replay", "", "serve responses recorded by --capture instead of the network")
	fs.StringVar(&f.metricsFile, "metrics-textfile", "", "write prometheus metrics to this file when done")
	fs.IntVar(&f.maxAttempts, "max-attempts", 0, "attempts per request on temporary transport errors")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: trace, debug, info, warn, error or off")
}

// resolve layers defaults, the config file, then explicitly set flags.
func (f *flags) resolve(fs *pflag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	var err error
	if fs.Changed("username") {
		cfg.Username = strings.TrimSpace(f.username)
	}
	if fs.Changed("device-id") {
		if cfg.DeviceID, err = uuid.Parse(strings.TrimSpace(f.deviceID)); err != nil {
			return config.Config{}, fmt.Errorf("parse --device-id: %w", err)
		}
	}
	if fs.Changed("endpoint") {
		cfg.HTTP.Endpoint = strings.TrimSpace(f.endpoint)
	}
	if fs.Changed("ca-file") {
		cfg.HTTP.TLS.CAFile = strings.TrimSpace(f.caFile)
	}
	if fs.Changed("insecure-skip-verify") {
		cfg.HTTP.TLS.InsecureSkipVerify = f.insecure
	}
	if fs.Changed("marker") {
		cfg.StartMarker = f.marker
	}
	if fs.Changed("schema-errors") {
		if cfg.Policy, err = syncer.ParsePolicy(f.policy); err != nil {
			return config.Config{}, err
		}
	}
	if f.strict {
		cfg.Policy = syncer.PolicyAbort
	}
	if fs.Changed("format") {
		if cfg.Format, err = output.ParseFormat(f.format); err != nil {
			return config.Config{}, err
		}
	}
	if fs.Changed("capture") {
		cfg.CaptureDir = strings.TrimSpace(f.captureDir)
	}
	if fs.Changed("replay") {
		cfg.ReplayDir = strings.TrimSpace(f.replayDir)
	}
	if fs.Changed("metrics-textfile") {
		cfg.MetricsTextfile = strings.TrimSpace(f.metricsFile)
	}
	if fs.Changed("max-attempts") {
		cfg.Session.Retry.MaxAttempts = f.maxAttempts
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
