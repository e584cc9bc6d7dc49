package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/mfpsync/internal/config"
	"github.com/danmuck/mfpsync/internal/logging"
	"github.com/danmuck/mfpsync/internal/observability"
	"github.com/danmuck/mfpsync/internal/output"
	"github.com/danmuck/mfpsync/internal/protocol/schema"
	"github.com/danmuck/mfpsync/internal/protocol/session"
	"github.com/danmuck/mfpsync/internal/syncer"
	"github.com/danmuck/mfpsync/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

// env is the process surface run depends on, swapped out in tests.
type env struct {
	stdin  *os.File
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], env{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		getenv: os.Getenv,
	})
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, e env) int {
	logging.ConfigureRuntime()

	fs := pflag.NewFlagSet("mfpsync", pflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var f flags
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(e.stderr, "mfpsync: %v\n", err)
		return exitGeneric
	}
	if f.logLevel != "" {
		lvl, ok := logging.ParseLevel(f.logLevel)
		if !ok {
			fmt.Fprintf(e.stderr, "mfpsync: unknown log level %q\n", f.logLevel)
			return exitGeneric
		}
		cfg := logging.DefaultConfig(logging.ProfileRuntime)
		logging.ApplyEnvOverrides(&cfg)
		cfg.Level = lvl
		logging.Apply(cfg)
	}

	if f.writeConfig != "" {
		if err := config.WriteTemplate(f.writeConfig, f.overwrite); err != nil {
			fmt.Fprintf(e.stderr, "mfpsync: %v\n", err)
			return exitGeneric
		}
		fmt.Fprintf(e.stderr, "wrote %s\n", f.writeConfig)
		return exitOK
	}

	cfg, err := f.resolve(fs)
	if err != nil {
		fmt.Fprintf(e.stderr, "mfpsync: %v\n", err)
		return exitGeneric
	}
	creds, err := credentials(cfg, f.passwordFile, e)
	if err != nil {
		fmt.Fprintf(e.stderr, "mfpsync: %v\n", err)
		return exitGeneric
	}

	err = syncOnce(ctx, cfg, creds, e.stdout)
	code := exitCode(err)
	if err != nil {
		fmt.Fprintf(e.stderr, "mfpsync: %v\n", err)
	}
	return code
}

func syncOnce(ctx context.Context, cfg config.Config, creds session.Credentials, stdout io.Writer) error {
	rt, err := openTransport(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn().Err(err).Msg("transport close failed")
		}
	}()

	sess, err := session.New(creds, cfg.DeviceID)
	if err != nil {
		return err
	}
	enc, err := output.NewEncoder(stdout, cfg.Format)
	if err != nil {
		return err
	}
	s := syncer.New(rt, sess, syncer.Options{
		Config:      cfg.Session,
		Policy:      cfg.Policy,
		StartMarker: cfg.StartMarker,
		Observer:    observability.NewSyncObserver(),
	})

	var runErr error
	for p, err := range s.Packets(ctx) {
		if err != nil {
			var se *schema.SchemaError
			if errors.As(err, &se) && cfg.Policy == syncer.PolicyReport {
				log.Warn().Err(err).Msg("skipping record")
				continue
			}
			runErr = err
			continue
		}
		if err := enc.Encode(p); err != nil {
			runErr = fmt.Errorf("write output: %w", err)
			break
		}
	}
	if err := enc.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("write output: %w", err)
	}

	res := s.Result()
	event := log.Info()
	if res.UpgradeAlert != "" || res.UpgradeURL != "" {
		event = event.Str("upgrade_alert", res.UpgradeAlert).Str("upgrade_url", res.UpgradeURL)
	}
	event.
		Int("requests", res.Requests).
		Int("retries", res.Retries).
		Int("pages", res.Pages).
		Int("packets", res.Packets).
		Int("schema_errors", res.SchemaErrors).
		Str("next_marker", res.Marker).
		Msg("sync finished")

	if cfg.MetricsTextfile != "" {
		if err := observability.WriteTextfile(cfg.MetricsTextfile); err != nil {
			log.Warn().Err(err).Str("path", cfg.MetricsTextfile).Msg("metrics textfile write failed")
		}
	}
	return runErr
}

func openTransport(cfg config.Config) (transport.Transport, error) {
	if cfg.ReplayDir != "" {
		log.Info().Str("dir", cfg.ReplayDir).Msg("replaying captured responses")
		return transport.NewReplay(cfg.ReplayDir)
	}
	h, err := transport.NewHTTP(cfg.HTTP)
	if err != nil {
		return nil, err
	}
	if cfg.CaptureDir == "" {
		return h, nil
	}
	c, err := transport.NewCapture(h, cfg.CaptureDir)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	log.Info().Str("dir", cfg.CaptureDir).Msg("capturing responses")
	return c, nil
}
