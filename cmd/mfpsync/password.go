package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/mfpsync/internal/config"
	"github.com/danmuck/mfpsync/internal/protocol/session"
	"golang.org/x/term"
)

const envPassword = "MFPSYNC_PASSWORD"

// Replay never logs in for real, so any non-empty credentials do.
const replayCredential = "replay"

var errNoTerminal = errors.New("no terminal available for password prompt (use --password-file or $" + envPassword + ")")

func credentials(cfg config.Config, passwordFile string, e env) (session.Credentials, error) {
	creds := session.Credentials{Username: cfg.Username}
	if cfg.ReplayDir != "" {
		if creds.Username == "" {
			creds.Username = replayCredential
		}
		creds.Password = replayCredential
		return creds, nil
	}
	if creds.Username == "" {
		return session.Credentials{}, session.ErrMissingUsername
	}
	password, err := readPassword(passwordFile, e)
	if err != nil {
		return session.Credentials{}, err
	}
	creds.Password = password
	return creds, creds.Validate()
}

// readPassword tries the password file, then the environment, then an
// interactive no-echo prompt.
func readPassword(path string, e env) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	if v := e.getenv(envPassword); v != "" {
		return v, nil
	}
	if e.stdin == nil {
		return "", errNoTerminal
	}
	fd := int(e.stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprint(e.stderr, "Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(e.stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}
