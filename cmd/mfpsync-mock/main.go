package main

import (
	"fmt"
	"os"

	"github.com/danmuck/mfpsync/internal/logging"
	"github.com/danmuck/mfpsync/internal/testutil/mockserver"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

// mfpsync-mock serves generated demo data over the sync protocol so the
// client can be tried without an account.
func main() {
	logging.ConfigureRuntime()

	fs := pflag.NewFlagSet("mfpsync-mock", pflag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:8088", "listen address")
	username := fs.String("username", "demo", "accepted username")
	password := fs.String("password", "demo", "accepted password")
	pages := fs.Int("pages", 3, "pages of demo records")
	perPage := fs.Int("per-page", 5, "records per page")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "mfpsync-mock: %v\n", err)
		os.Exit(1)
	}
	if *pages < 1 || *perPage < 0 {
		fmt.Fprintln(os.Stderr, "mfpsync-mock: --pages must be >= 1 and --per-page >= 0")
		os.Exit(1)
	}

	srv := mockserver.New(mockserver.Options{Username: *username, Password: *password})
	srv.ScriptDemo(*pages, *perPage)
	log.Info().
		Str("addr", *addr).
		Str("endpoint", "http://"+*addr+mockserver.SyncPath).
		Int("pages", *pages).
		Msg("mock sync server started")
	if err := srv.Serve(*addr); err != nil {
		log.Fatal().Err(err).Msg("mock sync server stopped")
	}
}
