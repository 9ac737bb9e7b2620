// cmd/voicemirror/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/keshon/voicemirror/internal/bridge"
	"github.com/keshon/voicemirror/internal/config"
	"github.com/keshon/voicemirror/internal/logging"
	"github.com/keshon/voicemirror/internal/mirror"
	"github.com/keshon/voicemirror/internal/session"
	"github.com/keshon/voicemirror/internal/storage"
	v "github.com/keshon/voicemirror/internal/version"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code once every deferred close has run.
func run() int {
	cfg, err := config.New()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return 1
	}

	closer := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	defer closer.Close()

	log.Info().Str("module", "main").Str("version", v.Version).Str("rpc", cfg.RPCAddr()).Msgf("Starting %v...", v.AppName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(cfg.StoragePath)
	if err != nil {
		log.Error().Str("module", "main").Err(err).Msg("failed to open storage")
		return 1
	}
	defer store.Close()

	m := mirror.New(cfg, store,
		mirror.WithSink(bridge.NewWriterSink(os.Stdout)),
		mirror.WithCommands(os.Stdin),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Run(ctx)
		close(errCh)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case s := <-sig:
		log.Info().Str("module", "main").Str("signal", s.String()).Msg("shutting down")
		cancel()
		runErr = <-errCh
	case runErr = <-errCh:
	}

	code := exitCode(runErr)
	if code == 0 {
		log.Info().Str("module", "main").Msg("voicemirror exited cleanly")
	}
	return code
}

// exitCode logs a fatal run error and maps it to a process status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var cfgErr *session.ConfigurationError
	if errors.As(err, &cfgErr) {
		log.Error().Str("module", "main").Strs("missing", cfgErr.Missing).Msg("set the missing variables and restart")
	} else {
		log.Error().Str("module", "main").Err(err).Msg("mirror stopped")
	}
	return 1
}
