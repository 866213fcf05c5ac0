// Command relay runs the room relay and its HTTP side server.
//
// Configuration comes from the environment:
//
//	PORT              relay port (default 8080)
//	RELAY_HOST        relay bind host (default 0.0.0.0)
//	HTTP_ADDR         HTTP listen address (default :5000)
//	LOG_LEVEL         zerolog level (default info)
//	LOG_FORMAT        json or console (default json)
//	LOG_FILE          also append logs to this file
//	HISTORY_SIZE      messages replayed to joiners per room (default 0)
//	IDLE_TIMEOUT      drop silent clients after this long (default off)
//	WRITE_TIMEOUT     per-frame send deadline (default 5s)
//	TCP_USER_TIMEOUT  TCP_USER_TIMEOUT for relay sockets (default off)
//	MAX_FRAME_BYTES   inbound frame payload cap (default 32 MiB)
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/coregx/relay/httpapi"
	"github.com/coregx/relay/relay"
	"github.com/coregx/relay/room"
	"github.com/coregx/relay/sse"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feed := sse.NewFeed(&logger)
	go feed.Run()

	reg := room.NewRegistry(&room.Options{
		Logger:      &logger,
		Observer:    feed,
		HistorySize: cfg.HistorySize,
	})
	srv := relay.NewServer(&relay.Options{
		Logger:          &logger,
		Registry:        reg,
		IdleTimeout:     cfg.IdleTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxFramePayload: cfg.MaxFrameBytes,
		TCPUserTimeout:  cfg.TCPUserTimeout,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewHandler(reg, &httpapi.Options{Logger: &logger, Feed: feed}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(cfg.relayAddr()); !errors.Is(err, relay.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case runErr = <-errc:
		logger.Error().Err(runErr).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Ending the presence streams first lets the HTTP server drain.
	_ = feed.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("relay shutdown")
	}
	return runErr
}

// newLogger builds the process logger: JSON or console output on stderr,
// duplicated to cfg.LogFile when set.
func newLogger(cfg config) (zerolog.Logger, func(), error) {
	var out io.Writer = os.Stderr
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	closeFn := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closeFn, fmt.Errorf("open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		closeFn = func() { _ = f.Close() }
	}

	logger := zerolog.New(out).Level(cfg.LogLevel).With().Timestamp().Logger()
	return logger, closeFn, nil
}
