// CLAUDE:SUMMARY CLI entry point for the reference stream store — serves the stream API over SQLite.
// Command streamd runs the reference stream store.
//
// Usage:
//
//	streamd -config streamd.yaml
//	streamd -db streams.db -listen :8707
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/streamreg/streamstore"
)

func main() {
	configPath := flag.String("config", "", "path to streamd.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database")
	listen := flag.String("listen", "", "listen address (default :8707)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *listen); err != nil {
		logger.Error("streamd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, listen string) error {
	cfg := &streamstore.Config{}
	if configPath != "" {
		var err error
		if cfg, err = streamstore.LoadConfigFile(configPath); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if listen != "" {
		cfg.Listen = listen
	}

	st, err := streamstore.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer st.Close()
	if cfg.SkipVerify {
		logger.Warn("streamd: signature verification disabled")
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           st.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("streamd: listening", "addr", cfg.Listen, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("streamd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
