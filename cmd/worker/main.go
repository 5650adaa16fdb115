// Package main provides the entry point for the memory worker.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/claude-mem/claude-mem/internal/config"
	"github.com/claude-mem/claude-mem/internal/worker"
)

var Version = "dev"

func main() {
	setupLogging()

	log.Info().
		Str("version", Version).
		Msg("Starting claude-mem worker")

	svc, err := worker.NewService(Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create service")
	}

	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start service")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := svc.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}

	log.Info().Msg("Worker shutdown complete")
}

// setupLogging writes console output to stderr and a daily file under the
// data directory's logs folder.
func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	if err := os.MkdirAll(config.LogsDir(), 0750); err == nil {
		name := "worker-" + time.Now().Format("2006-01-02") + ".log"
		file, err := os.OpenFile(filepath.Join(config.LogsDir(), name),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err == nil {
			writers = append(writers, file)
		}
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(writers...))
}
