package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/statline/statline/collector"
	"github.com/statline/statline/config"
	"github.com/statline/statline/ingest"
	"github.com/statline/statline/ledger"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	store, err := ledger.Open(cfg.DBPath, ledger.Options{
		SessionSearchDepth: cfg.SessionSearchDepth,
	})
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	pipeline := ingest.NewPipeline(store, store, logger)
	server := collector.NewServer(cfg, store, pipeline, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}
