package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/slotstack/slotstack/internal/backend"
	"github.com/slotstack/slotstack/internal/config"
	"github.com/slotstack/slotstack/internal/document"
	"github.com/slotstack/slotstack/internal/metrics"
	"github.com/slotstack/slotstack/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "slotstack",
		Short: "slotstack - slot-chunked document store over a key-value backend",
		Long: `slotstack stores one atomically-replaced JSON document across fixed-size
slots of a key-value backend, with optional compression and staleness
detection between instances sharing that backend.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "Data directory for persistent backends")
	rootCmd.PersistentFlags().StringP("listen", "l", ":8090", "Listen address")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("backend", "b", "memory", "Backend kind (memory, badger, pebble)")
	rootCmd.PersistentFlags().StringP("compression", "", "none", "Compression algorithm (none, gzip, zstd)")
	rootCmd.PersistentFlags().IntP("slot-count", "", 256, "Number of slots")
	rootCmd.PersistentFlags().IntP("slot-size", "", 1024, "Slot size in bytes")

	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogging(cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version":  version,
		"commit":   commit,
		"backend":  cfg.Backend.Kind,
		"instance": cfg.InstanceID,
	}).Info("Starting slotstack")

	store, err := backend.New(backend.Config{
		Kind:       cfg.Backend.Kind,
		DataDir:    cfg.DataDir,
		SyncWrites: cfg.Backend.SyncWrites,
		GCEnabled:  cfg.Backend.GCEnabled,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create backend: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enable {
		m = metrics.New()
	}

	opts := document.Options{
		SlotCount:        cfg.Document.SlotCount,
		SlotSize:         cfg.Document.SlotSize,
		Backend:          store,
		Compression:      cfg.Document.Compression,
		CompressionLevel: cfg.Document.CompressionLevel,
		InstanceID:       cfg.InstanceID,
		Logger:           logger,
	}
	// Assign only a non-nil recorder: a nil *metrics.Metrics stored in the
	// interface field would not compare equal to nil inside the engine.
	if m != nil {
		opts.Metrics = m
	}

	engine, err := document.New(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to create document engine: %w", err)
	}
	if m != nil {
		m.SetCapacityBytes(float64(engine.MaxCapacity()))
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logger.Info("Received shutdown signal")
		cancel()
	}()

	srv := server.New(engine, m, logger, cfg.Listen)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("slotstack stopped")
	return nil
}

func setupLogging(level string) *logrus.Logger {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}
