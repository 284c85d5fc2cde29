// flowd runs the workflow engine as a long-lived daemon: it opens the
// store, wires the service facade and keeps the background loops (signal
// drain, SLA scan, webhook delivery) running until SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aquenix/flowstate/internal/engine"
	"github.com/aquenix/flowstate/internal/logging"
	"github.com/aquenix/flowstate/internal/sla"
	"github.com/aquenix/flowstate/internal/webhook"
	"github.com/aquenix/flowstate/pkg/flow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	svc, err := flow.New(flow.Config{
		DBPath: "file:" + cfg.DBPath,
		Logger: logger,
		Engine: engine.Config{},
		SLA: sla.Config{
			Interval: duration(cfg.SLAInterval, 30*time.Second),
			Schedule: cfg.SLASchedule,
		},
		Webhook: webhook.Config{
			Workers: cfg.PoolSize,
			Retry:   webhook.RetryPolicy{MaxAttempts: cfg.DeliveryRetries},
		},
		SignalInterval: duration(cfg.SignalInterval, 2*time.Second),
		SignalBatch:    cfg.SignalBatch,
	})
	if err != nil {
		return fmt.Errorf("wire service: %w", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	logger.Info("flowd started", "db_path", cfg.DBPath)

	<-ctx.Done()
	logger.Info("shutting down")
	svc.Stop()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
