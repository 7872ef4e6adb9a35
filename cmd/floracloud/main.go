// Command floracloud is the hub. It accepts event batches from edge
// devices, validates and merges them into the canonical store, serves the
// shared log for pulls, and optionally archives accepted batches to S3.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"floracore/internal/config"
	"floracore/internal/core"
	blobs3 "floracore/internal/infra/blob/s3"
	"floracore/internal/infra/persistence/memory"
	"floracore/internal/infra/persistence/postgres"
	"floracore/internal/transport/httpapi"
	"floracore/pkg/domain"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("floracloud exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	service, err := core.NewService(store, core.Options{
		DeviceID: "hub",
		TenantID: cfg.TenantID,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := httpapi.NewHandler(service, cfg.Server.Token)
	if cfg.Archive.Enabled {
		archive, err := blobs3.New(ctx, blobs3.Config{
			Bucket:   cfg.Archive.Bucket,
			Region:   cfg.Archive.Region,
			Endpoint: cfg.Archive.Endpoint,
		})
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		handler.OnAccepted = func(ctx context.Context, tenantID string, events []domain.SyncEvent) {
			key, err := archive.ArchiveBatch(ctx, tenantID, events)
			if err != nil {
				logger.Warn("archive batch failed", "tenant", tenantID, "error", err)
				return
			}
			logger.Debug("archived batch", "key", key, "events", len(events))
		}
		logger.Info("event archive enabled", "bucket", cfg.Archive.Bucket)
	}

	mux := httpapi.NewMux(handler)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("floracloud listening", "addr", cfg.Server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openStore(cfg config.Config) (domain.Store, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return memory.NewStore(), func() {}, nil
	case "postgres":
		store, err := postgres.NewStore(cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported hub store driver %q", cfg.Store.Driver)
	}
}
