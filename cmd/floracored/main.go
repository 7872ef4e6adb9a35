// Command floracored is the edge daemon. It records local profile
// mutations into a durable outbox, runs the background sync worker against
// the hub, and serves resolution and status queries on a local listener.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"floracore/internal/config"
	"floracore/internal/core"
	"floracore/internal/infra/persistence/memory"
	"floracore/internal/infra/persistence/sqlite"
	floracsync "floracore/internal/sync"
	"floracore/internal/transport/httpapi"
	"floracore/pkg/domain"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	deviceID := flag.String("device", "", "override device id")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, *deviceID, logger); err != nil {
		logger.Error("floracored exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath, deviceOverride string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if deviceOverride != "" {
		cfg.DeviceID = deviceOverride
	}
	if cfg.DeviceID == "" {
		return fmt.Errorf("device id required (flag -device, config, or FLORACORE_DEVICE_ID)")
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	service, err := core.NewService(store, core.Options{
		DeviceID: cfg.DeviceID,
		TenantID: cfg.TenantID,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var worker *floracsync.Worker
	if cfg.Sync.HubURL != "" {
		client, err := httpapi.NewClient(httpapi.ClientConfig{
			BaseURL:  strings.TrimSuffix(cfg.Sync.HubURL, "/"),
			Token:    cfg.Sync.Token,
			TenantID: cfg.TenantID,
			Compress: cfg.Sync.Compress,
		})
		if err != nil {
			return err
		}
		worker = floracsync.NewWorker(service, client, floracsync.Config{
			DeviceID:     cfg.DeviceID,
			Interval:     cfg.Sync.Interval.Std(),
			BatchSize:    cfg.Sync.BatchSize,
			RetryBackoff: cfg.Sync.RetryBackoff.Std(),
			MaxBackoff:   cfg.Sync.MaxBackoff.Std(),
			MaxRetries:   cfg.Sync.MaxRetries,
		}, logger)
		go func() {
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("sync worker stopped", "error", err)
			}
		}()
		logger.Info("sync worker started", "hub", cfg.Sync.HubURL, "interval", cfg.Sync.Interval.Std())
	} else {
		logger.Warn("no hub configured, running offline only")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", httpapi.Healthz)
	mux.HandleFunc("/resolve/", func(w http.ResponseWriter, r *http.Request) {
		handleResolve(w, r, service, cfg.Resolver)
	})
	mux.HandleFunc("/sync/status", func(w http.ResponseWriter, _ *http.Request) {
		status := domain.SyncStatus{}
		if worker != nil {
			status = worker.Status()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

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

	logger.Info("floracored listening", "addr", cfg.Server.Addr, "device", cfg.DeviceID)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openStore(cfg config.Config) (domain.Store, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return memory.NewStore(), func() {}, nil
	case "sqlite":
		store, err := sqlite.NewStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported edge store driver %q", cfg.Store.Driver)
	}
}

func handleResolve(w http.ResponseWriter, r *http.Request, service *core.Service, res config.Resolution) {
	entityID := strings.TrimPrefix(r.URL.Path, "/resolve/")
	if entityID == "" {
		http.Error(w, "entity id required", http.StatusBadRequest)
		return
	}
	var paths []string
	if raw := r.URL.Query().Get("paths"); raw != "" {
		paths = strings.Split(raw, ",")
	}
	opts := domain.ResolveOptions{
		IncludeOverlay:       r.URL.Query().Get("overlay") == "true",
		IncludeAlternatives:  r.URL.Query().Get("alternatives") == "true",
		AllowComputedOverlay: res.AllowComputedOverlay,
		AllowPartialLineage:  res.AllowPartialLineage,
	}
	fields, err := service.Resolve(r.Context(), entityID, paths, opts)
	if err != nil {
		status := http.StatusInternalServerError
		var notFound domain.ErrNotFound
		var dangling domain.DanglingParentError
		if errors.As(err, &notFound) {
			status = http.StatusNotFound
		} else if errors.As(err, &dangling) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(fields)
}
