// Package app wires configuration, logging, storage, the hub, and
// the HTTP surface into a running server process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	server "mosaic/server"
	netx "mosaic/server/internal/net"
	"mosaic/server/logging"
	"mosaic/server/logging/sinks"
	"mosaic/server/recorder"
)

// Run starts the server and blocks until ctx is cancelled, then
// shuts everything down in dependency order.
func Run(ctx context.Context, cfg server.Config) error {
	logRouter, err := buildLogging(cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = logRouter.Close(shutdownCtx)
	}()

	store, cleanup, err := BuildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	rec := recorder.New(store, recorder.Config{})
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rec.Close(drainCtx)
	}()

	registry := prometheus.NewRegistry()
	metrics := server.NewMetrics(registry)

	hub := server.NewHub(cfg.HubConfig(), rec, logRouter, metrics)
	go hub.RunTimeoutLoop(ctx)

	handler := netx.NewRouter(netx.Deps{
		Hub:       hub,
		Store:     store,
		Publisher: logRouter,
		Gatherer:  registry,
		StaticDir: cfg.StaticDir,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildLogging(cfg server.Config) (*logging.Router, error) {
	logCfg := logging.DefaultConfig()
	if len(cfg.LogSinks) > 0 {
		logCfg.EnabledSinks = cfg.LogSinks
	}
	if sev, ok := logging.ParseSeverity(cfg.LogSeverity); ok {
		logCfg.MinimumSeverity = sev
	}

	var named []logging.NamedSink
	if logCfg.HasSink("console") {
		named = append(named, logging.NamedSink{
			Name: "console",
			Sink: sinks.NewConsoleSink(os.Stdout, logCfg.Console),
		})
	}
	if logCfg.HasSink("json") {
		out := os.Stdout
		if path := logCfg.JSON.FilePath; path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("app: open log file: %w", err)
			}
			out = f
		}
		named = append(named, logging.NamedSink{
			Name: "json",
			Sink: sinks.NewJSON(out, logCfg.JSON.FlushInterval),
		})
	}

	return logging.NewRouter(logging.ClockFunc(time.Now), logCfg, named)
}

// BuildStore selects the recording backend from configuration. The
// returned cleanup releases client connections, not recorded data.
func BuildStore(ctx context.Context, cfg server.Config) (recorder.Store, func(), error) {
	switch cfg.StoreBackend {
	case server.StoreMemory:
		return recorder.NewMemoryStore(), func() {}, nil

	case server.StoreFile:
		store, err := recorder.NewFileStore(cfg.RecordDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil

	case server.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("app: parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("app: redis ping: %w", err)
		}
		return recorder.NewRedisStore(client, ""), func() { _ = client.Close() }, nil

	case server.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("app: postgres pool: %w", err)
		}
		store, err := recorder.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("app: unknown store backend %q", cfg.StoreBackend)
	}
}
