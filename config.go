package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends selectable via MOSAIC_STORE.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config is the process configuration, sourced from the environment
// with an optional .env file underneath.
type Config struct {
	HTTPAddr  string
	StaticDir string

	InactivityTimeout    time.Duration
	TimeoutCheckInterval time.Duration

	StoreBackend string
	RecordDir    string
	RedisURL     string
	PostgresURL  string

	LogSinks    []string
	LogSeverity string
}

// LoadConfig reads MOSAIC_* variables. A .env file in the working
// directory is folded in first when present; real environment
// variables win over it.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:     envOr("MOSAIC_ADDR", ":8080"),
		StaticDir:    envOr("MOSAIC_STATIC_DIR", ""),
		StoreBackend: envOr("MOSAIC_STORE", StoreMemory),
		RecordDir:    envOr("MOSAIC_RECORD_DIR", "recordings"),
		RedisURL:     envOr("MOSAIC_REDIS_URL", ""),
		PostgresURL:  envOr("MOSAIC_POSTGRES_URL", ""),
		LogSeverity:  envOr("MOSAIC_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.InactivityTimeout, err = envDuration("MOSAIC_INACTIVITY_TIMEOUT", defaultInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TimeoutCheckInterval, err = envDuration("MOSAIC_TIMEOUT_CHECK_INTERVAL", defaultTimeoutCheckInterval); err != nil {
		return Config{}, err
	}

	sinks := envOr("MOSAIC_LOG_SINKS", "console")
	for _, s := range strings.Split(sinks, ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.LogSinks = append(cfg.LogSinks, s)
		}
	}

	switch cfg.StoreBackend {
	case StoreMemory, StoreFile:
	case StoreRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("config: MOSAIC_STORE=redis requires MOSAIC_REDIS_URL")
		}
	case StorePostgres:
		if cfg.PostgresURL == "" {
			return Config{}, fmt.Errorf("config: MOSAIC_STORE=postgres requires MOSAIC_POSTGRES_URL")
		}
	default:
		return Config{}, fmt.Errorf("config: unknown MOSAIC_STORE %q", cfg.StoreBackend)
	}

	return cfg, nil
}

// HubConfig projects the hub tunables out of the full config.
func (c Config) HubConfig() HubConfig {
	return HubConfig{
		InactivityTimeout:    c.InactivityTimeout,
		TimeoutCheckInterval: c.TimeoutCheckInterval,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", key)
	}
	return d, nil
}
