package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"warden/cmd/internal/cleanup"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"WARDEN_HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"WARDEN_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"WARDEN_LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"WARDEN_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"WARDEN_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"WARDEN_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"WARDEN_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"WARDEN_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	// StoreBackend selects the operational store: postgres, sqlite, or memory.
	StoreBackend string `env:"WARDEN_STORE_BACKEND" envDefault:"memory"`

	DatabaseURL string `env:"WARDEN_DATABASE_URL"`
	DBMaxConns  int32  `env:"WARDEN_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"WARDEN_DB_MIN_CONNS" envDefault:"0"`

	SQLitePath string `env:"WARDEN_SQLITE_PATH" envDefault:"warden.db"`

	CleanupBatchSize      int    `env:"WARDEN_CLEANUP_BATCH_SIZE" envDefault:"100"`
	CleanupRemoveConsumed bool   `env:"WARDEN_CLEANUP_REMOVE_CONSUMED" envDefault:"true"`
	CleanupSchedule       string `env:"WARDEN_CLEANUP_SCHEDULE" envDefault:"@every 5m"`

	// If true:
	// - /readyz returns 503 unless a durable store backend is configured and reachable.
	ReadinessRequireStore bool `env:"WARDEN_READINESS_REQUIRE_STORE"`

	// Security policy:
	// If true, WARDEN_HANDLE_HMAC_KEY MUST be set (>= 32 bytes) and grant-handle hashing must be HMAC-based.
	RequireHandleHMAC bool `env:"WARDEN_REQUIRE_HANDLE_HMAC"`

	// OTELEndpoint enables OTLP trace export when non-empty.
	OTELEndpoint string `env:"WARDEN_OTEL_ENDPOINT"`
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// CleanupConfig maps app-level settings onto the cleanup subsystem config.
func (c Config) CleanupConfig() cleanup.Config {
	return cleanup.Config{
		BatchSize:            c.CleanupBatchSize,
		RemoveConsumedGrants: c.CleanupRemoveConsumed,
		Schedule:             c.CleanupSchedule,
	}
}
