package app

import (
	"os"
	"testing"
	"time"
)

// unsetForTest clears key for the duration of the test. t.Setenv("")
// would leave the variable set-but-empty, which env.Parse treats as a
// value rather than an absence.
func unsetForTest(t *testing.T, key string) {
	t.Helper()
	if val, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { _ = os.Setenv(key, val) })
	} else {
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}
	_ = os.Unsetenv(key)
}

func TestLoadConfig_ReadsEnvironment(t *testing.T) {
	t.Setenv("WARDEN_HTTP_ADDR", "127.0.0.1:9443")
	t.Setenv("WARDEN_HTTP_READ_TIMEOUT", "30s")
	t.Setenv("WARDEN_STORE_BACKEND", "sqlite")
	t.Setenv("WARDEN_SQLITE_PATH", "/var/lib/warden/warden.db")
	t.Setenv("WARDEN_DB_MAX_CONNS", "25")
	t.Setenv("WARDEN_CLEANUP_BATCH_SIZE", "250")
	t.Setenv("WARDEN_CLEANUP_REMOVE_CONSUMED", "false")
	t.Setenv("WARDEN_CLEANUP_SCHEDULE", "*/10 * * * *")
	t.Setenv("WARDEN_READINESS_REQUIRE_STORE", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.HTTPAddr != "127.0.0.1:9443" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Fatalf("ReadTimeout = %v", cfg.ReadTimeout)
	}
	if cfg.StoreBackend != "sqlite" || cfg.SQLitePath != "/var/lib/warden/warden.db" {
		t.Fatalf("store backend = %q path = %q", cfg.StoreBackend, cfg.SQLitePath)
	}
	if cfg.DBMaxConns != 25 {
		t.Fatalf("DBMaxConns = %d", cfg.DBMaxConns)
	}
	if !cfg.ReadinessRequireStore {
		t.Fatalf("ReadinessRequireStore = false")
	}

	cc := cfg.CleanupConfig()
	if cc.BatchSize != 250 || cc.RemoveConsumedGrants || cc.Schedule != "*/10 * * * *" {
		t.Fatalf("unexpected cleanup config: %+v", cc)
	}
}

func TestLoadConfig_DefaultsApply(t *testing.T) {
	for _, key := range []string{
		"WARDEN_HTTP_ADDR",
		"WARDEN_LOG_LEVEL",
		"WARDEN_LOG_FORMAT",
		"WARDEN_STORE_BACKEND",
		"WARDEN_CLEANUP_BATCH_SIZE",
		"WARDEN_CLEANUP_REMOVE_CONSUMED",
		"WARDEN_CLEANUP_SCHEDULE",
	} {
		unsetForTest(t, key)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected defaults: addr=%q level=%q format=%q", cfg.HTTPAddr, cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("StoreBackend default = %q", cfg.StoreBackend)
	}
	if cfg.CleanupBatchSize != 100 || !cfg.CleanupRemoveConsumed || cfg.CleanupSchedule != "@every 5m" {
		t.Fatalf("unexpected cleanup defaults: %+v", cfg.CleanupConfig())
	}
}

func TestLoadConfig_RejectsBadDuration(t *testing.T) {
	t.Setenv("WARDEN_HTTP_READ_TIMEOUT", "bananas")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected parse error for bad duration")
	}
}
