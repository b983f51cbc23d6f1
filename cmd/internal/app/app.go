// Package app wires the Warden runtime: config, logging, the operational
// store, the cleanup host, and the operational HTTP surface.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"warden/cmd/internal/cleanup"
	"warden/cmd/internal/opsapi"
	"warden/cmd/internal/opstore"
	"warden/cmd/internal/telemetry"
)

// App is the Warden runtime: it owns the store lifecycle, the cleanup
// host, and HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store opstore.Store

	// dbPool is non-nil only for the postgres backend; the app owns its
	// lifecycle, PostgresStore.Close is a no-op.
	dbPool  *pgxpool.Pool
	durable bool

	host *cleanup.Host
	ops  *opsapi.Handler

	metrics *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	store, dbPool, durable, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	closeAll := func() {
		_ = store.Close()
		if dbPool != nil {
			dbPool.Close()
		}
	}

	reg := prometheus.NewRegistry()

	svc, err := cleanup.NewService(cfg.CleanupConfig(), store,
		cleanup.WithLogger(log),
		cleanup.WithMetrics(cleanup.NewMetrics(reg)),
	)
	if err != nil {
		closeAll()
		return nil, err
	}

	host, err := cleanup.NewHost(cfg.CleanupConfig(), svc, log)
	if err != nil {
		closeAll()
		return nil, err
	}

	ops, err := opsapi.NewHandler(log, host)
	if err != nil {
		closeAll()
		return nil, err
	}

	return &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		dbPool:  dbPool,
		durable: durable,
		host:    host,
		ops:     ops,
		metrics: reg,
	}, nil
}

// Run starts the cleanup host and HTTP server and blocks until context
// cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	otelShutdown, err := telemetry.Setup(ctx, "warden", a.cfg.OTELEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			a.log.Error("telemetry.shutdown.fail", "err", err)
		}
	}()

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.durable, a.ops, a.metrics)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithSecurityHeaders(WithRequestLogging(mux, a.log)),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	hostCtx, stopHost := context.WithCancel(ctx)
	defer stopHost()

	hostDone := make(chan struct{})
	go func() {
		defer close(hostDone)
		if err := a.host.Run(hostCtx); err != nil {
			a.log.Error("cleanup.host.fail", "err", err)
		}
	}()

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "backend", a.cfg.StoreBackend)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		stopHost()
		<-hostDone
		a.closeStore()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownErr := srv.Shutdown(shutdownCtx)

	stopHost()
	select {
	case <-hostDone:
	case <-shutdownCtx.Done():
	}

	a.closeStore()

	if shutdownErr != nil {
		a.log.Error("server.shutdown.fail", "err", shutdownErr)
		return shutdownErr
	}

	a.log.Info("server.stopped")
	return nil
}

func (a *App) closeStore() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore selects the operational store backend. Memory is the dev
// default; postgres and sqlite are the durable options.
func newStore(ctx context.Context, cfg Config, log Logger) (opstore.Store, *pgxpool.Pool, bool, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreBackend)) {
	case "", "memory":
		log.Info("store.memory")
		return opstore.NewInMemoryStore(), nil, false, nil

	case "sqlite":
		st, err := opstore.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, false, err
		}
		log.Info("store.sqlite", "path", cfg.SQLitePath)
		return st, nil, true, nil

	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, false, errors.New("store backend postgres requires WARDEN_DATABASE_URL")
		}
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, false, err
		}
		st, err := opstore.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, false, err
		}
		log.Info("store.postgres")
		return st, pool, true, nil

	default:
		return nil, nil, false, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
