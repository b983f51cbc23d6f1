package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"warden/cmd/internal/opstore"
)

// Service is the cleanup orchestrator.
//
// RunCleanup is safe to invoke from a recurring trigger indefinitely: a
// failing phase is caught, logged, and recorded, and never halts the run
// or the next one. It is NOT safe against concurrent invocations of
// itself; Host serializes runs in-process, and deployments running
// several replicas against one store stay correct through the store's
// conflict detection (an external single-flight lock only reduces the
// redundant query traffic).
type Service struct {
	cfg     Config
	store   opstore.JanitorStore
	log     *slog.Logger
	notify  Notification
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures optional Service collaborators.
type Option func(*Service) error

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log == nil {
			return errors.New("cleanup: nil logger")
		}
		s.log = log
		return nil
	}
}

// WithNotification installs the sink told about confirmed deletions.
func WithNotification(n Notification) Option {
	return func(s *Service) error {
		if n == nil {
			return errors.New("cleanup: nil notification")
		}
		s.notify = n
		return nil
	}
}

// WithMetrics instruments the service.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithClock overrides the time source. Tests use this to control
// eligibility cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return errors.New("cleanup: nil clock")
		}
		s.now = now
		return nil
	}
}

// NewService constructs the janitor over the given store. Configuration
// is validated here: a batch size below 1 fails with ErrConfig.
func NewService(cfg Config, store opstore.JanitorStore, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("cleanup: nil store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		store:  store,
		log:    slog.Default(),
		notify: NoopNotification{},
		tracer: otel.Tracer("warden/cleanup"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RunCleanup performs one full pass: expired grants, consumed grants
// (when enabled), then expired device codes. Phases run sequentially and
// independently; a phase's error is recorded on the Report and the later
// phases still run. The method always completes normally.
func (s *Service) RunCleanup(ctx context.Context) Report {
	runID := ulid.Make().String()
	log := s.log.With("run_id", runID)
	start := s.now()

	ctx, span := s.tracer.Start(ctx, "cleanup.run",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	log.Info("cleanup.run.start",
		"batch_size", s.cfg.BatchSize,
		"remove_consumed", s.cfg.RemoveConsumedGrants,
	)

	rep := Report{RunID: runID, Start: start}

	rep.ExpiredGrants = runPhase(ctx, s, log, s.expiredGrantSweep())
	if s.cfg.RemoveConsumedGrants {
		rep.ConsumedGrants = runPhase(ctx, s, log, s.consumedGrantSweep())
	} else {
		rep.ConsumedGrants = SweepResult{Kind: KindConsumedGrant}
	}
	rep.DeviceCodes = runPhase(ctx, s, log, s.deviceCodeSweep())

	rep.Finish = s.now()
	s.metrics.observeRun(rep.Finish.Sub(rep.Start))
	span.SetAttributes(attribute.Int("removed", rep.TotalRemoved()))

	log.Info("cleanup.run.done",
		"removed", rep.TotalRemoved(),
		"duration", rep.Finish.Sub(rep.Start).String(),
		"failed", rep.Failed(),
	)
	return rep
}

// runPhase executes one sweep, converting its error into log output and
// report state so the orchestrator's contract (never raise) holds.
//
// A free function because methods cannot introduce type parameters.
func runPhase[R any](ctx context.Context, s *Service, log *slog.Logger, sw sweep[R]) SweepResult {
	ctx, span := s.tracer.Start(ctx, "cleanup.sweep",
		trace.WithAttributes(attribute.String("kind", sw.kind)))
	defer span.End()

	res, err := sw.run(ctx, log, s.cfg.BatchSize, s.now)
	if err != nil {
		res.Err = err
		log.Error("cleanup.sweep.failed", "kind", sw.kind, "error", err)
	} else {
		log.Info("cleanup.sweep.done",
			"kind", sw.kind,
			"removed", res.Removed,
			"batches", res.Batches,
			"conflicts", res.Conflicts,
			"abandoned", res.Abandoned,
		)
	}

	span.SetAttributes(
		attribute.Int("removed", res.Removed),
		attribute.Int("batches", res.Batches),
		attribute.Int("conflicts", res.Conflicts),
	)
	s.metrics.observeSweep(res)
	return res
}

func (s *Service) expiredGrantSweep() sweep[opstore.Grant] {
	return sweep[opstore.Grant]{
		kind:   KindExpiredGrant,
		fetch:  s.store.QueryExpiredGrants,
		delete: s.store.DeleteGrants,
		key:    func(g opstore.Grant) string { return g.Key },
		notify: s.notify.GrantsRemoved,
	}
}

func (s *Service) consumedGrantSweep() sweep[opstore.Grant] {
	return sweep[opstore.Grant]{
		kind:   KindConsumedGrant,
		fetch:  s.store.QueryConsumedGrants,
		delete: s.store.DeleteGrants,
		key:    func(g opstore.Grant) string { return g.Key },
		notify: s.notify.GrantsRemoved,
	}
}

func (s *Service) deviceCodeSweep() sweep[opstore.DeviceCode] {
	return sweep[opstore.DeviceCode]{
		kind:   KindDeviceCode,
		fetch:  s.store.QueryExpiredDeviceCodes,
		delete: s.store.DeleteDeviceCodes,
		key:    func(dc opstore.DeviceCode) string { return dc.DeviceCode },
		notify: s.notify.DeviceCodesRemoved,
	}
}
