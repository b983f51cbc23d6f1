package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Host drives the janitor on a cron cadence and guards it with a
// single-flight gate shared by scheduled ticks and manual triggers.
//
// Overlap protection is in-process only: a tick that fires while a run
// is active is skipped, and TriggerNow returns ErrAlreadyRunning. A
// deployment with several replicas that wants to avoid redundant sweeps
// needs an external lock; the store keeps overlapping sweeps correct
// either way.
type Host struct {
	svc      *Service
	log      *slog.Logger
	schedule cron.Schedule
	spec     string
	now      func() time.Time

	mu      sync.Mutex
	running bool
	last    *Report
}

// NewHost constructs a Host running svc on cfg.Schedule. The schedule is
// parsed here so a bad expression fails at startup, not at the first
// tick. Standard five-field cron expressions and @every descriptors are
// accepted.
func NewHost(cfg Config, svc *Service, log *slog.Logger) (*Host, error) {
	if svc == nil {
		return nil, errors.New("cleanup: nil service")
	}
	if log == nil {
		log = slog.Default()
	}

	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: cleanup schedule %q: %v", ErrConfig, spec, err)
	}

	return &Host{
		svc:      svc,
		log:      log,
		schedule: schedule,
		spec:     spec,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run blocks, executing cleanup at each scheduled instant, until ctx is
// cancelled. A tick overlapping an active run is skipped rather than
// queued.
func (h *Host) Run(ctx context.Context) error {
	h.log.Info("cleanup.host.start", "schedule", h.spec)

	timer := time.NewTimer(time.Until(h.schedule.Next(h.now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("cleanup.host.stop")
			return nil
		case <-timer.C:
			h.runOnce(ctx)
			timer.Reset(time.Until(h.schedule.Next(h.now())))
		}
	}
}

func (h *Host) runOnce(ctx context.Context) {
	if !h.tryBegin() {
		h.log.Debug("cleanup.run.skipped", "reason", "already_running")
		return
	}
	rep := h.svc.RunCleanup(ctx)
	h.finish(rep)
}

// TriggerNow runs one cleanup immediately on the caller's context,
// sharing the same gate as scheduled ticks. It returns ErrAlreadyRunning
// when a run is in flight.
func (h *Host) TriggerNow(ctx context.Context) (Report, error) {
	if !h.tryBegin() {
		return Report{}, ErrAlreadyRunning
	}
	rep := h.svc.RunCleanup(ctx)
	h.finish(rep)
	return rep, nil
}

// Status reports whether a run is in flight and a copy of the most
// recent report, nil before the first completed run.
func (h *Host) Status() (running bool, last *Report) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.last == nil {
		return h.running, nil
	}
	cp := *h.last
	return h.running, &cp
}

func (h *Host) tryBegin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return false
	}
	h.running = true
	return true
}

func (h *Host) finish(rep Report) {
	h.mu.Lock()
	h.running = false
	h.last = &rep
	h.mu.Unlock()
}
