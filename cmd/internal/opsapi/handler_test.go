package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"warden/cmd/internal/cleanup"
)

type fakeRunner struct {
	rep     cleanup.Report
	err     error
	running bool
	last    *cleanup.Report
}

func (f *fakeRunner) TriggerNow(_ context.Context) (cleanup.Report, error) {
	return f.rep, f.err
}

func (f *fakeRunner) Status() (bool, *cleanup.Report) {
	return f.running, f.last
}

func newTestMux(t *testing.T, runner CleanupRunner) *http.ServeMux {
	t.Helper()

	h, err := NewHandler(slog.New(slog.DiscardHandler), runner)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func sampleReport() cleanup.Report {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return cleanup.Report{
		RunID:  "01JWZX2B4N0000000000000000",
		Start:  start,
		Finish: start.Add(120 * time.Millisecond),
		ExpiredGrants: cleanup.SweepResult{
			Kind: cleanup.KindExpiredGrant, Removed: 5, Batches: 3, Conflicts: 1,
		},
		ConsumedGrants: cleanup.SweepResult{Kind: cleanup.KindConsumedGrant},
		DeviceCodes: cleanup.SweepResult{
			Kind: cleanup.KindDeviceCode, Removed: 2, Batches: 1,
		},
	}
}

func TestHandleRun_ReturnsReport(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, &fakeRunner{rep: sampleReport()})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/cleanup/run", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var got reportResponse
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.RunID != "01JWZX2B4N0000000000000000" {
		t.Fatalf("run_id = %q", got.RunID)
	}
	if got.TotalRemoved != 7 {
		t.Fatalf("total_removed = %d, want 7", got.TotalRemoved)
	}
	if got.Failed {
		t.Fatalf("failed = true, want false")
	}
	if got.ExpiredGrants.Conflicts != 1 || got.ExpiredGrants.Batches != 3 {
		t.Fatalf("unexpected expired grants sweep: %+v", got.ExpiredGrants)
	}
	if got.DeviceCodes.Kind != cleanup.KindDeviceCode {
		t.Fatalf("device code kind = %q", got.DeviceCodes.Kind)
	}
}

func TestHandleRun_ConflictWhenAlreadyRunning(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, &fakeRunner{err: cleanup.ErrAlreadyRunning})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/cleanup/run", nil))

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusConflict)
	}
	var got errorResponse
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Error.Code != "cleanup_already_running" {
		t.Fatalf("error code = %q", got.Error.Code)
	}
}

func TestHandleRun_InternalError(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, &fakeRunner{err: errors.New("boom")})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/cleanup/run", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestHandleRun_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, &fakeRunner{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/cleanup/run", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleStatus_Idle(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, &fakeRunner{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/cleanup/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var got statusResponse
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Running {
		t.Fatalf("running = true, want false")
	}
	if got.LastReport != nil {
		t.Fatalf("last_report = %+v, want absent", got.LastReport)
	}
}

func TestHandleStatus_WithLastReport(t *testing.T) {
	t.Parallel()

	rep := sampleReport()
	rep.DeviceCodes.Err = errors.New("query expired device codes: timeout")
	mux := newTestMux(t, &fakeRunner{running: true, last: &rep})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/cleanup/status", nil))

	var got statusResponse
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !got.Running {
		t.Fatalf("running = false, want true")
	}
	if got.LastReport == nil {
		t.Fatalf("expected last_report")
	}
	if !got.LastReport.Failed {
		t.Fatalf("failed = false, want true")
	}
	if got.LastReport.DeviceCodes.Error == "" {
		t.Fatalf("expected device code sweep error string")
	}
}

func TestHandleStatus_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, &fakeRunner{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/cleanup/status", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestNewHandler_NilRunner(t *testing.T) {
	t.Parallel()

	if _, err := NewHandler(nil, nil); err == nil {
		t.Fatalf("expected error for nil runner")
	}
}
