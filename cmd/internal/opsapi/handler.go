package opsapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"warden/cmd/internal/cleanup"
)

// CleanupRunner is the slice of the cleanup host the ops API drives.
type CleanupRunner interface {
	// TriggerNow starts a cleanup run unless one is already in flight.
	TriggerNow(ctx context.Context) (cleanup.Report, error)
	// Status reports whether a run is in flight and the last finished report.
	Status() (running bool, last *cleanup.Report)
}

// Handler wires HTTP operational endpoints to the cleanup host.
type Handler struct {
	log    *slog.Logger
	runner CleanupRunner
}

// NewHandler constructs an ops Handler around a cleanup runner.
func NewHandler(log *slog.Logger, runner CleanupRunner) (*Handler, error) {
	if runner == nil {
		return nil, errors.New("opsapi: nil cleanup runner")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, runner: runner}, nil
}

// Register wires ops routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/cleanup/run", h.handleRun)
	mux.HandleFunc("/cleanup/status", h.handleStatus)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rep, err := h.runner.TriggerNow(r.Context())
	if err != nil {
		if errors.Is(err, cleanup.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "cleanup_already_running", "a cleanup run is already in flight")
			return
		}
		h.log.Error("opsapi.cleanup.run.failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "cleanup run failed to start")
		return
	}

	writeJSON(w, http.StatusOK, toReportResponse(rep))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	running, last := h.runner.Status()
	resp := statusResponse{Running: running}
	if last != nil {
		rep := toReportResponse(*last)
		resp.LastReport = &rep
	}

	writeJSON(w, http.StatusOK, resp)
}
