// Package handlers implements the operator API for the distribution pipeline.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hlanalytics/go-hla/internal/pipeline"
)

// RunsHandler exposes pipeline runs over HTTP.
type RunsHandler struct {
	orch   *pipeline.Orchestrator
	logger *zap.Logger
}

// NewRunsHandler creates a runs handler.
func NewRunsHandler(orch *pipeline.Orchestrator, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{orch: orch, logger: logger}
}

// Routes mounts the run endpoints.
func (h *RunsHandler) Routes(r chi.Router) {
	r.Post("/runs", h.TriggerRun)
	r.Get("/runs", h.ListRuns)
	r.Get("/runs/{runID}", h.GetRun)
}

type triggerResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// TriggerRun starts a pipeline run. A run already in flight yields 409; the
// request is rejected, not queued.
func (h *RunsHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	runID, err := h.orch.Trigger("api")
	if errors.Is(err, pipeline.ErrRunInFlight) {
		respondError(w, http.StatusConflict, "a run is already in flight")
		return
	}
	if err != nil {
		h.logger.Error("trigger run", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	h.logger.Info("run triggered", zap.String("run_id", runID))
	respondJSON(w, http.StatusAccepted, triggerResponse{
		RunID:  runID,
		Status: string(pipeline.RunRunning),
	})
}

// GetRun returns the report for a single run.
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	rep, ok := h.orch.Report(runID)
	if !ok {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

// ListRuns returns retained run reports, newest first.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.orch.Reports())
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
