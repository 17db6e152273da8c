package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"feedmill/internal/models"
	"feedmill/internal/pipeline"
	"feedmill/internal/repository"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": code, "message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "commit": BuildCommit})
}

// invokeRequest is one orchestrator dispatch. lock_invocation_id is the
// checkpoint lease; when the orchestrator omits it the server mints one, at
// the cost of retries of that call not being idempotent.
type invokeRequest struct {
	RunID        string            `json:"run_id"`
	Step         string            `json:"step"`
	InvocationID string            `json:"lock_invocation_id"`
	FeeConfig    *models.FeeConfig `json:"fee_config"`
}

type invokeResponse struct {
	Status       string `json:"status"`
	StepStatus   string `json:"step_status"`
	RunID        string `json:"run_id"`
	Step         string `json:"step"`
	InvocationID string `json:"lock_invocation_id"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.RunID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "run_id is required")
		return
	}
	step, err := models.ParseStep(req.Step)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_step", err.Error())
		return
	}
	if req.InvocationID == "" {
		req.InvocationID = uuid.NewString()
	}

	status, err := s.runner.Run(r.Context(), pipeline.Invocation{
		RunID: req.RunID,
		Step:  step,
		Fees:  req.FeeConfig,
		Lease: req.InvocationID,
	})
	if err != nil {
		if errors.Is(err, repository.ErrLockLost) {
			writeError(w, http.StatusConflict, "lock_lost", "another invocation holds the run")
			return
		}
		if fe, ok := models.AsFatal(err); ok {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"status":      "error",
				"step_status": string(models.StatusFailed),
				"error":       fe.Kind,
				"message":     fe.Detail,
				"run_id":      req.RunID,
				"step":        string(step),
			})
			return
		}
		log.Printf("[api] invoke %s/%s: %v", req.RunID, step, err)
		writeError(w, http.StatusInternalServerError, "internal", "invocation failed; safe to retry")
		return
	}

	writeJSON(w, http.StatusOK, invokeResponse{
		Status:       "ok",
		StepStatus:   string(status),
		RunID:        req.RunID,
		Step:         string(step),
		InvocationID: req.InvocationID,
	})
}

// handleStatus lists recent runs, or one run with its diagnostic events when
// ?run_id= is given.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		s.handleRunDetail(w, r, runID)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	runs, err := s.repo.RecentRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"runs":   runs,
	})
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.repo.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "not_found", "run "+runID+" not found")
		return
	}
	events, err := s.repo.RecentEvents(r.Context(), runID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":    run,
		"events": events,
	})
}
