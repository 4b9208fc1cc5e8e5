package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/novalto/traind/internal/model"
	"github.com/novalto/traind/internal/queue"
	"github.com/novalto/traind/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	defaultBaseModel = "zephyr"
	defaultAlgo      = "dpo"
)

// createRunRequest is the JSON body for POST /v1/runs. Exactly one of
// dataset_inline and dataset_url must be provided.
type createRunRequest struct {
	GroupKey      string             `json:"kb_id"`
	ExpName       string             `json:"exp_name"`
	BaseModel     string             `json:"base_model"`
	Algo          string             `json:"algo"`
	DatasetInline []json.RawMessage  `json:"dataset_inline"`
	DatasetURL    string             `json:"dataset_url"`
	Hyperparams   map[string]float64 `json:"hyperparams"`
}

func (req *createRunRequest) validate() string {
	if req.GroupKey == "" {
		return "kb_id is required"
	}
	if req.ExpName == "" {
		return "exp_name is required"
	}
	hasInline := len(req.DatasetInline) > 0
	hasURL := req.DatasetURL != ""
	if !hasInline && !hasURL {
		return "must provide either dataset_inline or dataset_url"
	}
	if hasInline && hasURL {
		return "cannot provide both dataset_inline and dataset_url"
	}
	return ""
}

// createRunResponse is the JSON response for POST /v1/runs.
type createRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// listRunsResponse wraps the owner-scoped list response.
type listRunsResponse struct {
	Runs  []model.Run `json:"runs"`
	Limit int         `json:"limit"`
}

// artifactsResponse is the JSON response for GET /v1/runs/{id}/artifacts.
type artifactsResponse struct {
	CheckpointURL string `json:"checkpoint_url,omitempty"`
	ReportURL     string `json:"report_url,omitempty"`
	LogsURL       string `json:"logs_url,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "invalid or missing authentication")
		return
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.BaseModel == "" {
		req.BaseModel = defaultBaseModel
	}
	if req.Algo == "" {
		req.Algo = defaultAlgo
	}

	// At most one active run per (owner, group key). The store is consulted
	// before creation; there is no stored constraint. The gateway treats this
	// like rate limiting, so it shares the 429 throttle class.
	if s.store.CountActiveForGroup(claims.UID, req.GroupKey) > 0 {
		s.writeError(w, http.StatusTooManyRequests, "active training already running for this kb_id")
		return
	}

	run := s.store.CreateRun(claims.UID, req.GroupKey, req.ExpName, req.BaseModel, req.Algo)

	runID, err := s.queue.Submit(&queue.JobRequest{
		RunID:          run.ID,
		GroupKey:       req.GroupKey,
		BaseModel:      req.BaseModel,
		Algo:           req.Algo,
		ExpName:        req.ExpName,
		DatasetInline:  req.DatasetInline,
		DatasetURL:     req.DatasetURL,
		IdempotencyKey: r.Header.Get(headerIdemKey),
		Hyperparams:    req.Hyperparams,
	})
	if errors.Is(err, queue.ErrQueueFull) {
		s.store.UpdateStatus(run.ID, model.StatusFailed, "queue full")
		s.writeError(w, http.StatusServiceUnavailable, "job queue is full, retry later")
		return
	}
	if err != nil {
		s.logger.Error("submit job", "error", err, "run_id", run.ID)
		s.store.UpdateStatus(run.ID, model.StatusFailed, err.Error())
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	// A retried request with the same idempotency key maps to the original
	// run; the record created above is surplus and is retired immediately.
	if runID != run.ID {
		s.store.UpdateStatus(run.ID, model.StatusCancelled, "")
	}

	s.logger.Info("created training run", "run_id", runID, "uid", claims.UID, "kb_id", req.GroupKey)
	s.writeJSON(w, http.StatusAccepted, createRunResponse{
		RunID:  runID,
		Status: model.StatusQueued,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "invalid or missing authentication")
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	runs := s.store.ListForOwner(claims.UID, limit)
	if runs == nil {
		runs = []model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs, Limit: limit})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.authorizedRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetArtifacts(w http.ResponseWriter, r *http.Request) {
	run, ok := s.authorizedRun(w, r)
	if !ok {
		return
	}

	if run.Status != model.StatusCompleted {
		s.writeError(w, http.StatusConflict, "artifacts are available only for completed runs")
		return
	}

	s.writeJSON(w, http.StatusOK, artifactsResponse{
		CheckpointURL: run.CheckpointURL,
		ReportURL:     run.ReportURL,
		LogsURL:       run.LogsURL,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.authorizedRun(w, r)
	if !ok {
		return
	}

	if model.IsTerminal(run.Status) {
		s.writeError(w, http.StatusConflict, "run is already in a terminal state")
		return
	}

	if !s.queue.CancelJob(run.ID) {
		s.writeError(w, http.StatusConflict, "run is not in a cancellable state")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": model.StatusCancelled})
}

// authorizedRun loads the run from the path id and enforces owner-or-admin
// access, writing the error response itself when the check fails.
func (s *Server) authorizedRun(w http.ResponseWriter, r *http.Request) (model.Run, bool) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "invalid or missing authentication")
		return model.Run{}, false
	}

	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return model.Run{}, false
	}
	if err != nil {
		s.logger.Error("get run", "error", err, "run_id", id)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return model.Run{}, false
	}

	if run.OwnerUID != claims.UID && !claims.Admin {
		s.writeError(w, http.StatusForbidden, "access denied")
		return model.Run{}, false
	}

	return run, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	q := r.URL.Query().Get(key)
	if q == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(q)
	if err != nil {
		return defaultVal
	}
	return v
}
