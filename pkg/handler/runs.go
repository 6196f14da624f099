package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/agile-defense/radarsot/pkg/agent"
	"github.com/agile-defense/radarsot/pkg/opa"
	"github.com/agile-defense/radarsot/pkg/postgres"
	"github.com/agile-defense/radarsot/pkg/radar"
	"github.com/agile-defense/radarsot/pkg/scenario"
	"github.com/agile-defense/radarsot/pkg/sim"
)

// maxScenarioBytes bounds a run request body
const maxScenarioBytes = 1 << 20

// RunExecutor admits and executes runs
type RunExecutor interface {
	Execute(ctx context.Context, req agent.RunRequest) (*agent.RunOutcome, error)
}

// RunQuerier reads archived runs
type RunQuerier interface {
	ListRuns(ctx context.Context, filter postgres.RunFilter) ([]postgres.RunRow, error)
	GetRun(ctx context.Context, runID string) (*postgres.RunRow, error)
	ListTrackRecords(ctx context.Context, runID string, filter postgres.RecordFilter) ([]sim.Record, error)
	ClearAll(ctx context.Context) (*postgres.ClearAllResult, error)
}

// RunHandler handles simulation run requests
type RunHandler struct {
	runner   RunExecutor
	db       RunQuerier
	defaults *ConfigStore
	logger   zerolog.Logger
}

// NewRunHandler creates a new RunHandler. db may be nil, in which case the
// archive endpoints answer 503.
func NewRunHandler(runner RunExecutor, db RunQuerier, defaults *ConfigStore, logger zerolog.Logger) *RunHandler {
	return &RunHandler{
		runner:   runner,
		db:       db,
		defaults: defaults,
		logger:   logger.With().Str("handler", "runs").Logger(),
	}
}

// Routes returns the run routes
func (h *RunHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateRun)
	r.Get("/", h.ListRuns)
	r.Delete("/", h.ClearRuns)
	r.Get("/{runId}", h.GetRun)
	r.Get("/{runId}/records", h.ListRecords)

	return r
}

// RunResponse is the result of a synchronous run
type RunResponse struct {
	RunID         string        `json:"run_id"`
	Decision      *opa.Decision `json:"decision"`
	Summary       *sim.Summary  `json:"summary,omitempty"`
	Records       []sim.Record  `json:"records,omitempty"`
	Tracks        []sim.Pair    `json:"tracks,omitempty"`
	Interrupted   bool          `json:"interrupted,omitempty"`
	CorrelationID string        `json:"correlation_id"`
}

// CreateRun handles POST /api/v1/runs. The body is a scenario document in
// JSON or YAML decoded onto the current run defaults. records=false omits
// the per-step records from the response.
func (h *RunHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxScenarioBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Failed to read request body: "+err.Error(), correlationID)
		return
	}

	sc, err := scenario.Decode(h.defaults.Scenario(), body)
	if err != nil {
		WriteFailure(w, http.StatusBadRequest, err, correlationID)
		return
	}

	out, err := h.runner.Execute(ctx, agent.RunRequest{
		Scenario:      sc,
		Requester:     GetUserID(ctx),
		CorrelationID: correlationID,
	})

	var denied *agent.DeniedError
	switch {
	case errors.As(err, &denied):
		WriteJSON(w, http.StatusForbidden, RunResponse{
			Decision:      denied.Decision,
			CorrelationID: correlationID,
		})
		return
	case errors.Is(err, radar.ErrInvalidConfig):
		WriteFailure(w, http.StatusUnprocessableEntity, err, correlationID)
		return
	case err != nil && (out == nil || out.Result == nil):
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to execute run")
		WriteError(w, http.StatusServiceUnavailable, err.Error(), correlationID)
		return
	}

	resp := RunResponse{
		RunID:         out.Result.RunID,
		Decision:      out.Decision,
		Summary:       &out.Result.Summary,
		Tracks:        out.Result.Tracks,
		Interrupted:   err != nil,
		CorrelationID: correlationID,
	}
	if r.URL.Query().Get("records") != "false" {
		resp.Records = out.Result.Records
	}

	status := http.StatusCreated
	if err != nil {
		h.logger.Warn().Err(err).Str("run_id", resp.RunID).Msg("Run interrupted")
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}

// RunListResponse represents the response for listing runs
type RunListResponse struct {
	Runs          []postgres.RunRow `json:"runs"`
	Total         int               `json:"total"`
	Limit         int               `json:"limit"`
	Offset        int               `json:"offset"`
	CorrelationID string            `json:"correlation_id"`
}

// ListRuns handles GET /api/v1/runs
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)
	if !h.requireDB(w, correlationID) {
		return
	}

	filter := postgres.RunFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "since must be RFC3339", correlationID)
			return
		}
		filter.Since = &since
	}

	runs, err := h.db.ListRuns(ctx, filter)
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to list runs")
		WriteError(w, http.StatusInternalServerError, "Failed to list runs", correlationID)
		return
	}
	if runs == nil {
		runs = []postgres.RunRow{}
	}

	WriteJSON(w, http.StatusOK, RunListResponse{
		Runs:          runs,
		Total:         len(runs),
		Limit:         filter.Limit,
		Offset:        filter.Offset,
		CorrelationID: correlationID,
	})
}

// GetRun handles GET /api/v1/runs/{runId}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)
	if !h.requireDB(w, correlationID) {
		return
	}

	runID := chi.URLParam(r, "runId")
	run, err := h.db.GetRun(ctx, runID)
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to get run")
		WriteError(w, http.StatusInternalServerError, "Failed to get run", correlationID)
		return
	}
	if run == nil {
		WriteError(w, http.StatusNotFound, "Run not found", correlationID)
		return
	}

	WriteJSON(w, http.StatusOK, run)
}

// RecordListResponse represents the records of one run
type RecordListResponse struct {
	RunID         string       `json:"run_id"`
	Records       []sim.Record `json:"records"`
	Total         int          `json:"total"`
	CorrelationID string       `json:"correlation_id"`
}

// ListRecords handles GET /api/v1/runs/{runId}/records
func (h *RunHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)
	if !h.requireDB(w, correlationID) {
		return
	}

	runID := chi.URLParam(r, "runId")
	run, err := h.db.GetRun(ctx, runID)
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to get run")
		WriteError(w, http.StatusInternalServerError, "Failed to get run", correlationID)
		return
	}
	if run == nil {
		WriteError(w, http.StatusNotFound, "Run not found", correlationID)
		return
	}

	filter := postgres.RecordFilter{
		DetectedOnly: r.URL.Query().Get("detected") == "true",
		Limit:        queryInt(r, "limit", 1000),
		Offset:       queryInt(r, "offset", 0),
	}
	if targetStr := r.URL.Query().Get("target"); targetStr != "" {
		target, err := strconv.Atoi(targetStr)
		if err != nil || target < 0 {
			WriteError(w, http.StatusBadRequest, "target must be a non-negative integer", correlationID)
			return
		}
		filter.TargetIndex = &target
	}

	records, err := h.db.ListTrackRecords(ctx, runID, filter)
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to list track records")
		WriteError(w, http.StatusInternalServerError, "Failed to list track records", correlationID)
		return
	}
	if records == nil {
		records = []sim.Record{}
	}

	WriteJSON(w, http.StatusOK, RecordListResponse{
		RunID:         runID,
		Records:       records,
		Total:         len(records),
		CorrelationID: correlationID,
	})
}

// ClearRuns handles DELETE /api/v1/runs, removing every archived run
func (h *RunHandler) ClearRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)
	if !h.requireDB(w, correlationID) {
		return
	}

	result, err := h.db.ClearAll(ctx)
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to clear runs")
		WriteError(w, http.StatusInternalServerError, "Failed to clear runs: "+err.Error(), correlationID)
		return
	}

	h.logger.Info().
		Str("correlation_id", correlationID).
		Int64("runs", result.Runs).
		Int64("records", result.Records).
		Msg("Cleared run archive")

	WriteSuccess(w, http.StatusOK, "All runs cleared", result, correlationID)
}

func (h *RunHandler) requireDB(w http.ResponseWriter, correlationID string) bool {
	if h.db == nil {
		WriteError(w, http.StatusServiceUnavailable, "Run archive unavailable: no database configured", correlationID)
		return false
	}
	return true
}

// queryInt reads a non-negative integer query parameter
func queryInt(r *http.Request, key string, def int) int {
	if s := r.URL.Query().Get(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 0 {
			return v
		}
	}
	return def
}
