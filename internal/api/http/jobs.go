package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
	"github.com/shadowqmc/shadowqmc/internal/observability"
	"github.com/shadowqmc/shadowqmc/internal/pipeline"
	"github.com/shadowqmc/shadowqmc/pkg/types"
)

// SubmitResponse is returned by POST /v1/jobs/{job}/shards.
type SubmitResponse struct {
	JobID      string `json:"job_id"`
	ShardIndex int    `json:"shard_index"`
	Digest     string `json:"digest"`
	RequestID  string `json:"request_id"`
}

// ReduceResponse is returned by POST /v1/jobs/{job}/reduce.
type ReduceResponse struct {
	JobID       string                      `json:"job_id"`
	Energies    []float64                   `json:"energies"`
	Diagnostics *types.ReductionDiagnostics `json:"diagnostics"`
	RequestID   string                      `json:"request_id"`
}

// StatusResponse is returned by GET /v1/jobs/{job}.
type StatusResponse struct {
	JobID     string    `json:"job_id"`
	Expected  int       `json:"expected"`
	Present   []int     `json:"present"`
	Missing   []int     `json:"missing"`
	Reduced   bool      `json:"reduced"`
	Energies  []float64 `json:"energies,omitempty"`
	RequestID string    `json:"request_id"`
}

// JobsHandler serves the job endpoints.
type JobsHandler struct {
	pipeline *pipeline.Pipeline
	stats    *observability.JobStats
}

// NewJobsHandler creates a new jobs handler. stats may be nil.
func NewJobsHandler(p *pipeline.Pipeline, stats *observability.JobStats) *JobsHandler {
	return &JobsHandler{pipeline: p, stats: stats}
}

// Routes returns the API mux wrapped in the default middleware.
func (h *JobsHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/jobs/pending", h.pending)
	mux.HandleFunc("GET /v1/jobs/{job}", h.status)
	mux.HandleFunc("POST /v1/jobs/{job}/shards", h.submit)
	mux.HandleFunc("POST /v1/jobs/{job}/reduce", h.reduce)
	return DefaultMiddleware()(mux)
}

func (h *JobsHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pending lists jobs the barrier has polled but not yet reduced.
func (h *JobsHandler) pending(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeJSON(w, http.StatusOK, []observability.JobProgress{})
		return
	}
	writeJSON(w, http.StatusOK, h.stats.Pending())
}

func (h *JobsHandler) submit(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	jobID := r.PathValue("job")

	var rec types.ShardRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		if qerrors.GetCategory(err) != "" {
			writeError(w, err, requestID)
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("invalid request body: %v", err),
			RequestID: requestID,
		})
		return
	}
	if rec.JobID != "" && rec.JobID != jobID {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("body names job %s, path names %s", rec.JobID, jobID),
			RequestID: requestID,
		})
		return
	}
	if rec.Index < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "shard_index is required", RequestID: requestID})
		return
	}
	rec.JobID = jobID

	digest, err := h.pipeline.SubmitShard(r.Context(), &rec)
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{
		JobID:      jobID,
		ShardIndex: rec.Index,
		Digest:     digest,
		RequestID:  requestID,
	})
}

func (h *JobsHandler) reduce(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	jobID := r.PathValue("job")

	k, ok := shardsParam(w, r, requestID)
	if !ok {
		return
	}

	result, diag, err := h.pipeline.Reduce(r.Context(), jobID, k)
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, ReduceResponse{
		JobID:       jobID,
		Energies:    result.Energies,
		Diagnostics: diag,
		RequestID:   requestID,
	})
}

func (h *JobsHandler) status(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	jobID := r.PathValue("job")

	k, ok := shardsParam(w, r, requestID)
	if !ok {
		return
	}

	st, err := h.pipeline.Status(r.Context(), jobID, k)
	if err != nil {
		writeError(w, err, requestID)
		return
	}

	resp := StatusResponse{
		JobID:     st.JobID,
		Expected:  st.Expected,
		Present:   nonNil(st.Present),
		Missing:   nonNil(st.Missing),
		Reduced:   st.Reduced,
		RequestID: requestID,
	}
	if st.Aggregate != nil {
		resp.Energies = st.Aggregate.Energies
	}
	writeJSON(w, http.StatusOK, resp)
}

// shardsParam reads the optional ?shards=K query parameter.
func shardsParam(w http.ResponseWriter, r *http.Request, requestID string) (int, bool) {
	v := r.URL.Query().Get("shards")
	if v == "" {
		return 0, true
	}
	k, err := strconv.Atoi(v)
	if err != nil || k < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("shards must be a non-negative integer, got %q", v),
			RequestID: requestID,
		})
		return 0, false
	}
	return k, true
}

// writeError writes a pipeline error with a status code chosen by its
// category.
func writeError(w http.ResponseWriter, err error, requestID string) {
	writeJSON(w, statusFromError(err), ErrorResponse{
		Error:     err.Error(),
		Code:      qerrors.GetCode(err),
		Details:   qerrors.GetDetails(err),
		RequestID: requestID,
	})
}

func statusFromError(err error) int {
	switch qerrors.GetCategory(err) {
	case qerrors.ErrCategoryEncoding:
		return http.StatusBadRequest
	case qerrors.ErrCategoryValidation:
		switch qerrors.GetCode(err) {
		case qerrors.CodeDuplicateShard, qerrors.CodeAggregateExists:
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case qerrors.ErrCategoryBarrier:
		return http.StatusConflict
	case qerrors.ErrCategoryStorage:
		if qerrors.GetCode(err) == qerrors.CodeObjectNotFound {
			return http.StatusNotFound
		}
		return http.StatusServiceUnavailable
	case qerrors.ErrCategoryManifest:
		if qerrors.GetCode(err) == qerrors.CodeJobNotFound {
			return http.StatusNotFound
		}
	}
	return http.StatusInternalServerError
}

func nonNil(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}
