package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentpulse/telemetry-pipeline/internal/exports"
)

// ExportsHandler serves export job management requests. Grounded on the
// teacher's internal/api.ExportsHandler, with the RBAC actor lookup
// dropped (no authz in this pipeline) and org/job identifiers kept as
// plain strings/UUIDs matching this domain's schema rather than the
// teacher's all-UUID identifiers.
type ExportsHandler struct {
	repo   *exports.JobRepository
	logger *zap.Logger
}

// NewExportsHandler constructs an ExportsHandler.
func NewExportsHandler(repo *exports.JobRepository, logger *zap.Logger) *ExportsHandler {
	return &ExportsHandler{repo: repo, logger: logger}
}

type timeRangeRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type createExportRequest struct {
	TimeRange   timeRangeRequest `json:"timeRange"`
	Granularity string           `json:"granularity,omitempty"`
	RequestedBy string           `json:"requestedBy,omitempty"`
}

type exportJobResponse struct {
	JobID          string  `json:"jobId"`
	OrgID          string  `json:"orgId"`
	RequestedBy    *string `json:"requestedBy,omitempty"`
	TimeRangeStart string  `json:"timeRangeStart"`
	TimeRangeEnd   string  `json:"timeRangeEnd"`
	Granularity    string  `json:"granularity"`
	Status         string  `json:"status"`
	OutputURI      *string `json:"outputUri,omitempty"`
	Checksum       *string `json:"checksum,omitempty"`
	RowCount       *int64  `json:"rowCount,omitempty"`
	InitiatedAt    string  `json:"initiatedAt"`
	CompletedAt    *string `json:"completedAt,omitempty"`
	ErrorMessage   *string `json:"errorMessage,omitempty"`
}

func convertJob(job *exports.Job) exportJobResponse {
	resp := exportJobResponse{
		JobID:          job.JobID.String(),
		OrgID:          job.OrgID,
		RequestedBy:    job.RequestedBy,
		TimeRangeStart: job.TimeRangeStart.Format(time.RFC3339),
		TimeRangeEnd:   job.TimeRangeEnd.Format(time.RFC3339),
		Granularity:    string(job.Granularity),
		Status:         job.Status,
		OutputURI:      job.OutputURI,
		Checksum:       job.Checksum,
		RowCount:       job.RowCount,
		InitiatedAt:    job.InitiatedAt.Format(time.RFC3339),
		ErrorMessage:   job.ErrorMessage,
	}
	if job.CompletedAt != nil {
		s := job.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

// CreateExportJob handles POST /orgs/{orgId}/exports.
func (h *ExportsHandler) CreateExportJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgId")

	var req createExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.TimeRange.Start.IsZero() || req.TimeRange.End.IsZero() {
		h.respondError(w, http.StatusBadRequest, "timeRange.start and timeRange.end are required")
		return
	}
	if req.TimeRange.End.Before(req.TimeRange.Start) {
		h.respondError(w, http.StatusBadRequest, "timeRange.end must be after timeRange.start")
		return
	}
	const maxDuration = 31 * 24 * time.Hour
	if req.TimeRange.End.Sub(req.TimeRange.Start) > maxDuration {
		h.respondError(w, http.StatusBadRequest, "time range cannot exceed 31 days")
		return
	}

	granularity := exports.Granularity(req.Granularity)
	if granularity == "" {
		granularity = exports.GranularityOrg
	}
	if granularity != exports.GranularityOrg && granularity != exports.GranularityUser {
		h.respondError(w, http.StatusBadRequest, "granularity must be 'org' or 'user'")
		return
	}

	var requestedBy *string
	if req.RequestedBy != "" {
		requestedBy = &req.RequestedBy
	}

	jobID, err := h.repo.CreateJob(ctx, exports.CreateJobRequest{
		OrgID:          orgID,
		RequestedBy:    requestedBy,
		TimeRangeStart: req.TimeRange.Start,
		TimeRangeEnd:   req.TimeRange.End,
		Granularity:    granularity,
	})
	if err != nil {
		h.logger.Error("failed to create export job", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to create export job")
		return
	}

	job, err := h.repo.GetJob(ctx, orgID, jobID)
	if err != nil {
		h.logger.Error("failed to load created export job", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to retrieve export job")
		return
	}

	h.respondJSON(w, http.StatusAccepted, convertJob(job))
}

// ListExportJobs handles GET /orgs/{orgId}/exports.
func (h *ExportsHandler) ListExportJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgId")

	var statusPtr *string
	if status := r.URL.Query().Get("status"); status != "" {
		statusPtr = &status
	}

	jobs, err := h.repo.ListJobs(ctx, orgID, statusPtr)
	if err != nil {
		h.logger.Error("failed to list export jobs", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to list export jobs")
		return
	}

	items := make([]exportJobResponse, len(jobs))
	for i := range jobs {
		items[i] = convertJob(&jobs[i])
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// GetExportJob handles GET /orgs/{orgId}/exports/{jobId}.
func (h *ExportsHandler) GetExportJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgId")

	jobID, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid job_id")
		return
	}

	job, err := h.repo.GetJob(ctx, orgID, jobID)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "export job not found")
		return
	}
	h.respondJSON(w, http.StatusOK, convertJob(job))
}

// GetExportDownloadURL handles GET /orgs/{orgId}/exports/{jobId}/download.
func (h *ExportsHandler) GetExportDownloadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgId")

	jobID, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid job_id")
		return
	}

	job, err := h.repo.GetJob(ctx, orgID, jobID)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "export job not found")
		return
	}
	if job.Status != "succeeded" || job.OutputURI == nil {
		h.respondError(w, http.StatusNotFound, "export job is not ready for download")
		return
	}

	w.Header().Set("Location", *job.OutputURI)
	w.WriteHeader(http.StatusFound)
}

func (h *ExportsHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *ExportsHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
