// Package ingest implements the HTTP ingest endpoint: accept a batch of
// events, validate it wholesale, and durably enqueue it.
package ingest

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/agentpulse/telemetry-pipeline/internal/queue"
	"github.com/agentpulse/telemetry-pipeline/internal/schema"
)

// Handler serves POST /events and GET /health.
type Handler struct {
	queueStore  *queue.Store
	logger      *zap.Logger
	serviceName string
}

// NewHandler constructs a Handler.
func NewHandler(queueStore *queue.Store, logger *zap.Logger, serviceName string) *Handler {
	return &Handler{queueStore: queueStore, logger: logger, serviceName: serviceName}
}

type ingestRequest struct {
	Events []schema.Event `json:"events"`
}

type ingestError struct {
	EventID string `json:"event_id,omitempty"`
	Message string `json:"message"`
}

type ingestResponse struct {
	Accepted int           `json:"accepted"`
	EventIDs []string      `json:"event_ids"`
	Errors   []ingestError `json:"errors,omitempty"`
}

// PostEvents handles POST /events. Validation failures
// reject the whole batch with 400; storage failures return 500 with
// accepted: 0. Duplicate (org_id, event_id) pairs are silently absorbed
// by Queue Store idempotence and still counted as accepted.
func (h *Handler) PostEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, []ingestError{{Message: "malformed request body"}})
		return
	}

	accepted, verr := schema.Validate(req.Events)
	if verr != nil {
		var valErr *schema.ValidationError
		errs := make([]ingestError, 0)
		if asValidationError(verr, &valErr) {
			for _, e := range valErr.Errors {
				errs = append(errs, ingestError{EventID: e.EventID, Message: e.Message})
			}
		} else {
			errs = append(errs, ingestError{Message: verr.Error()})
		}
		h.respondError(w, http.StatusBadRequest, errs)
		return
	}

	n, err := h.queueStore.Enqueue(ctx, accepted)
	if err != nil {
		h.logger.Error("enqueue failed", zap.Error(err))
		h.respondJSON(w, http.StatusInternalServerError, ingestResponse{Accepted: 0})
		return
	}

	ids := make([]string, 0, len(accepted))
	for _, e := range accepted {
		ids = append(ids, e.EventID)
	}

	h.respondJSON(w, http.StatusOK, ingestResponse{Accepted: n, EventIDs: ids})
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": h.serviceName,
	})
}

func asValidationError(err error, target **schema.ValidationError) bool {
	ve, ok := err.(*schema.ValidationError)
	if !ok {
		return false
	}
	*target = ve
	return true
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, errs []ingestError) {
	h.respondJSON(w, status, ingestResponse{Accepted: 0, EventIDs: []string{}, Errors: errs})
}
