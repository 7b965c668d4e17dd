package ingest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// These exercise only the paths that return before touching the queue
// store (malformed JSON, validation failures), so a nil queue store is
// safe here. The enqueue/claim path is covered by the testcontainers-backed
// integration tests in internal/driver.

func TestPostEvents_RejectsMalformedJSON(t *testing.T) {
	h := NewHandler(nil, zap.NewNop(), "telemetry-pipeline")

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()

	h.PostEvents(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostEvents_RejectsInvalidBatch(t *testing.T) {
	h := NewHandler(nil, zap.NewNop(), "telemetry-pipeline")

	body, err := json.Marshal(ingestRequest{Events: nil})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()

	h.PostEvents(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 0, resp.Accepted)
	require.NotEmpty(t, resp.Errors)
}

func TestGetHealth_ReportsServiceName(t *testing.T) {
	h := NewHandler(nil, zap.NewNop(), "telemetry-pipeline")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.GetHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "telemetry-pipeline", body["service"])
}
