package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/agentpulse/telemetry-pipeline/internal/opscache"
)

// newQueueStatusHandler serves the last cached queue-depth snapshot for
// operator dashboards, avoiding a Postgres round trip on every poll.
func newQueueStatusHandler(cache *opscache.Cache, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := cache.Get(r.Context())
		if err != nil {
			logger.Error("queue status lookup failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if snap == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}
}
