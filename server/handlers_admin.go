package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kshannoninnes/overseer/nickname"
	"github.com/kshannoninnes/overseer/telemetry"
)

// HandleAdminMonitor reports operational state: the last summary of each bulk
// pass, whether one is running now, the tracked user count and gateway state.
func (h *Handlers) HandleAdminMonitor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "http"))
	stats := map[string]any{
		"bulk_active":   h.engine.BulkActive(),
		"gateway_ready": h.gateway != nil && h.gateway.Ready(),
	}

	if users, err := h.engine.Tracked(ctx); err != nil {
		logger.Warn("monitor: tracked users unavailable", slog.Any("err", err))
	} else {
		stats["tracked_users"] = len(users)
	}

	if h.kv != nil {
		for _, op := range []string{nickname.OpEnforceAll, nickname.OpReleaseAll, nickname.OpResync} {
			key := nickname.SummaryKey(op)
			val, ok, err := h.kv.Get(ctx, key)
			if err != nil {
				logger.Warn("monitor: summary unavailable", slog.String("key", key), slog.Any("err", err))
				continue
			}
			if !ok {
				continue
			}
			if json.Valid([]byte(val)) {
				stats[key] = json.RawMessage(val)
			} else {
				stats[key] = val
			}
		}
	}
	writeJSON(w, http.StatusOK, stats)
}
