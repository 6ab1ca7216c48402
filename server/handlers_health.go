package server

import (
	"context"
	"errors"
	"net/http"
)

var errGatewayDown = errors.New("gateway session not connected")

// HandleHealthz is the liveness probe: the process is up and the database answers.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

type readinessCheck struct {
	name string
	run  func(context.Context) error
}

func (h *Handlers) readinessChecks() []readinessCheck {
	return []readinessCheck{
		{"database", h.db.PingContext},
		{"gateway", func(context.Context) error {
			if h.gateway == nil || !h.gateway.Ready() {
				return errGatewayDown
			}
			return nil
		}},
	}
}

// HandleReadyz is the readiness probe. It reports the first failing check.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	for _, c := range h.readinessChecks() {
		if err := c.run(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": c.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
