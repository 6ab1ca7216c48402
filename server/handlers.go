package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kshannoninnes/overseer/nickname"
	"github.com/kshannoninnes/overseer/store"
	"github.com/kshannoninnes/overseer/telemetry"
)

// Engine is the subset of *nickname.Engine the admin API drives.
type Engine interface {
	Enforce(ctx context.Context, id, name string) error
	Release(ctx context.Context, id string) error
	Record(ctx context.Context, id string) (store.TrackedUser, error)
	Tracked(ctx context.Context) ([]store.TrackedUser, error)
	EnforceAll(ctx context.Context, name string) (nickname.BulkResult, error)
	ReleaseAll(ctx context.Context) (nickname.BulkResult, error)
	Resync(ctx context.Context) (nickname.BulkResult, error)
	BulkActive() bool
}

// Readiness reports whether the platform connection is usable.
type Readiness interface {
	Ready() bool
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db      *sql.DB
	kv      *store.KV
	engine  Engine
	gateway Readiness
	ctx     context.Context
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	h := &Handlers{
		db:      deps.DB,
		engine:  deps.Engine,
		gateway: deps.Gateway,
		ctx:     ctx,
	}
	if deps.DB != nil {
		h.kv = store.NewKV(deps.DB)
	}
	return h
}

const maxBodyBytes = 4 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", slog.Any("err", err), slog.String("component", "http"))
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// bulkRetryAfter is advertised when a bulk pass is already running.
const bulkRetryAfter = "30"

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var gwErr *nickname.GatewayError
	switch {
	case errors.Is(err, nickname.ErrAlreadyEnforced), errors.Is(err, nickname.ErrOperationInProgress):
		return http.StatusConflict
	case errors.Is(err, nickname.ErrNotEnforced):
		return http.StatusNotFound
	case errors.Is(err, nickname.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, store.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.As(err, &gwErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with the mapped status. Internal failures are logged
// with the request correlation id and hidden from the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if errors.Is(err, nickname.ErrOperationInProgress) {
		w.Header().Set("Retry-After", bulkRetryAfter)
	}
	if status == http.StatusInternalServerError {
		telemetry.LoggerWithCorr(r.Context()).Error("request failed", slog.String("path", r.URL.Path), slog.Any("err", err), slog.String("component", "http"))
		writeJSONError(w, status, "internal error")
		return
	}
	writeJSONError(w, status, err.Error())
}

// detached returns a context that survives the client disconnecting but is
// cancelled when the server shuts down.
func (h *Handlers) detached(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(h.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
