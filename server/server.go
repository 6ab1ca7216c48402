// Package server exposes the HTTP API: health, readiness, metrics and the
// admin endpoints that drive nickname enforcement. It injects correlation IDs
// into request contexts for consistent logging and wraps each request in a
// tracing span.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kshannoninnes/overseer/telemetry"
)

// Deps are the collaborators the HTTP layer serves.
type Deps struct {
	DB      *sql.DB
	Engine  Engine
	Gateway Readiness
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine and any bulk
// pass started over HTTP.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	corsCfg := loadCORSConfig()
	rateLimiter := newIPRateLimiter(ctx, loadRateLimiterConfig())

	handlers := NewHandlers(ctx, deps)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", handlers.HandleHealthz)
	mux.HandleFunc("GET /readyz", handlers.HandleReadyz)

	mux.HandleFunc("GET /admin/enforcements", handlers.HandleListEnforcements)
	mux.HandleFunc("GET /admin/enforcements/{id}", handlers.HandleGetEnforcement)
	mux.HandleFunc("PUT /admin/enforcements/{id}", handlers.HandleEnforce)
	mux.HandleFunc("DELETE /admin/enforcements/{id}", handlers.HandleRelease)
	mux.HandleFunc("POST /admin/enforcements/all", handlers.HandleEnforceAll)
	mux.HandleFunc("DELETE /admin/enforcements/all", handlers.HandleReleaseAll)
	mux.HandleFunc("POST /admin/resync", handlers.HandleResync)
	mux.HandleFunc("GET /admin/monitor", handlers.HandleAdminMonitor)

	admin := adminAuth(rateLimitMiddleware(mux, rateLimiter), authCfg)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := correlationID(r)
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set(correlationHeader, corr)

		route := routeOf(mux, r)
		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+route,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(route),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			admin.ServeHTTP(rec, r.WithContext(ctx))
		} else {
			mux.ServeHTTP(rec, r.WithContext(ctx))
		}

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		telemetry.CountHTTPRequest(route, rec.statusCode)
	})
	return withCORSConfig(handler, corsCfg)
}

const correlationHeader = "X-Correlation-ID"

// correlationID keeps a caller-supplied id so logs can be joined across
// services, and mints one otherwise.
func correlationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

// routeOf returns the registered pattern serving r, keeping metric and span
// labels bounded. Unmatched requests share one label.
func routeOf(mux *http.ServeMux, r *http.Request) string {
	if _, pattern := mux.Handler(r); pattern != "" {
		return pattern
	}
	return "unmatched"
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     NewMux(ctx, deps),
		ReadTimeout: 5 * time.Second,
		// Bulk passes answer when the whole roster has been processed.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err), slog.String("component", "http"))
		}
	})
	defer stop()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err), slog.String("component", "http"))
		return err
	}
	return nil
}
