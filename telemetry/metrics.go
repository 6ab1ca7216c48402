// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	Enforcements   *prometheus.CounterVec // op=enforce|release, result=ok|already_enforced|not_enforced|denied|gateway_error|error
	Corrections    *prometheus.CounterVec // event=member_update|member_join|resync
	BulkRuns       *prometheus.CounterVec // op=enforce_all|release_all|resync, result=ok|busy|error
	GatewayErrors  *prometheus.CounterVec // op=self|member|roster|set_nickname
	HTTPRequests   *prometheus.CounterVec // route, code

	// Histograms (seconds)
	BulkDuration *prometheus.HistogramVec

	// Gauges
	TrackedUsers    prometheus.Gauge
	GatewayUp       prometheus.Gauge // 1=connected,0=disconnected
	EventQueueDepth prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		Enforcements = promauto.NewCounterVec(prometheus.CounterOpts{Name: "overseer_enforcements_total", Help: "Single-user enforce and release operations by outcome"}, []string{"op", "result"})
		Corrections = promauto.NewCounterVec(prometheus.CounterOpts{Name: "overseer_corrections_total", Help: "Nickname writes made to restore an enforced name"}, []string{"event"})
		BulkRuns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "overseer_bulk_runs_total", Help: "Bulk passes by operation and outcome"}, []string{"op", "result"})
		GatewayErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "overseer_gateway_errors_total", Help: "Failed platform calls by operation"}, []string{"op"})
		HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "overseer_http_requests_total", Help: "Admin HTTP requests by route and status code"}, []string{"route", "code"})
		BulkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "overseer_bulk_duration_seconds", Help: "Bulk pass duration seconds", Buckets: prometheus.DefBuckets}, []string{"op"})
		TrackedUsers = promauto.NewGauge(prometheus.GaugeOpts{Name: "overseer_tracked_users", Help: "Current number of users with an enforced nickname"})
		GatewayUp = promauto.NewGauge(prometheus.GaugeOpts{Name: "overseer_gateway_up", Help: "Gateway session connected=1 disconnected=0"})
		EventQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "overseer_event_queue_depth", Help: "Member events waiting for a worker"})
	})
}

// CountEnforcement records the outcome of a single-user operation.
func CountEnforcement(op, result string) {
	if Enforcements != nil {
		Enforcements.WithLabelValues(op, result).Inc()
	}
}

// CountCorrection records a nickname write triggered by event.
func CountCorrection(event string) {
	if Corrections != nil {
		Corrections.WithLabelValues(event).Inc()
	}
}

// CountBulkRun records a finished (or refused) bulk pass.
func CountBulkRun(op, result string) {
	if BulkRuns != nil {
		BulkRuns.WithLabelValues(op, result).Inc()
	}
}

// CountGatewayError records a failed platform call.
func CountGatewayError(op string) {
	if GatewayErrors != nil {
		GatewayErrors.WithLabelValues(op).Inc()
	}
}

// CountHTTPRequest records an admin API response.
func CountHTTPRequest(route string, code int) {
	if HTTPRequests != nil {
		HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}

// ObserveBulkDuration records how long a bulk pass took.
func ObserveBulkDuration(op string, d time.Duration) {
	if BulkDuration != nil {
		BulkDuration.WithLabelValues(op).Observe(d.Seconds())
	}
}

// SetTrackedUsers records the current tracked user count.
func SetTrackedUsers(n int) {
	if TrackedUsers != nil {
		TrackedUsers.Set(float64(n))
	}
}

// AddTrackedUsers adjusts the tracked user gauge by delta.
func AddTrackedUsers(delta int) {
	if TrackedUsers != nil {
		TrackedUsers.Add(float64(delta))
	}
}

// UpdateGatewayGauge sets gauge to 1 if connected else 0.
func UpdateGatewayGauge(up bool) {
	if GatewayUp == nil {
		return
	}
	if up {
		GatewayUp.Set(1)
	} else {
		GatewayUp.Set(0)
	}
}

// AddQueueDepth adjusts the pending event gauge by delta.
func AddQueueDepth(delta int) {
	if EventQueueDepth != nil {
		EventQueueDepth.Add(float64(delta))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
