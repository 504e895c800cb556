// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// TokenRefreshes counts refresh outcomes: ok, race_retry or an oauth error code.
	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamquest_token_refreshes_total",
		Help: "Token refresh attempts by outcome",
	}, []string{"outcome"})

	// WebhookDeliveries counts webhook requests by outcome
	// (challenge, rejected, duplicate, dispatched, handler_error, unhandled, revoked, malformed).
	WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamquest_webhook_deliveries_total",
		Help: "EventSub webhook deliveries by outcome",
	}, []string{"outcome"})

	UpstreamRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamquest_upstream_auth_retries_total",
		Help: "Authenticated API calls retried after an invalid token response",
	})

	LedgerWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamquest_ledger_writes_total",
		Help: "Activity ledger mutations by kind",
	}, []string{"kind"})

	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamquest_notifications_total",
		Help: "Notifications by outcome (sent, suppressed, superseded, failed, fallback)",
	}, []string{"outcome"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamquest_queue_pending_tasks",
		Help: "Tasks waiting in the per-key update queue",
	})

	DispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamquest_webhook_dispatch_duration_seconds",
		Help:    "Duration of webhook handler execution",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"type"})
)

// Init registers metrics with the default registry (idempotent). Collectors
// work unregistered, so packages and tests may use them before Init.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			TokenRefreshes,
			WebhookDeliveries,
			UpstreamRetries,
			LedgerWrites,
			Notifications,
			QueueDepth,
			DispatchDuration,
		)
	})
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
