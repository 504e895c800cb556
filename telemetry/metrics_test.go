package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsUsableBeforeInit(t *testing.T) {
	before := testutil.ToFloat64(TokenRefreshes.WithLabelValues("ok"))
	TokenRefreshes.WithLabelValues("ok").Inc()
	if got := testutil.ToFloat64(TokenRefreshes.WithLabelValues("ok")); got != before+1 {
		t.Errorf("token refreshes = %v, want %v", got, before+1)
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	WebhookDeliveries.WithLabelValues("dispatched").Inc()
	if n := testutil.CollectAndCount(WebhookDeliveries); n == 0 {
		t.Error("expected at least one webhook delivery series")
	}
}

func TestCounterLabels(t *testing.T) {
	tests := []struct {
		name string
		vec  *prometheus.CounterVec
		lbl  string
	}{
		{"webhook duplicate", WebhookDeliveries, "duplicate"},
		{"ledger presence", LedgerWrites, "presence"},
		{"notification suppressed", Notifications, "suppressed"},
		{"refresh code", TokenRefreshes, "INVALID_REFRESH_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.vec.WithLabelValues(tt.lbl)
			before := testutil.ToFloat64(c)
			c.Add(2)
			if got := testutil.ToFloat64(c); got != before+2 {
				t.Errorf("counter = %v, want %v", got, before+2)
			}
		})
	}
}

func TestQueueDepthGauge(t *testing.T) {
	QueueDepth.Set(0)
	QueueDepth.Inc()
	QueueDepth.Inc()
	QueueDepth.Dec()
	if got := testutil.ToFloat64(QueueDepth); got != 1 {
		t.Errorf("queue depth = %v, want 1", got)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	d := TimeFunc(h, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})
	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if d < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", d)
	}
	if n := testutil.CollectAndCount(h); n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}

	// nil observer is allowed
	TimeFunc(nil, func() {})
}

func TestCorrelationHelpers(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Error("empty context should have no correlation id")
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation = %q", got)
	}

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	LoggerWithCorr(ctx).Info("hello")
	if !strings.Contains(buf.String(), "corr=abc-123") {
		t.Errorf("log line missing corr attribute: %s", buf.String())
	}
}

func TestSpanHelpersWithoutProvider(t *testing.T) {
	shutdown, err := InitTracing(TracingConfig{ServiceName: "streamquest-test", ServiceVersion: "dev"})
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	defer shutdown()

	ctx, span := StartSpan(WithCorrelation(context.Background(), "c1"), "test.span")
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()
}
