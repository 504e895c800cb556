// Package eventsub receives Twitch EventSub webhooks: it verifies signatures,
// answers the subscription challenge, drops duplicate deliveries and
// dispatches notifications to handlers registered per subscription type. It
// also keeps the channel's subscriptions in place.
package eventsub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/streamquest/telemetry"
)

const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderTimestamp        = "Twitch-Eventsub-Message-Timestamp"
	HeaderSignature        = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
	HeaderSubscriptionType = "Twitch-Eventsub-Subscription-Type"

	MessageNotification = "notification"
	MessageVerification = "webhook_callback_verification"
	MessageRevocation   = "revocation"

	maxBodyBytes   = 1 << 20
	handlerTimeout = 20 * time.Second
)

// ErrInvalidSignature is reported for deliveries whose HMAC does not match.
var ErrInvalidSignature = errors.New("eventsub: invalid signature")

// Subscription is the subscription block of a delivery.
type Subscription struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Condition map[string]string `json:"condition"`
}

// Notification is one verified, first-seen delivery.
type Notification struct {
	MessageID    string
	Timestamp    string
	Subscription Subscription
	Event        json.RawMessage
}

// Decode unmarshals the event payload into dst.
func (n Notification) Decode(dst any) error {
	if err := json.Unmarshal(n.Event, dst); err != nil {
		return fmt.Errorf("decode %s event: %w", n.Subscription.Type, err)
	}
	return nil
}

// HandlerFunc handles one notification type. Errors are logged, never
// returned to Twitch.
type HandlerFunc func(ctx context.Context, n Notification) error

type envelope struct {
	Challenge    string          `json:"challenge"`
	Subscription Subscription    `json:"subscription"`
	Event        json.RawMessage `json:"event"`
}

// Gate is the http.Handler for the EventSub callback.
type Gate struct {
	secret []byte
	seen   DeliverySet
	now    func() time.Time
	maxAge time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithMaxMessageAge rejects deliveries whose timestamp is older than d
// (default 10 minutes, 0 disables the check).
func WithMaxMessageAge(d time.Duration) GateOption { return func(g *Gate) { g.maxAge = d } }

// WithGateClock replaces time.Now.
func WithGateClock(now func() time.Time) GateOption { return func(g *Gate) { g.now = now } }

// NewGate returns a gate verifying with secret and deduplicating through seen.
func NewGate(secret string, seen DeliverySet, opts ...GateOption) *Gate {
	if seen == nil {
		seen = NewMemoryDeliverySet(DefaultDedupTTL, 0)
	}
	g := &Gate{
		secret:   []byte(secret),
		seen:     seen,
		now:      time.Now,
		maxAge:   10 * time.Minute,
		handlers: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle registers h for a subscription type, replacing any previous handler.
func (g *Gate) Handle(subscriptionType string, h HandlerFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[subscriptionType] = h
}

func (g *Gate) handler(subscriptionType string) (HandlerFunc, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.handlers[subscriptionType]
	return h, ok
}

// Sign returns the signature header value for a delivery.
func Sign(secret []byte, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a delivery signature in constant time.
func Verify(secret []byte, messageID, timestamp string, body []byte, signature string) error {
	if len(secret) == 0 || signature == "" {
		return ErrInvalidSignature
	}
	expected := Sign(secret, messageID, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "eventsub_gate"))
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var env envelope
	parseErr := json.Unmarshal(body, &env)

	// The provisioning handshake is answered before anything else.
	if parseErr == nil && env.Challenge != "" {
		telemetry.WebhookDeliveries.WithLabelValues("challenge").Inc()
		log.Info("answering eventsub challenge", slog.String("type", env.Subscription.Type))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, env.Challenge)
		return
	}

	id := r.Header.Get(HeaderMessageID)
	ts := r.Header.Get(HeaderTimestamp)
	if err := Verify(g.secret, id, ts, body, r.Header.Get(HeaderSignature)); err != nil {
		telemetry.WebhookDeliveries.WithLabelValues("rejected").Inc()
		log.Warn("eventsub signature mismatch", slog.String("message_id", id), slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	if g.stale(ts) {
		telemetry.WebhookDeliveries.WithLabelValues("rejected").Inc()
		log.Warn("eventsub delivery too old", slog.String("message_id", id), slog.String("timestamp", ts))
		http.Error(w, "stale message", http.StatusForbidden)
		return
	}
	if parseErr != nil {
		telemetry.WebhookDeliveries.WithLabelValues("malformed").Inc()
		log.Warn("eventsub body is not valid json", slog.String("message_id", id), slog.Any("err", parseErr))
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Header.Get(HeaderMessageType) == MessageRevocation {
		telemetry.WebhookDeliveries.WithLabelValues("revoked").Inc()
		log.Warn("eventsub subscription revoked",
			slog.String("type", env.Subscription.Type),
			slog.String("subscription_id", env.Subscription.ID),
			slog.String("status", env.Subscription.Status))
		w.WriteHeader(http.StatusOK)
		return
	}

	first, err := g.seen.MarkSeen(r.Context(), id)
	if err != nil {
		// Processing twice is better than dropping a delivery.
		log.Error("delivery dedup failed, processing anyway", slog.String("message_id", id), slog.Any("err", err))
		first = true
	}
	if !first {
		telemetry.WebhookDeliveries.WithLabelValues("duplicate").Inc()
		log.Debug("duplicate eventsub delivery", slog.String("message_id", id))
		w.WriteHeader(http.StatusOK)
		return
	}

	g.dispatch(r.Context(), Notification{
		MessageID:    id,
		Timestamp:    ts,
		Subscription: env.Subscription,
		Event:        env.Event,
	})
	w.WriteHeader(http.StatusOK)
}

func (g *Gate) stale(ts string) bool {
	if g.maxAge <= 0 {
		return false
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return true
	}
	return g.now().Sub(t) > g.maxAge
}

// dispatch runs the handler for n. Handler failures and panics are logged.
func (g *Gate) dispatch(ctx context.Context, n Notification) {
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "eventsub_gate"),
		slog.String("type", n.Subscription.Type),
		slog.String("message_id", n.MessageID))

	h, ok := g.handler(n.Subscription.Type)
	if !ok {
		telemetry.WebhookDeliveries.WithLabelValues("unhandled").Inc()
		log.Info("no handler for eventsub type")
		return
	}

	// Twitch may hang up once we are slow; the handler still finishes its writes.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handlerTimeout)
	defer cancel()
	hctx, span := telemetry.StartSpan(hctx, "eventsub.dispatch",
		attribute.String("eventsub.type", n.Subscription.Type),
		attribute.String("eventsub.message_id", n.MessageID))
	defer span.End()

	var err error
	telemetry.TimeFunc(telemetry.DispatchDuration.WithLabelValues(n.Subscription.Type), func() {
		err = safeCall(hctx, h, n)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.WebhookDeliveries.WithLabelValues("handler_error").Inc()
		log.Error("eventsub handler failed", slog.Any("err", err))
		return
	}
	telemetry.WebhookDeliveries.WithLabelValues("dispatched").Inc()
}

func safeCall(ctx context.Context, h HandlerFunc, n Notification) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return h(ctx, n)
}
