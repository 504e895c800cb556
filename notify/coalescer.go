// Package notify sends community notifications to the chat gateway: a
// debouncing coalescer for event bursts, the card announcer and direct
// messages with a log-channel fallback.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/streamquest/telemetry"
)

const (
	DefaultDebounceDelay = 3500 * time.Millisecond
	DefaultCooldown      = 10 * time.Second

	sendTimeout = 15 * time.Second
)

// SendFunc delivers one message.
type SendFunc func(ctx context.Context, content string) error

// BuildFunc renders the message when it is about to be sent.
type BuildFunc func() string

type pending struct {
	timer *time.Timer
	seq   uint64
}

// Coalescer debounces notifications per key and enforces a per-key cooldown.
// A debounced message is replaced by any later schedule for the same key and
// dropped when an immediate message for the key is sent first.
type Coalescer struct {
	send     SendFunc
	delay    time.Duration
	cooldown time.Duration
	now      func() time.Time
	log      *slog.Logger

	mu       sync.Mutex
	pending  map[string]pending
	lastSent map[string]time.Time
	seq      uint64
	stopped  bool
}

// CoalescerOption configures a Coalescer.
type CoalescerOption func(*Coalescer)

func WithDelay(d time.Duration) CoalescerOption    { return func(c *Coalescer) { c.delay = d } }
func WithCooldown(d time.Duration) CoalescerOption { return func(c *Coalescer) { c.cooldown = d } }

// WithClock replaces time.Now for cooldown checks.
func WithClock(now func() time.Time) CoalescerOption { return func(c *Coalescer) { c.now = now } }

// NewCoalescer returns a coalescer delivering through send.
func NewCoalescer(send SendFunc, opts ...CoalescerOption) *Coalescer {
	c := &Coalescer{
		send:     send,
		delay:    DefaultDebounceDelay,
		cooldown: DefaultCooldown,
		now:      time.Now,
		log:      slog.Default().With(slog.String("component", "coalescer")),
		pending:  make(map[string]pending),
		lastSent: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ScheduleDebounced (re)starts the delay timer for key. When it fires the
// message is built and sent unless key is in cooldown.
func (c *Coalescer) ScheduleDebounced(key string, build BuildFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if p, ok := c.pending[key]; ok {
		p.timer.Stop()
		telemetry.Notifications.WithLabelValues("superseded").Inc()
	}
	c.seq++
	seq := c.seq
	c.pending[key] = pending{
		seq:   seq,
		timer: time.AfterFunc(c.delay, func() { c.fire(key, seq, build) }),
	}
}

// SendImmediateAndCancelPending drops any pending debounced message for key
// and sends now, subject to the cooldown. It reports whether a message was
// sent.
func (c *Coalescer) SendImmediateAndCancelPending(ctx context.Context, key string, build BuildFunc) (bool, error) {
	c.mu.Lock()
	if p, ok := c.pending[key]; ok {
		p.timer.Stop()
		delete(c.pending, key)
		telemetry.Notifications.WithLabelValues("superseded").Inc()
	}
	ok := c.reserve(key)
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, c.deliver(ctx, key, build)
}

// Pending reports whether a debounced message is waiting for key.
func (c *Coalescer) Pending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	return ok
}

// Stop cancels every pending timer. Later schedules are ignored.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for key, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, key)
	}
}

func (c *Coalescer) fire(key string, seq uint64, build BuildFunc) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if !ok || p.seq != seq || c.stopped {
		// replaced or canceled after the timer already started
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	reserved := c.reserve(key)
	c.mu.Unlock()
	if !reserved {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	_ = c.deliver(ctx, key, build)
}

// reserve applies the cooldown and records the send time. c.mu must be held.
func (c *Coalescer) reserve(key string) bool {
	now := c.now()
	if last, ok := c.lastSent[key]; ok && now.Sub(last) < c.cooldown {
		telemetry.Notifications.WithLabelValues("suppressed").Inc()
		c.log.Debug("notification suppressed by cooldown", slog.String("key", key))
		return false
	}
	c.lastSent[key] = now
	if len(c.lastSent) > 1000 {
		for k, at := range c.lastSent {
			if now.Sub(at) >= c.cooldown {
				delete(c.lastSent, k)
			}
		}
	}
	return true
}

func (c *Coalescer) deliver(ctx context.Context, key string, build BuildFunc) error {
	if err := c.send(ctx, build()); err != nil {
		telemetry.Notifications.WithLabelValues("failed").Inc()
		c.log.Error("notification send failed", slog.String("key", key), slog.Any("err", err))
		return err
	}
	telemetry.Notifications.WithLabelValues("sent").Inc()
	return nil
}
