// Package oauth owns the moderator OAuth credential: the credential record
// adapter over the document store, the token manager that refreshes rotating
// refresh tokens, and a background refresher that renews tokens before they
// expire.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// StartRefresher launches a goroutine that wakes up every interval (with
// jitter) and refreshes the token when its stored expiry falls within window.
// Reconsent-required failures are logged at error level with their code so
// they can be alerted on; transient ones at warn.
func StartRefresher(ctx context.Context, m *Manager, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			refreshIfDue(ctx, m, window)

			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter
			next := interval + time.Duration(rand.Int63n(jitterRange*2)-jitterRange)
			select {
			case <-ctx.Done():
				return
			case <-time.After(next):
			}
		}
	}()
}

// refreshIfDue performs one refresher check. It reports whether a refresh
// was attempted.
func refreshIfDue(ctx context.Context, m *Manager, window time.Duration) bool {
	log := slog.With(slog.String("component", "oauth_refresher"))
	exp, err := m.ExpiresAt(ctx)
	if err != nil {
		log.Warn("credential read failed", slog.Any("err", err))
		return false
	}
	if !exp.IsZero() && time.Until(exp) > window {
		return false
	}
	if _, err := m.Refresh(ctx); err != nil {
		if NeedsReconsent(err) {
			log.Error("token refresh needs re-consent", slog.String("error_code", string(CodeOf(err))), slog.Any("err", err))
		} else {
			log.Warn("token refresh failed", slog.String("error_code", string(CodeOf(err))), slog.Any("err", err))
		}
		return true
	}
	return true
}
