package oauth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/streamquest/crypto"
	"github.com/onnwee/streamquest/telemetry"
)

// RefreshFunc exchanges a refresh token at the issuer. Rejections must be
// reported as *RejectedError so invalid refresh tokens can be recognised.
type RefreshFunc func(ctx context.Context, refreshToken string) (Token, error)

const refreshKey = "refresh"

// Manager owns the access/refresh token lifecycle of one identity. At most
// one refresh runs per process; concurrent callers share its result.
type Manager struct {
	creds   *CredentialStore
	refresh RefreshFunc
	issuer  string
	skew    time.Duration
	timeout time.Duration
	now     func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
	// rejected is an access token a downstream API refused; it is never
	// handed out again even if the stored expiry says it is still valid.
	rejected string
	// unsaved is a rotated pair storage refused; its refresh token is the
	// only valid one until it is persisted.
	unsaved *unsavedToken
}

type unsavedToken struct {
	used string
	tok  Token
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSkew sets how long before expiry a token is considered stale (default 60s).
func WithSkew(d time.Duration) ManagerOption { return func(m *Manager) { m.skew = d } }

// WithIssuer records which client minted the tokens (issuer_identity).
func WithIssuer(id string) ManagerOption { return func(m *Manager) { m.issuer = id } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ManagerOption { return func(m *Manager) { m.now = now } }

// WithRefreshTimeout bounds one refresh round trip (default 15s).
func WithRefreshTimeout(d time.Duration) ManagerOption { return func(m *Manager) { m.timeout = d } }

// NewManager returns a token manager over creds.
func NewManager(creds *CredentialStore, refresh RefreshFunc, opts ...ManagerOption) *Manager {
	m := &Manager{
		creds:   creds,
		refresh: refresh,
		skew:    60 * time.Second,
		timeout: 15 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AccessToken returns a valid access token, refreshing when the cached one is
// within the skew of expiring. Failures are *TokenError values.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	if tok, ok := m.cachedToken(); ok {
		return tok, nil
	}
	return m.do(ctx, m.resolve)
}

// Refresh exchanges the stored refresh token now, regardless of the current
// token's expiry. It shares the single flight with AccessToken.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.forget()
	return m.do(ctx, func(ctx context.Context) (string, error) {
		if rt, ok := m.flushUnsaved(ctx); ok {
			return m.refreshWith(ctx, rt)
		}
		cred, err := m.creds.Load(ctx)
		if err != nil {
			return "", &TokenError{Code: CodeRefreshFailed, Message: "read credential", Err: err}
		}
		if cred.RefreshToken == "" {
			telemetry.TokenRefreshes.WithLabelValues(string(CodeNoRefreshToken)).Inc()
			return "", ErrNoRefreshToken
		}
		return m.refreshWith(ctx, cred.RefreshToken)
	})
}

// do runs fn once for all concurrent callers. The shared call is detached from
// any single caller's cancellation.
func (m *Manager) do(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return fn(rctx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// InvalidateAccessToken forces the next AccessToken call to refresh, even if
// the current token has not reached its expiry.
func (m *Manager) InvalidateAccessToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != "" {
		m.rejected = m.cached
	}
	m.cached = ""
	m.expiresAt = time.Time{}
}

// ExpiresAt reports the stored access token expiry (zero when unknown).
func (m *Manager) ExpiresAt(ctx context.Context) (time.Time, error) {
	c, err := m.creds.Load(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return c.AccessTokenExpiresAt, nil
}

func (m *Manager) cachedToken() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != "" && m.now().Before(m.expiresAt.Add(-m.skew)) {
		return m.cached, true
	}
	return "", false
}

func (m *Manager) remember(c Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = c.AccessToken
	m.expiresAt = c.AccessTokenExpiresAt
	if m.rejected == c.AccessToken {
		m.rejected = ""
	}
}

func (m *Manager) forget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = ""
	m.expiresAt = time.Time{}
}

func (m *Manager) usable(c Credential) bool {
	m.mu.Lock()
	rejected := m.rejected
	m.mu.Unlock()
	return c.AccessToken != "" && c.AccessToken != rejected &&
		m.now().Before(c.AccessTokenExpiresAt.Add(-m.skew))
}

// resolve runs inside the single flight: re-read storage (another process
// may have refreshed already) and refresh only when needed.
func (m *Manager) resolve(ctx context.Context) (string, error) {
	if tok, ok := m.cachedToken(); ok {
		return tok, nil
	}
	if rt, ok := m.flushUnsaved(ctx); ok {
		return m.refreshWith(ctx, rt)
	}
	cred, err := m.creds.Load(ctx)
	if err != nil {
		return "", &TokenError{Code: CodeRefreshFailed, Message: "read credential", Err: err}
	}
	if m.usable(cred) {
		m.remember(cred)
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		telemetry.TokenRefreshes.WithLabelValues(string(CodeNoRefreshToken)).Inc()
		return "", ErrNoRefreshToken
	}
	return m.refreshWith(ctx, cred.RefreshToken)
}

// maxRotationRetries bounds how often one refresh follows a rotation made by
// another process before giving up.
const maxRotationRetries = 2

func (m *Manager) refreshWith(ctx context.Context, refreshToken string) (string, error) {
	log := slog.With(slog.String("component", "token_manager"))

	tried := refreshToken
	for attempt := 0; ; attempt++ {
		tok, err := m.refresh(ctx, tried)
		if err == nil {
			return m.persist(ctx, tried, tok)
		}
		if !isInvalidRefresh(err) {
			return "", m.failTransient(ctx, err)
		}

		// The issuer rejected tried. If storage now holds a different refresh
		// token a sibling process rotated it first, and the purge below refuses
		// to run for the same reason when the rotation lands after this read.
		status, msg := describe(err)
		current, rotated := m.rotatedSince(ctx, tried)
		if !rotated {
			perr := m.creds.Purge(ctx, tried, status, msg)
			switch {
			case errors.Is(perr, ErrCredentialRotated):
				current, rotated = m.rotatedSince(ctx, tried)
			case perr != nil:
				log.Error("failed to purge rejected credential", slog.Any("err", perr))
			}
		}
		if rotated && attempt < maxRotationRetries {
			if m.usable(current) {
				log.Info("refresh token rotated by another process, using stored access token")
				m.remember(current)
				return current.AccessToken, nil
			}
			log.Info("refresh token rotated by another process, retrying with stored token")
			telemetry.TokenRefreshes.WithLabelValues("race_retry").Inc()
			tried = current.RefreshToken
			continue
		}

		m.forget()
		m.dropUnsaved()
		log.Error("refresh token rejected, re-consent required",
			slog.Int("status", status), slog.String("message", msg))
		telemetry.TokenRefreshes.WithLabelValues(string(CodeInvalidRefreshToken)).Inc()
		return "", &TokenError{Code: CodeInvalidRefreshToken, Status: status, Message: msg, Err: err}
	}
}

// rotatedSince reports whether storage holds a refresh token other than tried.
func (m *Manager) rotatedSince(ctx context.Context, tried string) (Credential, bool) {
	current, err := m.creds.Load(ctx)
	if err != nil || current.RefreshToken == "" {
		return Credential{}, false
	}
	return current, crypto.Fingerprint(current.RefreshToken) != crypto.Fingerprint(tried)
}

func (m *Manager) failTransient(ctx context.Context, err error) error {
	status, msg := describe(err)
	if rerr := m.creds.RecordError(ctx, status, msg); rerr != nil {
		slog.Warn("failed to record refresh error", slog.Any("err", rerr), slog.String("component", "token_manager"))
	}
	telemetry.TokenRefreshes.WithLabelValues(string(CodeRefreshFailed)).Inc()
	return &TokenError{Code: CodeRefreshFailed, Status: status, Message: msg, Err: err}
}

func (m *Manager) persist(ctx context.Context, used string, tok Token) (string, error) {
	cred, err := m.creds.Rotate(ctx, used, tok, m.issuer)
	if err != nil {
		// The issuer already rotated, so used is spent. Hand out the access
		// token and keep the pair until storage accepts it.
		slog.Error("failed to persist rotated token", slog.Any("err", err), slog.String("component", "token_manager"))
		expiry := tok.Expiry
		if expiry.IsZero() {
			expiry = m.now().Add(defaultTokenLifetime)
		}
		m.mu.Lock()
		m.unsaved = &unsavedToken{used: used, tok: tok}
		m.mu.Unlock()
		cred = Credential{AccessToken: tok.AccessToken, AccessTokenExpiresAt: expiry}
	} else {
		m.dropUnsaved()
	}
	m.remember(cred)
	telemetry.TokenRefreshes.WithLabelValues("ok").Inc()
	slog.Info("access token refreshed",
		slog.String("component", "token_manager"),
		slog.Int("rotation_count", cred.RotationCount),
		slog.Time("expires_at", cred.AccessTokenExpiresAt))
	return cred.AccessToken, nil
}

// flushUnsaved retries storing a pair whose persist failed. When storage still
// refuses it, the unsaved refresh token is returned so the caller refreshes
// with it instead of the spent stored one.
func (m *Manager) flushUnsaved(ctx context.Context) (string, bool) {
	m.mu.Lock()
	u := m.unsaved
	m.mu.Unlock()
	if u == nil {
		return "", false
	}
	log := slog.With(slog.String("component", "token_manager"))
	if _, err := m.creds.Rotate(ctx, u.used, u.tok, m.issuer); err != nil {
		log.Warn("rotated token still not persisted", slog.Any("err", err))
		if u.tok.RefreshToken == "" {
			return "", false
		}
		return u.tok.RefreshToken, true
	}
	m.mu.Lock()
	if m.unsaved == u {
		m.unsaved = nil
	}
	m.mu.Unlock()
	log.Info("persisted previously unsaved token")
	return "", false
}

func (m *Manager) dropUnsaved() {
	m.mu.Lock()
	m.unsaved = nil
	m.mu.Unlock()
}
