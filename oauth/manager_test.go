package oauth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/streamquest/crypto"
	"github.com/onnwee/streamquest/docstore"
)

func seedCredential(t *testing.T, s *CredentialStore, c Credential) {
	t.Helper()
	if c.RefreshToken != "" && c.RefreshTokenHash == "" {
		c.RefreshTokenHash = crypto.Fingerprint(c.RefreshToken)
	}
	if err := s.Save(context.Background(), c); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func loadCredential(t *testing.T, s *CredentialStore) Credential {
	t.Helper()
	c, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}
	return c
}

// fakeIssuer mints a new pair for each known refresh token and rejects the rest.
type fakeIssuer struct {
	mu    sync.Mutex
	calls int32
	delay time.Duration
	valid map[string]bool
	used  []string
	next  int
	err   error
}

func newFakeIssuer(valid ...string) *fakeIssuer {
	f := &fakeIssuer{valid: make(map[string]bool)}
	for _, v := range valid {
		f.valid[v] = true
	}
	return f
}

func (f *fakeIssuer) refresh(ctx context.Context, rt string) (Token, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used = append(f.used, rt)
	if f.err != nil {
		return Token{}, f.err
	}
	if !f.valid[rt] {
		return Token{}, &RejectedError{Status: 400, Message: "Invalid refresh token"}
	}
	delete(f.valid, rt)
	f.next++
	newRT := fmt.Sprintf("refresh-%d", f.next)
	f.valid[newRT] = true
	return Token{
		AccessToken:  fmt.Sprintf("access-%d", f.next),
		RefreshToken: newRT,
		Expiry:       time.Now().Add(4 * time.Hour),
		Scopes:       []string{"moderator:read:chatters"},
	}, nil
}

func (f *fakeIssuer) Calls() int { return int(atomic.LoadInt32(&f.calls)) }

func TestAccessToken_UsesValidStoredToken(t *testing.T) {
	creds := NewCredentialStore(docstore.NewMemory(), "", nil)
	seedCredential(t, creds, Credential{
		AccessToken:          "stored-access",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
		RefreshToken:         "r0",
	})
	issuer := newFakeIssuer("r0")
	m := NewManager(creds, issuer.refresh)

	for i := 0; i < 3; i++ {
		tok, err := m.AccessToken(context.Background())
		if err != nil {
			t.Fatalf("AccessToken: %v", err)
		}
		if tok != "stored-access" {
			t.Errorf("token = %q, want stored-access", tok)
		}
	}
	if issuer.Calls() != 0 {
		t.Errorf("refresh calls = %d, want 0", issuer.Calls())
	}
}

func TestAccessToken_SkewForcesRefresh(t *testing.T) {
	creds := NewCredentialStore(docstore.NewMemory(), "", nil)
	seedCredential(t, creds, Credential{
		AccessToken:          "almost-expired",
		AccessTokenExpiresAt: time.Now().Add(30 * time.Second),
		RefreshToken:         "r0",
	})
	issuer := newFakeIssuer("r0")
	m := NewManager(creds, issuer.refresh)

	tok, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "access-1" {
		t.Errorf("token = %q, want access-1 (inside 60s skew)", tok)
	}
}

// Expired token with a valid refresh token: one refresh, rotation recorded.
func TestAccessToken_ExpiredTokenRefreshesOnce(t *testing.T) {
	creds := NewCredentialStore(docstore.NewMemory(), "", nil)
	seedCredential(t, creds, Credential{
		AccessToken:          "old-access",
		AccessTokenExpiresAt: time.Now().Add(-5 * time.Minute),
		RefreshToken:         "r0",
		RotationCount:        3,
	})
	issuer := newFakeIssuer("r0")
	m := NewManager(creds, issuer.refresh, WithIssuer("client-123"))

	tok, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "access-1" {
		t.Errorf("token = %q, want access-1", tok)
	}
	if issuer.Calls() != 1 {
		t.Errorf("refresh calls = %d, want 1", issuer.Calls())
	}

	c := loadCredential(t, creds)
	if c.RotationCount != 4 {
		t.Errorf("rotation_count = %d, want 4", c.RotationCount)
	}
	if c.AccessToken != "access-1" || c.RefreshToken != "refresh-1" {
		t.Errorf("stored pair = %q/%q, want access-1/refresh-1", c.AccessToken, c.RefreshToken)
	}
	if c.PrevRefreshTokenHash != crypto.Fingerprint("r0") {
		t.Error("prev_refresh_token_hash should fingerprint the token used for the exchange")
	}
	if c.RefreshTokenHash != crypto.Fingerprint("refresh-1") {
		t.Error("refresh_token_hash should fingerprint the new refresh token")
	}
	if c.IssuerIdentity != "client-123" {
		t.Errorf("issuer_identity = %q", c.IssuerIdentity)
	}

	// Second call is served from cache.
	if _, err := m.AccessToken(context.Background()); err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if issuer.Calls() != 1 {
		t.Errorf("refresh calls after cached read = %d, want 1", issuer.Calls())
	}
}

func TestAccessToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	creds := NewCredentialStore(docstore.NewMemory(), "", nil)
	seedCredential(t, creds, Credential{
		AccessToken:          "expired",
		AccessTokenExpiresAt: time.Now().Add(-time.Minute),
		RefreshToken:         "r0",
	})
	issuer := newFakeIssuer("r0")
	issuer.delay = 50 * time.Millisecond
	m := NewManager(creds, issuer.refresh)

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tokens[i], errs[i] = m.AccessToken(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	if issuer.Calls() != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", issuer.Calls())
	}
	for i := range tokens {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "access-1" {
			t.Errorf("caller %d token = %q, want access-1", i, tokens[i])
		}
	}
}

// A sibling process rotated the refresh token while we were exchanging the
// old one: the manager retries with the stored token instead of purging.
func TestAccessToken_RecoversFromSiblingRotation(t *testing.T) {
	creds := NewCredentialStore(docstore.NewMemory(), "", nil)
	seedCredential(t, creds, Credential{
		AccessTokenExpiresAt: time.Now().Add(-time.Minute),
		RefreshToken:         "stale",
	})

	var calls []string
	refresh := func(ctx context.Context, rt string) (Token, error) {
		calls = append(calls, rt)
		switch rt {
		case "stale":
			// Sibling wins the race and stores its rotated token (without an
			// access token we could reuse).
			seedCredential(t, creds, Credential{RefreshToken: "sibling-rotated"})
			return Token{}, &RejectedError{Status: 400, Message: "Invalid refresh token"}
		case "sibling-rotated":
			return Token{AccessToken: "fresh-access", RefreshToken: "next", Expiry: time.Now().Add(time.Hour)}, nil
		}
		return Token{}, errors.New("unexpected token " + rt)
	}
	m := NewManager(creds, refresh)

	tok, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v (code %s)", err, CodeOf(err))
	}
	if tok != "fresh-access" {
		t.Errorf("token = %q, want fresh-access", tok)
	}
	if strings.Join(calls, ",") != "stale,sibling-rotated" {
		t.Errorf("refresh calls = %v", calls)
	}
	c := loadCredential(t, creds)
	if c.RefreshToken != "next" {
		t.Errorf("stored refresh token = %q, want next", c.RefreshToken)
	}
	if c.PrevRefreshTokenHash != crypto.Fingerprint("sibling-rotated") {
		t.Error("prev hash should fingerprint the token that was actually exchanged")
	}
}

func TestAccessToken_InvalidRefreshPurges(t *testing.T) {
	creds := NewCredentialStore(docstore.NewMemory(), "", nil)
	seedCredential(t, creds, Credential{
		AccessToken:          "expired",
		AccessTokenExpiresAt: time.Now().Add(-time.Minute),
		RefreshToken:         "revoked",
		RotationCount:        7,
	})
	issuer := newFakeIssuer() // knows no tokens
	m := NewManager(creds, issuer.refresh)

	_, err := m.AccessToken(context.Background())
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("err = %v, want ErrInvalidRefreshToken", err)
	}
	if !NeedsReconsent(err) {
		t.Error("invalid refresh should need re-consent")
	}
	var te *TokenError
	if !errors.As(err, &te) || te.Status != 400 {
		t.Errorf("token error = %#v, want status 400", te)
	}

	c := loadCredential(t, creds)
	if c.AccessToken != "" || c.RefreshToken != "" || !c.AccessTokenExpiresAt.IsZero() {
		t.Errorf("tokens should be cleared, got %+v", c)
	}
	if c.LastError == nil || c.LastError.Status != 400 || !strings.Contains(c.LastError.Message, "Invalid refresh token") {
		t.Errorf("last_error = %+v", c.LastError)
	}
	if c.RotationCount != 7 {
		t.Errorf("rotation_count = %d, want 7 (kept)", c.RotationCount)
	}

	// Next call reports the missing refresh token without hitting the issuer.
	before := issuer.Calls()
	if _, err := m.AccessToken(context.Background()); !errors.Is(err, ErrNoRefreshToken) {
		t.Errorf("after purge err = %v, want ErrNoRefreshToken", err)
	}
	if issuer.Calls() != before {
		t.Error("no refresh call expected without a refresh token")
	}
}

func TestAccessToken_NoCredential(t *testing.T) {
	m := NewManager(NewCredentialStore(docstore.NewMemory(), "", nil), newFakeIssuer().refresh)
	_, err := m.AccessToken(context.Background())
	if !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("err = %v, want ErrNoRefreshToken", err)
	}
	if CodeOf(err) != CodeNoRefreshToken {
		t.Errorf("code = %q", CodeOf(err))
	}
}

func TestAccessToken_TransientFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"network", errors.New("dial tcp: connection refused")},
		{"server error", &RejectedError{Status: 503, Message: "service unavailable"}},
		{"other 400", &RejectedError{Status: 400, Message: "missing client id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := NewCredentialStore(docstore.NewMemory(), "", nil)
			seedCredential(t, creds, Credential{
				AccessTokenExpiresAt: time.Now().Add(-time.Minute),
				RefreshToken:         "r0",
			})
			issuer := newFakeIssuer("r0")
			issuer.err = tt.err
			m := NewManager(creds, issuer.refresh)

			_, err := m.AccessToken(context.Background())
			if !errors.Is(err, ErrRefreshFailed) {
				t.Fatalf("err = %v, want ErrRefreshFailed", err)
			}
			if NeedsReconsent(err) {
				t.Error("transient failure must not ask for re-consent")
			}
			if !errors.Is(err, tt.err) {
				t.Error("cause should be wrapped")
			}
			c := loadCredential(t, creds)
			if c.RefreshToken != "r0" {
				t.Error("transient failure must keep the refresh token")
			}
			if c.LastError == nil {
				t.Error("last_error should be recorded")
			}
			if issuer.Calls() != 1 {
				t.Errorf("refresh calls = %d, want 1 (no internal retry)", issuer.Calls())
			}
		})
	}
}

func TestInvalidateAccessToken_ForcesRefresh(t *testing.T) {
	creds := NewCredentialStore(docstore.NewMemory(), "", nil)
	seedCredential(t, creds, Credential{
		AccessToken:          "revoked-upstream",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
		RefreshToken:         "r0",
	})
	issuer := newFakeIssuer("r0")
	m := NewManager(creds, issuer.refresh)

	tok, err := m.AccessToken(context.Background())
	if err != nil || tok != "revoked-upstream" {
		t.Fatalf("AccessToken = %q, %v", tok, err)
	}
	m.InvalidateAccessToken()
	tok, err = m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken after invalidate: %v", err)
	}
	if tok != "access-1" {
		t.Errorf("token = %q, want access-1", tok)
	}
	if issuer.Calls() != 1 {
		t.Errorf("refresh calls = %d, want 1", issuer.Calls())
	}
}

func TestCallerCancellationDoesNotAbortSharedRefresh(t *testing.T) {
	creds := NewCredentialStore(docstore.NewMemory(), "", nil)
	seedCredential(t, creds, Credential{RefreshToken: "r0"})
	issuer := newFakeIssuer("r0")
	issuer.delay = 50 * time.Millisecond
	m := NewManager(creds, issuer.refresh)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.AccessToken(ctx)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller err = %v", err)
	}

	tok, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "access-1" {
		t.Errorf("token = %q, want access-1", tok)
	}
	if issuer.Calls() != 1 {
		t.Errorf("refresh calls = %d, want 1", issuer.Calls())
	}
}

func TestCredentialStore_Encryption(t *testing.T) {
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32)))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	mem := docstore.NewMemory()
	creds := NewCredentialStore(mem, "settings/test", enc)
	if _, err := creds.StoreConsent(context.Background(), Token{
		AccessToken:  "plain-access",
		RefreshToken: "plain-refresh",
		Expiry:       time.Now().Add(time.Hour),
	}, "client"); err != nil {
		t.Fatalf("StoreConsent: %v", err)
	}

	raw, err := mem.Get(context.Background(), "settings/test")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, _ := json.Marshal(raw)
	if strings.Contains(string(b), "plain-access") || strings.Contains(string(b), "plain-refresh") {
		t.Errorf("tokens stored in plaintext: %s", b)
	}
	if raw["encryption_version"] != 1.0 {
		t.Errorf("encryption_version = %v, want 1", raw["encryption_version"])
	}

	c := loadCredential(t, creds)
	if c.AccessToken != "plain-access" || c.RefreshToken != "plain-refresh" {
		t.Errorf("decrypted pair = %q/%q", c.AccessToken, c.RefreshToken)
	}

	noKey := NewCredentialStore(mem, "settings/test", nil)
	if _, err := noKey.Load(context.Background()); err == nil {
		t.Error("loading an encrypted credential without a key should fail")
	}
}

func TestCredentialStore_StoreConsentRotation(t *testing.T) {
	creds := NewCredentialStore(docstore.NewMemory(), "", nil)
	ctx := context.Background()
	first, err := creds.StoreConsent(ctx, Token{AccessToken: "a1", RefreshToken: "r1"}, "client")
	if err != nil {
		t.Fatalf("StoreConsent: %v", err)
	}
	if first.RotationCount != 1 || first.PrevRefreshTokenHash != "" {
		t.Errorf("first consent = %+v", first)
	}
	if time.Until(first.AccessTokenExpiresAt) < 59*time.Minute {
		t.Errorf("missing expiry should default to ~60m, got %v", first.AccessTokenExpiresAt)
	}
	second, err := creds.StoreConsent(ctx, Token{AccessToken: "a2", RefreshToken: "r2"}, "client")
	if err != nil {
		t.Fatalf("StoreConsent: %v", err)
	}
	if second.RotationCount != 2 {
		t.Errorf("rotation_count = %d, want 2", second.RotationCount)
	}
	if second.PrevRefreshTokenHash != crypto.Fingerprint("r1") {
		t.Error("consent should move the previous hash into prev_refresh_token_hash")
	}
}

func TestRefreshIfDue(t *testing.T) {
	tests := []struct {
		name        string
		expiresIn   time.Duration
		wantAttempt bool
	}{
		{"far from expiry", 2 * time.Hour, false},
		{"inside window", 5 * time.Minute, true},
		{"already expired", -time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := NewCredentialStore(docstore.NewMemory(), "", nil)
			seedCredential(t, creds, Credential{
				AccessToken:          "current",
				AccessTokenExpiresAt: time.Now().Add(tt.expiresIn),
				RefreshToken:         "r0",
			})
			issuer := newFakeIssuer("r0")
			m := NewManager(creds, issuer.refresh)

			got := refreshIfDue(context.Background(), m, 15*time.Minute)
			if got != tt.wantAttempt {
				t.Errorf("refreshIfDue = %v, want %v", got, tt.wantAttempt)
			}
			wantCalls := 0
			if tt.wantAttempt {
				wantCalls = 1
			}
			if issuer.Calls() != wantCalls {
				t.Errorf("refresh calls = %d, want %d", issuer.Calls(), wantCalls)
			}
		})
	}
}

func TestCredentialStore_Update(t *testing.T) {
	s := NewCredentialStore(docstore.NewMemory(), "", nil)
	seedCredential(t, s, Credential{RefreshToken: "r1", RotationCount: 2})

	got, err := s.Update(context.Background(), func(c *Credential) error {
		c.RefreshToken = "r2"
		c.Scopes = []string{"moderator:read:chatters"}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.RefreshTokenHash != crypto.Fingerprint("r2") {
		t.Errorf("hash not recomputed: %q", got.RefreshTokenHash)
	}
	stored := loadCredential(t, s)
	if stored.RefreshToken != "r2" || stored.RotationCount != 2 || len(stored.Scopes) != 1 {
		t.Errorf("stored = %+v", stored)
	}

	boom := errors.New("abort")
	if _, err := s.Update(context.Background(), func(*Credential) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Update err = %v, want wrapped abort", err)
	}
	if loadCredential(t, s).RefreshToken != "r2" {
		t.Error("aborted update must not write")
	}
}

// hookStore wraps a store, calling afterGet after every Get and failing
// transactions while failTx is set.
type hookStore struct {
	docstore.Store

	mu       sync.Mutex
	gets     int
	failTx   bool
	afterGet func(n int)
}

func (s *hookStore) Get(ctx context.Context, path string) (docstore.Doc, error) {
	doc, err := s.Store.Get(ctx, path)
	s.mu.Lock()
	s.gets++
	n, hook := s.gets, s.afterGet
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return doc, err
}

func (s *hookStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	s.mu.Lock()
	fail := s.failTx
	s.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return s.Store.RunTransaction(ctx, fn)
}

func (s *hookStore) setFailTx(v bool) {
	s.mu.Lock()
	s.failTx = v
	s.mu.Unlock()
}

func TestAccessToken_SiblingRotationDuringPurgeIsKept(t *testing.T) {
	mem := docstore.NewMemory()
	seedCredential(t, NewCredentialStore(mem, "", nil), Credential{
		AccessToken:          "expired",
		AccessTokenExpiresAt: time.Now().Add(-time.Minute),
		RefreshToken:         "rt-1",
		RotationCount:        1,
	})
	sibling := NewCredentialStore(mem, "", nil)
	hook := &hookStore{Store: mem}
	hook.afterGet = func(n int) {
		// Second read is the one after the issuer rejected rt-1; the sibling's
		// rotation lands between it and the purge.
		if n != 2 {
			return
		}
		_, err := sibling.Rotate(context.Background(), "rt-1", Token{
			AccessToken:  "sibling-access",
			RefreshToken: "rt-2",
			Expiry:       time.Now().Add(time.Hour),
		}, "sibling")
		if err != nil {
			t.Errorf("sibling rotate: %v", err)
		}
	}
	creds := NewCredentialStore(hook, "", nil)
	issuer := newFakeIssuer() // rejects everything
	m := NewManager(creds, issuer.refresh)

	tok, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v (code %s)", err, CodeOf(err))
	}
	if tok != "sibling-access" {
		t.Errorf("token = %q, want sibling-access", tok)
	}
	if strings.Join(issuer.used, ",") != "rt-1" {
		t.Errorf("refresh calls = %v, want only rt-1", issuer.used)
	}

	c := loadCredential(t, creds)
	if c.RefreshToken != "rt-2" || c.AccessToken != "sibling-access" {
		t.Errorf("sibling credential was overwritten: %+v", c)
	}
	if c.LastError != nil {
		t.Errorf("last_error = %+v, want none", c.LastError)
	}
	if c.RotationCount != 2 {
		t.Errorf("rotation_count = %d, want 2", c.RotationCount)
	}
}

func TestCredentialStore_PurgeRefusesRotatedRecord(t *testing.T) {
	creds := NewCredentialStore(docstore.NewMemory(), "", nil)
	seedCredential(t, creds, Credential{
		AccessToken:          "a2",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
		RefreshToken:         "rt-2",
	})

	err := creds.Purge(context.Background(), "rt-1", 400, "Invalid refresh token")
	if !errors.Is(err, ErrCredentialRotated) {
		t.Fatalf("Purge err = %v, want ErrCredentialRotated", err)
	}
	c := loadCredential(t, creds)
	if c.RefreshToken != "rt-2" || c.AccessToken != "a2" || c.LastError != nil {
		t.Errorf("record changed: %+v", c)
	}

	if err := creds.Purge(context.Background(), "rt-2", 400, "Invalid refresh token"); err != nil {
		t.Fatalf("Purge matching token: %v", err)
	}
	c = loadCredential(t, creds)
	if c.RefreshToken != "" || c.AccessToken != "" {
		t.Errorf("tokens should be cleared, got %+v", c)
	}
	if c.RefreshTokenHash != crypto.Fingerprint("rt-2") {
		t.Error("refresh token hash should be kept")
	}
}

func TestAccessToken_UnsavedRotationIsNotLost(t *testing.T) {
	mem := docstore.NewMemory()
	seedCredential(t, NewCredentialStore(mem, "", nil), Credential{
		AccessTokenExpiresAt: time.Now().Add(-time.Minute),
		RefreshToken:         "r0",
	})
	hook := &hookStore{Store: mem}
	creds := NewCredentialStore(hook, "", nil)
	issuer := newFakeIssuer("r0")
	m := NewManager(creds, issuer.refresh)
	ctx := context.Background()

	hook.setFailTx(true)
	if tok, err := m.AccessToken(ctx); err != nil || tok != "access-1" {
		t.Fatalf("AccessToken = %q, %v; want access-1", tok, err)
	}
	if c := loadCredential(t, creds); c.RefreshToken != "r0" {
		t.Fatalf("stored refresh token = %q, want r0 (write failed)", c.RefreshToken)
	}

	// Storage still down: the next refresh must spend refresh-1, not r0.
	m.InvalidateAccessToken()
	if tok, err := m.AccessToken(ctx); err != nil || tok != "access-2" {
		t.Fatalf("AccessToken = %q, %v; want access-2", tok, err)
	}

	// Storage back: the pending pair is written before anything else.
	hook.setFailTx(false)
	m.InvalidateAccessToken()
	if tok, err := m.AccessToken(ctx); err != nil || tok != "access-3" {
		t.Fatalf("AccessToken = %q, %v; want access-3", tok, err)
	}
	if got := strings.Join(issuer.used, ","); got != "r0,refresh-1,refresh-2" {
		t.Errorf("refresh calls = %s", got)
	}
	c := loadCredential(t, creds)
	if c.RefreshToken != "refresh-3" || c.AccessToken != "access-3" {
		t.Errorf("stored = %+v, want refresh-3/access-3", c)
	}
	if c.LastError != nil {
		t.Errorf("last_error = %+v", c.LastError)
	}
}
