package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/onnwee/streamquest/testutil"
)

func TestTokenSource_GetCached(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "client_credentials" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		testutil.WriteJSON(w, http.StatusOK, map[string]any{
			"access_token": "app-token-123", "expires_in": 3600, "token_type": "bearer",
		})
	})
	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: m.TokenURL()}
	ctx := context.Background()

	token1, err := ts.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if token1 != "app-token-123" {
		t.Errorf("AccessToken() = %s, want app-token-123", token1)
	}
	if _, err := ts.AccessToken(ctx); err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if n := m.Requests("/oauth2/token"); n != 1 {
		t.Errorf("expected 1 token request (cached), got %d", n)
	}

	ts.InvalidateAccessToken()
	if _, err := ts.AccessToken(ctx); err != nil {
		t.Fatalf("AccessToken() after invalidate error = %v", err)
	}
	if n := m.Requests("/oauth2/token"); n != 2 {
		t.Errorf("expected 2 token requests after invalidate, got %d", n)
	}
}

func TestTokenSource_ShortLivedTokenNotCached(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("short", "", 30)
	ts := &TokenSource{ClientID: "c", ClientSecret: "s", TokenURL: m.TokenURL()}

	for i := 0; i < 2; i++ {
		if _, err := ts.AccessToken(context.Background()); err != nil {
			t.Fatalf("AccessToken() error = %v", err)
		}
	}
	if n := m.Requests("/oauth2/token"); n != 2 {
		t.Errorf("token inside the 60s buffer should be refetched, got %d requests", n)
	}
}

func TestTokenSource_Errors(t *testing.T) {
	tests := []struct {
		name string
		ts   func(m *testutil.MockTwitchServer) *TokenSource
	}{
		{
			name: "missing credentials",
			ts:   func(m *testutil.MockTwitchServer) *TokenSource { return &TokenSource{TokenURL: m.TokenURL()} },
		},
		{
			name: "endpoint rejects",
			ts: func(m *testutil.MockTwitchServer) *TokenSource {
				m.MockOAuthError(http.StatusForbidden, "invalid client secret")
				return &TokenSource{ClientID: "c", ClientSecret: "wrong", TokenURL: m.TokenURL()}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.NewMockTwitchServer(t)
			_, err := tt.ts(m).AccessToken(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}

	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthError(http.StatusForbidden, "invalid client secret")
	_, err := (&TokenSource{ClientID: "c", ClientSecret: "wrong", TokenURL: m.TokenURL()}).AccessToken(context.Background())
	var te *TokenError
	if !errors.As(err, &te) || te.StatusCode != http.StatusForbidden || te.Message != "invalid client secret" {
		t.Errorf("err = %v, want TokenError 403", err)
	}
}
