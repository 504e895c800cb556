package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/streamquest/oauth"
	"github.com/onnwee/streamquest/testutil"
)

func newOAuthConfig(m *testutil.MockTwitchServer) *OAuthConfig {
	return &OAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-secret",
		RedirectURI:  "http://localhost/auth/twitch/callback",
		Scopes:       ParseScopes("moderator:read:chatters,channel:manage:redemptions"),
		TokenURL:     m.TokenURL(),
		ValidateURL:  m.URL + "/oauth2/validate",
	}
}

func TestAuthorizeURL(t *testing.T) {
	tests := []struct {
		name      string
		cfg       OAuthConfig
		state     string
		wantErr   bool
		wantParts []string
	}{
		{
			name:      "valid request",
			cfg:       OAuthConfig{ClientID: "client-id", RedirectURI: "http://localhost/cb", Scopes: []string{"user:read:email", "chat:read"}},
			state:     "random-state",
			wantParts: []string{"client_id=client-id", "state=random-state", "scope=user%3Aread%3Aemail+chat%3Aread", "response_type=code"},
		},
		{name: "empty client ID", cfg: OAuthConfig{RedirectURI: "http://localhost/cb"}, wantErr: true},
		{name: "empty redirect URI", cfg: OAuthConfig{ClientID: "client"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := tt.cfg.AuthorizeURL(tt.state)
			if tt.wantErr {
				if err == nil {
					t.Error("AuthorizeURL() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("AuthorizeURL() unexpected error = %v", err)
			}
			if !strings.HasPrefix(u, DefaultAuthURL) {
				t.Errorf("URL doesn't start with Twitch auth endpoint: %s", u)
			}
			for _, part := range tt.wantParts {
				if !strings.Contains(u, part) {
					t.Errorf("URL missing expected part %q: %s", part, u)
				}
			}
		})
	}
}

func TestExchange(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("code") != "the-code" {
			t.Errorf("form = %v", r.PostForm)
		}
		if r.PostForm.Get("client_secret") != "test-secret" {
			t.Error("client secret should be sent in the form body")
		}
		testutil.WriteJSON(w, http.StatusOK, map[string]any{
			"access_token": "at", "refresh_token": "rt", "expires_in": 14000,
			"token_type": "bearer", "scope": []string{"a", "b"},
		})
	})
	cfg := newOAuthConfig(m)

	tok, err := cfg.Exchange(context.Background(), "the-code")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" {
		t.Errorf("token = %+v", tok)
	}
	if strings.Join(tok.Scopes, " ") != "a b" {
		t.Errorf("scopes = %v", tok.Scopes)
	}
	if d := time.Until(tok.Expiry); d < 3*time.Hour || d > 4*time.Hour {
		t.Errorf("expiry in %v, want ~14000s", d)
	}
}

func TestRefresh(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "old" {
			t.Errorf("form = %v", r.PostForm)
		}
		testutil.WriteJSON(w, http.StatusOK, map[string]any{
			"access_token": "new-at", "refresh_token": "new-rt", "expires_in": 3600, "token_type": "bearer",
		})
	})
	tok, err := newOAuthConfig(m).Refresh(context.Background(), "old")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tok.AccessToken != "new-at" || tok.RefreshToken != "new-rt" {
		t.Errorf("token = %+v", tok)
	}
}

func TestRefresh_InvalidRefreshToken(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthError(http.StatusBadRequest, "Invalid refresh token")
	cfg := newOAuthConfig(m)

	_, err := cfg.Refresh(context.Background(), "spent")
	var te *TokenError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TokenError", err)
	}
	if te.StatusCode != 400 || te.Message != "Invalid refresh token" {
		t.Errorf("token error = %+v", te)
	}

	_, err = cfg.RefreshFunc()(context.Background(), "spent")
	var rej *oauth.RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("RefreshFunc err = %v, want *oauth.RejectedError", err)
	}
	if rej.Status != 400 || rej.Message != "Invalid refresh token" {
		t.Errorf("rejection = %+v", rej)
	}
}

func TestRefreshFunc_DrivesManager(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("managed-at", "managed-rt", 3600)
	cfg := newOAuthConfig(m)

	creds := oauth.NewCredentialStore(testutil.NewStore(t, "test_settings"), "test_settings/moderator", nil)
	if err := creds.Save(context.Background(), oauth.Credential{RefreshToken: "seed"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	mgr := oauth.NewManager(creds, cfg.RefreshFunc(), oauth.WithIssuer(cfg.ClientID))

	tok, err := mgr.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "managed-at" {
		t.Errorf("token = %q", tok)
	}
	stored, err := creds.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stored.RefreshToken != "managed-rt" || stored.IssuerIdentity != "test-client-id" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestValidate(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "OAuth good" {
			testutil.WriteJSON(w, http.StatusUnauthorized, map[string]any{"status": 401, "message": "invalid access token"})
			return
		}
		testutil.WriteJSON(w, http.StatusOK, map[string]any{
			"client_id": "test-client-id", "login": "modbot", "user_id": "77",
			"scopes": []string{"moderator:read:chatters"}, "expires_in": 5000,
		})
	})
	cfg := newOAuthConfig(m)

	res, err := cfg.Validate(context.Background(), "good")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Login != "modbot" || res.UserID != "77" {
		t.Errorf("result = %+v", res)
	}

	_, err = cfg.Validate(context.Background(), "bad")
	var te *TokenError
	if !errors.As(err, &te) || te.StatusCode != 401 {
		t.Errorf("err = %v, want 401 TokenError", err)
	}
}

func TestParseScopes(t *testing.T) {
	got := ParseScopes(" a, b  c,d ")
	if strings.Join(got, "|") != "a|b|c|d" {
		t.Errorf("ParseScopes = %v", got)
	}
}
