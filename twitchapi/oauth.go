package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/onnwee/streamquest/oauth"
)

const (
	DefaultAuthURL     = "https://id.twitch.tv/oauth2/authorize"
	DefaultTokenURL    = "https://id.twitch.tv/oauth2/token"
	DefaultValidateURL = "https://id.twitch.tv/oauth2/validate"
)

// TokenError is an error answer from the Twitch token endpoint, e.g.
// {"status":400,"message":"Invalid refresh token"}.
type TokenError struct {
	StatusCode int
	Message    string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("twitch token endpoint: %d %s", e.StatusCode, e.Message)
}

// OAuthConfig describes the Twitch application used for the moderator
// authorization code flow.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// Endpoint overrides (tests); defaults are the production Twitch URLs.
	AuthURL     string
	TokenURL    string
	ValidateURL string
	HTTPClient  *http.Client
}

// ParseScopes splits a space or comma separated scope list.
func ParseScopes(s string) []string {
	return strings.Fields(strings.ReplaceAll(s, ",", " "))
}

func (c *OAuthConfig) config() *oauth2.Config {
	authURL, tokenURL := c.AuthURL, c.TokenURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (c *OAuthConfig) context(ctx context.Context) context.Context {
	if c.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
	}
	return ctx
}

// AuthorizeURL constructs the user authorization URL for the code grant.
func (c *OAuthConfig) AuthorizeURL(state string) (string, error) {
	if c.ClientID == "" || c.RedirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	return c.config().AuthCodeURL(state), nil
}

// Exchange trades an authorization code for an access/refresh pair.
func (c *OAuthConfig) Exchange(ctx context.Context, code string) (oauth.Token, error) {
	if c.ClientID == "" || c.ClientSecret == "" || code == "" {
		return oauth.Token{}, errors.New("missing required parameter for auth code exchange")
	}
	tok, err := c.config().Exchange(c.context(ctx), code)
	if err != nil {
		return oauth.Token{}, tokenEndpointError(err)
	}
	return convertToken(tok), nil
}

// Refresh exchanges a refresh token. Twitch rotates refresh tokens for
// confidential clients, so callers must persist the returned pair.
func (c *OAuthConfig) Refresh(ctx context.Context, refreshToken string) (oauth.Token, error) {
	if c.ClientID == "" || c.ClientSecret == "" || refreshToken == "" {
		return oauth.Token{}, errors.New("missing clientID/clientSecret/refreshToken")
	}
	// An empty access token is never valid, so the source always hits the token endpoint.
	src := c.config().TokenSource(c.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return oauth.Token{}, tokenEndpointError(err)
	}
	return convertToken(tok), nil
}

// RefreshFunc adapts Refresh to the token manager: endpoint rejections
// become *oauth.RejectedError.
func (c *OAuthConfig) RefreshFunc() oauth.RefreshFunc {
	return func(ctx context.Context, refreshToken string) (oauth.Token, error) {
		tok, err := c.Refresh(ctx, refreshToken)
		var te *TokenError
		if errors.As(err, &te) {
			return oauth.Token{}, &oauth.RejectedError{Status: te.StatusCode, Message: te.Message}
		}
		return tok, err
	}
}

// ValidateResult is the /oauth2/validate answer.
type ValidateResult struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// Validate asks Twitch who an access token belongs to.
func (c *OAuthConfig) Validate(ctx context.Context, accessToken string) (*ValidateResult, error) {
	u := c.ValidateURL
	if u == "" {
		u = DefaultValidateURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, &TokenError{StatusCode: resp.StatusCode, Message: readMessage(resp.Body)}
	}
	var res ValidateResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode validate response: %w", err)
	}
	return &res, nil
}

func convertToken(tok *oauth2.Token) oauth.Token {
	out := oauth.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	// Twitch returns scope as a JSON array.
	switch v := tok.Extra("scope").(type) {
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				out.Scopes = append(out.Scopes, str)
			}
		}
	case string:
		out.Scopes = ParseScopes(v)
	}
	return out
}

// tokenEndpointError turns an oauth2.RetrieveError into *TokenError using
// the Twitch {status, message} body.
func tokenEndpointError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return err
	}
	te := &TokenError{StatusCode: re.Response.StatusCode}
	var body struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
	}
	if json.Unmarshal(re.Body, &body) == nil && body.Message != "" {
		te.Message = body.Message
	} else if re.ErrorDescription != "" {
		te.Message = re.ErrorDescription
	} else {
		te.Message = strings.TrimSpace(string(re.Body))
	}
	return te
}
