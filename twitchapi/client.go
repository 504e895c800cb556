// Package twitchapi talks to Twitch: the OAuth endpoints (consent, refresh,
// app tokens) and the Helix REST API through an authenticated client that
// retries once after an invalid-token rejection.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/onnwee/streamquest/telemetry"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// TokenProvider supplies bearer tokens. Both the moderator token manager and
// the app TokenSource implement it.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
	InvalidateAccessToken()
}

// UpstreamError is a non-2xx answer from an authenticated API call, after the
// invalid-token retry was used up or did not apply.
type UpstreamError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("twitch %s %s: %d %s", e.Method, e.URL, e.StatusCode, e.Message)
}

var invalidTokenPattern = regexp.MustCompile(`(?i)invalid[_\s-]?token`)

// Client performs Helix calls with a bearer token and the Client-Id header.
type Client struct {
	Tokens     TokenProvider
	ClientID   string
	BaseURL    string
	HTTPClient *http.Client
}

// Request describes one API call. Path is relative to BaseURL unless it is an
// absolute URL. Body, when set, is sent as JSON.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) url(r Request) string {
	u := r.Path
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		base := c.BaseURL
		if base == "" {
			base = DefaultBaseURL
		}
		u = strings.TrimRight(base, "/") + "/" + strings.TrimLeft(u, "/")
	}
	if len(r.Query) > 0 {
		u += "?" + r.Query.Encode()
	}
	return u
}

// Do sends the request and returns the successful response; the caller closes
// its body. Non-2xx answers become *UpstreamError. A 401 that says the token
// is invalid invalidates the token and resends the identical request once.
// Token provider errors are returned unchanged.
func (c *Client) Do(ctx context.Context, r Request) (*http.Response, error) {
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	var body []byte
	if r.Body != nil {
		var err error
		if body, err = json.Marshal(r.Body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}
	target := c.url(r)

	resp, err := c.send(ctx, r.Method, target, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		msg := readMessage(resp.Body)
		closeBody(resp)
		if !invalidTokenPattern.MatchString(resp.Header.Get("WWW-Authenticate") + " " + msg) {
			return nil, &UpstreamError{Method: r.Method, URL: target, StatusCode: resp.StatusCode, Message: msg}
		}
		telemetry.LoggerWithCorr(ctx).Warn("twitch rejected token, refreshing and retrying once",
			slog.String("component", "twitch_client"), slog.String("url", target))
		telemetry.UpstreamRetries.Inc()
		c.Tokens.InvalidateAccessToken()
		if resp, err = c.send(ctx, r.Method, target, body); err != nil {
			return nil, err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readMessage(resp.Body)
		closeBody(resp)
		return nil, &UpstreamError{Method: r.Method, URL: target, StatusCode: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

// DoJSON sends the request and decodes a JSON response into out (when non-nil).
func (c *Client) DoJSON(ctx context.Context, r Request, out any) error {
	resp, err := c.Do(ctx, r)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", r.Method, r.Path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	tok, err := c.Tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("twitch %s %s: %w", method, target, err)
	}
	return resp, nil
}

// readMessage extracts the "message" field of a Twitch error body, falling
// back to the raw text.
func readMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &body) == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(b))
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
