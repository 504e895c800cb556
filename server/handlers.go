// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/streamquest/members"
	"github.com/onnwee/streamquest/oauth"
	"github.com/onnwee/streamquest/twitchapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// TokenProvider hands out the moderator access token.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
	InvalidateAccessToken()
}

// Credentials is the credential record.
type Credentials interface {
	Load(ctx context.Context) (oauth.Credential, error)
	StoreConsent(ctx context.Context, tok oauth.Token, issuer string) (oauth.Credential, error)
}

// Consent runs the Twitch authorization code flow.
type Consent interface {
	AuthorizeURL(state string) (string, error)
	Exchange(ctx context.Context, code string) (oauth.Token, error)
	Validate(ctx context.Context, accessToken string) (*twitchapi.ValidateResult, error)
}

// CardAwarder awards a card and announces it.
type CardAwarder interface {
	AwardCard(ctx context.Context, login string, card members.Card) (members.Card, bool, error)
}

// MemberLinker links a member to a Discord account and announces the cards
// waiting for it.
type MemberLinker interface {
	LinkDiscord(ctx context.Context, login, discordID string) (int, error)
}

// Deps are the collaborators of the HTTP surface. Nil members disable the
// routes that need them.
type Deps struct {
	Webhook     http.Handler
	Tokens      TokenProvider
	Credentials Credentials
	Consent     Consent
	Cards       CardAwarder
	Links       MemberLinker
	// Ping checks the document store.
	Ping   func(ctx context.Context) error
	APIKey string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps       Deps
	stateStore map[string]time.Time
	stateMu    sync.Mutex
	now        func() time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		deps:       deps,
		stateStore: make(map[string]time.Time),
		now:        time.Now,
	}
}

// cleanExpiredStates removes expired OAuth states. Call with stateMu held.
func (h *Handlers) cleanExpiredStates() {
	now := h.now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState stores state; it reports false when the store is full.
func (h *Handlers) addOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 || len(h.stateStore) >= maxOAuthStates {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = h.now().Add(oauthStateTTL)
	return true
}

// consumeOAuthState removes state and reports whether it was valid.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && !h.now().After(exp)
}

type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{ErrorCode: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
