package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/onnwee/streamquest/telemetry"
)

// HandleTwitchOAuthStart initiates the moderator consent flow by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.Consent == nil {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	authURL, err := h.deps.Consent.AuthorizeURL(st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the code and stores the new credential.
// The issuer recorded on the credential is the Twitch user id of the consenting account.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.deps.Consent == nil || h.deps.Credentials == nil {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		http.Error(w, "authorization denied: "+q.Get("error_description"), http.StatusBadRequest)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)
	tok, err := h.deps.Consent.Exchange(ctx, code)
	if err != nil {
		log.Error("oauth code exchange failed", slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	issuer, login := "", ""
	if v, err := h.deps.Consent.Validate(ctx, tok.AccessToken); err != nil {
		log.Warn("token validation failed after consent", slog.Any("err", err))
	} else {
		issuer, login = v.UserID, v.Login
	}
	if _, err := h.deps.Credentials.StoreConsent(ctx, tok, issuer); err != nil {
		log.Error("store consent failed", slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if h.deps.Tokens != nil {
		h.deps.Tokens.InvalidateAccessToken()
	}
	log.Info("moderator consent stored", slog.String("login", login), slog.Int("scopes", len(tok.Scopes)))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "login": login, "scopes": tok.Scopes, "expires_at": tok.Expiry})
}
