package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/streamquest/members"
	"github.com/onnwee/streamquest/oauth"
	"github.com/onnwee/streamquest/telemetry"
)

// HandleInternalToken returns a valid moderator access token to trusted
// sibling services.
func (h *Handlers) HandleInternalToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET")
		return
	}
	if h.deps.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, string(oauth.CodeRefreshFailed), "token manager not configured")
		return
	}
	tok, err := h.deps.Tokens.AccessToken(r.Context())
	if err != nil {
		code := oauth.CodeOf(err)
		if code == "" {
			code = oauth.CodeRefreshFailed
		}
		status := http.StatusInternalServerError
		if oauth.NeedsReconsent(err) {
			status = http.StatusServiceUnavailable
		}
		telemetry.LoggerWithCorr(r.Context()).Error("internal token request failed", slog.String("code", string(code)), slog.Any("err", err))
		writeError(w, status, string(code), err.Error())
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"access_token": tok})
}

type awardRequest struct {
	Login string       `json:"login"`
	Card  members.Card `json:"card"`
}

// HandleInternalCards awards a card to a member and triggers its announcement.
func (h *Handlers) HandleInternalCards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}
	if h.deps.Cards == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "card awards not configured")
		return
	}
	var req awardRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Login) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "login is required")
		return
	}
	card, created, err := h.deps.Cards.AwardCard(r.Context(), req.Login, req.Card)
	switch {
	case errors.Is(err, members.ErrUnknownMember):
		writeError(w, http.StatusNotFound, "UNKNOWN_MEMBER", "no member record for "+members.Normalize(req.Login))
		return
	case err != nil:
		telemetry.LoggerWithCorr(r.Context()).Error("award card failed", slog.String("login", req.Login), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "award failed")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"created": created, "card": card})
}

type linkRequest struct {
	Login     string `json:"login"`
	DiscordID string `json:"discord_id"`
}

// HandleInternalLink links a member to a Discord account. Cards awarded before
// the link are announced right away.
func (h *Handlers) HandleInternalLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}
	if h.deps.Links == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "member links not configured")
		return
	}
	var req linkRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	req.DiscordID = strings.TrimSpace(req.DiscordID)
	if strings.TrimSpace(req.Login) == "" || req.DiscordID == "" || strings.Contains(req.DiscordID, "/") {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "login and discord_id are required")
		return
	}
	announced, err := h.deps.Links.LinkDiscord(r.Context(), req.Login, req.DiscordID)
	switch {
	case errors.Is(err, members.ErrUnknownMember):
		writeError(w, http.StatusNotFound, "UNKNOWN_MEMBER", "no member record for "+members.Normalize(req.Login))
		return
	case errors.Is(err, members.ErrDiscordLinked):
		writeError(w, http.StatusConflict, "DISCORD_LINKED", "discord account linked to another member")
		return
	case err != nil:
		telemetry.LoggerWithCorr(r.Context()).Error("link discord failed", slog.String("login", req.Login), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "link failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"login":      members.Normalize(req.Login),
		"discord_id": req.DiscordID,
		"announced":  announced,
	})
}
