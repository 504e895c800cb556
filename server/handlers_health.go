package server

import (
	"context"
	"errors"
	"net/http"
)

// HandleHealthz is the liveness probe: the process serves HTTP.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz checks the document store and the presence of a refresh token.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"document_store", func(ctx context.Context) error {
			if h.deps.Ping == nil {
				return nil
			}
			return h.deps.Ping(ctx)
		}},
		{"credentials", func(ctx context.Context) error {
			if h.deps.Credentials == nil {
				return errors.New("credential store not configured")
			}
			c, err := h.deps.Credentials.Load(ctx)
			if err != nil {
				return err
			}
			if c.RefreshToken == "" {
				return errors.New("no refresh token stored, run /auth/twitch/start")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
