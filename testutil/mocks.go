package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks the Twitch Helix and
// OAuth endpoints. Handlers are keyed by "METHOD /path" or by "/path" for any
// method. Helix paths live under /helix, OAuth under /oauth2.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		requests: make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests[r.URL.Path]++
		h, ok := m.Handlers[r.Method+" "+r.URL.Path]
		if !ok {
			h, ok = m.Handlers[r.URL.Path]
		}
		m.mu.Unlock()
		if ok {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// HelixURL is the Helix base URL to configure clients with.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// TokenURL is the OAuth token endpoint.
func (m *MockTwitchServer) TokenURL() string { return m.URL + "/oauth2/token" }

// Handle registers h for key ("GET /helix/users" or "/helix/users").
func (m *MockTwitchServer) Handle(key string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[key] = h
}

// Requests reports how many requests hit path.
func (m *MockTwitchServer) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUsers answers /helix/users?id=... from an id -> login map.
func (m *MockTwitchServer) MockUsers(logins map[string]string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		for _, id := range r.URL.Query()["id"] {
			if login, ok := logins[id]; ok {
				data = append(data, map[string]string{"id": id, "login": login})
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": data})
	})
}

// MockStreamsResponse answers /helix/streams with the given streams.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"data": streams})
	})
}

// MockChatters answers /helix/chat/chatters, one page per element, chaining
// pages with cursors "1", "2", ...
func (m *MockTwitchServer) MockChatters(pages ...[]string) {
	m.Handle("/helix/chat/chatters", func(w http.ResponseWriter, r *http.Request) {
		idx := 0
		if after := r.URL.Query().Get("after"); after != "" {
			for i := range pages {
				if cursorFor(i) == after {
					idx = i
				}
			}
		}
		var data []map[string]string
		if idx < len(pages) {
			for _, login := range pages[idx] {
				data = append(data, map[string]string{"user_login": login})
			}
		}
		cursor := ""
		if idx+1 < len(pages) {
			cursor = cursorFor(idx + 1)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": data, "pagination": map[string]string{"cursor": cursor}})
	})
}

func cursorFor(i int) string { return strconv.Itoa(i) }

// MockOAuthTokenResponse answers the token endpoint with a fresh pair.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
			"scope":         []string{"moderator:read:chatters"},
		})
	})
}

// MockOAuthError answers the token endpoint with a Twitch style error body.
func (m *MockTwitchServer) MockOAuthError(status int, message string) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, status, map[string]any{"status": status, "message": message})
	})
}
