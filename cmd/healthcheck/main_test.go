package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBaseURL(t *testing.T) {
	tests := []struct {
		name     string
		explicit string
		addr     string
		want     string
	}{
		{"default", "", "", "http://localhost:8080"},
		{"port only", "", ":9090", "http://localhost:9090"},
		{"host and port", "", "0.0.0.0:8081", "http://0.0.0.0:8081"},
		{"explicit wins", "http://bot:8080/", ":9090", "http://bot:8080"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := baseURL(tt.explicit, tt.addr); got != tt.want {
				t.Errorf("baseURL(%q, %q) = %q, want %q", tt.explicit, tt.addr, got, tt.want)
			}
		})
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := probe(context.Background(), srv.Client(), srv.URL+"/healthz"); err != nil {
		t.Errorf("healthz probe: %v", err)
	}
	if err := probe(context.Background(), srv.Client(), srv.URL+"/readyz"); err == nil {
		t.Error("readyz probe should fail on 503")
	}
}
