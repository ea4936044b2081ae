package dashboard

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"agent-key-broker/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		keys       []string
		header     map[string]string
		wantStatus int
	}{
		{"no keys configured allows all", nil, nil, http.StatusOK},
		{"missing key rejected", []string{"k1"}, nil, http.StatusUnauthorized},
		{"wrong key rejected", []string{"k1"}, map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"valid key accepted", []string{"k1"}, map[string]string{"X-API-Key": "k1"}, http.StatusOK},
		{"bearer token accepted", []string{"k1"}, map[string]string{"Authorization": "Bearer k1"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := AuthMiddleware(tt.keys)(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/keys", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Error("no request id in context")
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Error("response header does not match context id")
	}

	// Caller-provided ids pass through.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "fixed-id" {
		t.Errorf("request id = %q, want fixed-id", seen)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimitMiddleware(1, 2)(okHandler())

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Errorf("burst requests rejected: %v", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", statuses[2])
	}
}

func TestServerRouting(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = []string{"k1"}
	cfg.Security.RateLimitRPS = 1000
	cfg.Security.RateLimitBurst = 1000

	handlers := testHandlers(&fakeKeys{}, &fakeTasks{})
	srv := NewServer(cfg, handlers, nil, nil)

	tests := []struct {
		path       string
		withKey    bool
		wantStatus int
	}{
		{"/health", false, http.StatusOK},
		{"/keys", false, http.StatusUnauthorized},
		{"/keys", true, http.StatusOK},
		{"/tasks", true, http.StatusOK},
		{"/interactions", true, http.StatusOK},
		{"/command_log", true, http.StatusOK},
		{"/api/usage", true, http.StatusOK},
		{"/", true, http.StatusOK},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if tt.withKey {
			req.Header.Set("X-API-Key", "k1")
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != tt.wantStatus {
			t.Errorf("GET %s (auth=%v) = %d, want %d", tt.path, tt.withKey, rec.Code, tt.wantStatus)
		}
	}
}
