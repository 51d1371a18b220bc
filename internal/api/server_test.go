package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/creatorops/quotient/internal/session"
)

func newTestServer(t *testing.T, apiKey string) (*Server, *session.Store) {
	t.Helper()
	store := session.NewStore(0, nil)
	dummyChannel := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	return NewServer("", 0, apiKey, store, dummyChannel, nil), store
}

func TestHealthUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestVersionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/version", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["version"] == "" {
		t.Errorf("body = %v, want version field", body)
	}
}

func TestRootRequiresAPIKey(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	h := srv.Handler()

	tests := []struct {
		name       string
		key        string
		wantStatus int
	}{
		{"missing key", "", http.StatusForbidden},
		{"wrong key", "nope", http.StatusForbidden},
		{"correct key", "secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.key != "" {
				req.Header.Set("x-api-key", tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestUnsetAPIKeyRefusesEverything(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("x-api-key", "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 when no server key is configured", rec.Code)
	}
}

func TestClearChatSingleSession(t *testing.T) {
	srv, store := newTestServer(t, "secret")
	store.Append("s1", session.RoleUser, "hello", "")
	store.Append("s2", session.RoleUser, "other", "")

	req := httptest.NewRequest("POST", "/clear-chat", strings.NewReader(`{"session_id":"s1"}`))
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(store.History("s1")) != 0 {
		t.Error("s1 should be cleared")
	}
	if len(store.History("s2")) != 1 {
		t.Error("s2 must be untouched")
	}
}

func TestClearChatAllSessions(t *testing.T) {
	srv, store := newTestServer(t, "secret")
	store.Append("s1", session.RoleUser, "hello", "")
	store.Append("s2", session.RoleUser, "other", "")

	req := httptest.NewRequest("POST", "/clear-chat", nil)
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if body["success"] != true {
		t.Errorf("body = %v", body)
	}
	if len(store.History("s1")) != 0 || len(store.History("s2")) != 0 {
		t.Error("all sessions should be cleared")
	}
}

func TestClearChatRequiresAPIKey(t *testing.T) {
	srv, store := newTestServer(t, "secret")
	store.Append("s1", session.RoleUser, "hello", "")

	req := httptest.NewRequest("POST", "/clear-chat", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(store.History("s1")) != 1 {
		t.Error("history must survive an unauthorized clear")
	}
}

func TestSessionStats(t *testing.T) {
	srv, store := newTestServer(t, "secret")
	store.Append("s1", session.RoleUser, "hello", "")

	req := httptest.NewRequest("GET", "/v1/sessions/stats", nil)
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if body["sessions"].(float64) != 1 {
		t.Errorf("sessions = %v, want 1", body["sessions"])
	}
}
