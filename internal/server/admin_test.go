package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/robolab/teleopctl/internal/testutil/testlog"
)

func TestAdminRouterEndpoints(t *testing.T) {
	testlog.Start(t)

	srv := startServer(t, fastServerConfig(), newCountingLoader(nil))
	router := NewAdminRouter(srv, zerolog.Nop())

	sess := connectSession(t, srv.Addr(), fastServerConfig().Session)
	waitForCount(t, srv.Registry(), 1)

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d, want 200", rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["status"] != "ok" {
			t.Fatalf("health body %v", body)
		}
	})

	t.Run("ready", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d, want 200", rec.Code)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "teleopctl_registry_sessions_active") {
			t.Fatal("metrics output missing session gauge")
		}
	})

	t.Run("sessions", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d, want 200", rec.Code)
		}
		var body struct {
			Count    int           `json:"count"`
			Sessions []SessionInfo `json:"sessions"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Count != 1 || len(body.Sessions) != 1 {
			t.Fatalf("sessions body %+v, want one session", body)
		}
		if body.Sessions[0].ID != sess.ID() {
			t.Fatalf("listed session %q, want %q", body.Sessions[0].ID, sess.ID())
		}
	})

	t.Run("session by id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+sess.ID(), nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d, want 200", rec.Code)
		}

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/nope", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status %d for unknown session, want 404", rec.Code)
		}
	})
}
