package util

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestWithRequestIDStoresLogger(t *testing.T) {
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if LoggerFromContext(r.Context()) == slog.Default() {
			t.Fatalf("expected request-scoped logger in context")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if LoggerFromContext(nil) != slog.Default() {
		t.Fatalf("nil context should fall back to default logger")
	}
}

func TestWithRequestLogReportsRoutePattern(t *testing.T) {
	var (
		gotRoute  string
		gotStatus int
	)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return WithRequestLog("test", func(_ string, route string, status int, _ time.Duration) {
			gotRoute, gotStatus = route, status
		}, next)
	})
	r.Get("/api/studies/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/studies/abc", nil))
	if gotRoute != "/api/studies/{id}" || gotStatus != http.StatusConflict {
		t.Fatalf("observed %q %d", gotRoute, gotStatus)
	}
}

func TestWithCORS(t *testing.T) {
	h := WithCORS([]string{"https://app.example.com/"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/studies", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" ||
		rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("unexpected cors headers %v", rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/studies", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unknown origin must not be allowed")
	}
}

func TestIsLocalHost(t *testing.T) {
	tests := map[string]bool{
		"localhost:3000":      true,
		"127.0.0.1":           true,
		"[::1]:8080":          true,
		"10.0.0.5:80":         true,
		"app.localhost":       true,
		"retinalab.ru":        false,
		"api.example.com:443": false,
	}
	for host, want := range tests {
		if got := IsLocalHost(host); got != want {
			t.Fatalf("IsLocalHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestIsHTTPS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if IsHTTPS(req) {
		t.Fatalf("plain request reported as https")
	}
	req.Header.Set("X-Forwarded-Proto", "HTTPS")
	if !IsHTTPS(req) {
		t.Fatalf("forwarded https not detected")
	}
}
