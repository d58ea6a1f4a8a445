package admission

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")

	if got := ClientIP(r); got != "203.0.113.5" {
		t.Fatalf("expected 203.0.113.5, got %s", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"

	if got := ClientIP(r); got != "10.0.0.1" {
		t.Fatalf("expected 10.0.0.1, got %s", got)
	}
}

func TestRateLimiterAllowsUpToMax(t *testing.T) {
	rl := NewRateLimiter(3, 60)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var lastStatus int
	for i := 0; i < 4; i++ {
		r := httptest.NewRequest(http.MethodGet, "/api/messages", nil)
		r.RemoteAddr = "1.2.3.4:1"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		lastStatus = w.Code
	}
	if lastStatus != http.StatusTooManyRequests {
		t.Fatalf("expected the 4th request over a burst of 3 to be rate limited, got %d", lastStatus)
	}
}

func TestRateLimiterExemptsStatsEndpoint(t *testing.T) {
	rl := NewRateLimiter(1, 60)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		r := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
		r.RemoteAddr = "5.6.7.8:1"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("exempt path should never be rate limited, got %d on request %d", w.Code, i)
		}
	}
}

func TestSecurityHeadersSetsExpectedHeaders(t *testing.T) {
	handler := SecurityHeaders(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("expected X-Frame-Options: DENY")
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("HSTS should not be set when TLS is not terminated")
	}
}

func TestSecurityHeadersSetsHSTSWhenTLSTerminated(t *testing.T) {
	handler := SecurityHeaders(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("expected HSTS header when TLS is terminated")
	}
}
