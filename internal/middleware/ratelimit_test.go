package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func limitedRequest(remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.RemoteAddr = remoteAddr
	return req
}

func TestRateLimiterRejectsOverBudget(t *testing.T) {
	rl := NewRateLimiter(3)
	defer rl.Stop()

	var served int
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, limitedRequest("192.0.2.10:4000"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, limitedRequest("192.0.2.10:4000"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over budget, got %d", rec.Code)
	}
	if served != 3 {
		t.Errorf("expected 3 served requests, got %d", served)
	}
	if !strings.Contains(rec.Body.String(), "rate_limited") {
		t.Errorf("expected rate_limited error code, got %s", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON error, got content type %q", ct)
	}
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	rl := NewRateLimiter(1)
	defer rl.Stop()

	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, limitedRequest("192.0.2.10:4000"))
	if rec.Code != http.StatusOK {
		t.Fatalf("first client: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, limitedRequest("192.0.2.10:4000"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("first client: expected 429 after budget spent, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, limitedRequest("192.0.2.99:4000"))
	if rec.Code != http.StatusOK {
		t.Errorf("second client: expected its own budget, got %d", rec.Code)
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(2)
	defer rl.Stop()

	if !rl.allow("10.0.0.1:1000") || !rl.allow("10.0.0.1:1000") {
		t.Fatal("expected initial budget of 2")
	}
	if rl.allow("10.0.0.1:1000") {
		t.Fatal("expected empty bucket after budget spent")
	}

	rl.mu.Lock()
	rl.clients["10.0.0.1:1000"].lastRefill = time.Now().Add(-time.Minute)
	rl.mu.Unlock()

	if !rl.allow("10.0.0.1:1000") {
		t.Error("expected tokens after a minute of refill")
	}
}
