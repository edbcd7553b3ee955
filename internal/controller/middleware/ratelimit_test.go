package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimitMiddleware_Unlimited(t *testing.T) {
	middleware := RateLimitMiddleware(0, 0)

	calls := 0
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/abc", nil)
		req.RemoteAddr = "10.0.0.1:4321"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: got status %d, want %d", i, rr.Code, http.StatusOK)
		}
	}
	if calls != 50 {
		t.Errorf("got %d calls, want 50", calls)
	}
}

func TestRateLimitMiddleware_Throttles(t *testing.T) {
	middleware := RateLimitMiddleware(1, 2)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/abc", nil)
		req.RemoteAddr = "10.0.0.1:4321"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}

	// Burst of 2, then throttled.
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("burst requests should pass, got %v", codes)
	}
	throttled := 0
	for _, c := range codes[2:] {
		if c == http.StatusTooManyRequests {
			throttled++
		}
	}
	if throttled == 0 {
		t.Errorf("expected at least one throttled request, got %v", codes)
	}
}

func TestRateLimitMiddleware_PerClient(t *testing.T) {
	middleware := RateLimitMiddleware(1, 1)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Exhaust the first client's bucket.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/budget", nil)
	req.RemoteAddr = "10.0.0.1:4321"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rr.Code)
	}

	// A different client gets its own bucket.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/budget", nil)
	req.RemoteAddr = "10.0.0.2:4321"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("second client should not share the first client's bucket, got %d", rr.Code)
	}
}
