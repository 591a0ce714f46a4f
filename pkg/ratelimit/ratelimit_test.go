package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowConsumesBurst(t *testing.T) {
	// Burst of 2 means two immediate requests, then refill at 10/s
	limiter := NewLimiter(10, 2)

	if !limiter.Allow("10.0.0.1:9091") {
		t.Error("first request should be allowed")
	}
	if !limiter.Allow("10.0.0.1:9091") {
		t.Error("second request should be allowed")
	}
	if limiter.Allow("10.0.0.1:9091") {
		t.Error("third immediate request should be limited")
	}

	// A different client has its own bucket
	if !limiter.Allow("10.0.0.2:9091") {
		t.Error("other client should be allowed")
	}

	time.Sleep(150 * time.Millisecond)
	if !limiter.Allow("10.0.0.1:9091") {
		t.Error("request after refill should be allowed")
	}
}

func TestMiddlewareReturns429(t *testing.T) {
	limiter := NewLimiter(10, 1)
	handler := limiter.Middleware(func(*http.Request) string { return "agent" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest("GET", "/jobs/next", nil))
	if first.Code != http.StatusOK {
		t.Errorf("first request: expected 200, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest("GET", "/jobs/next", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", second.Code)
	}
}

func TestPruneDropsIdleClients(t *testing.T) {
	limiter := NewLimiter(10, 1)
	limiter.Allow("old")
	limiter.clients["old"].lastSeen = time.Now().Add(-time.Hour)
	limiter.Allow("fresh")

	limiter.Prune(time.Minute)

	if _, ok := limiter.clients["old"]; ok {
		t.Error("expected idle client pruned")
	}
	if _, ok := limiter.clients["fresh"]; !ok {
		t.Error("expected fresh client kept")
	}
}

func TestIPKey(t *testing.T) {
	direct := httptest.NewRequest("GET", "/builds", nil)
	direct.RemoteAddr = "192.168.1.10:34567"
	if key := IPKey(direct); key != "192.168.1.10:34567" {
		t.Errorf("unexpected key: %s", key)
	}

	proxied := httptest.NewRequest("GET", "/builds", nil)
	proxied.RemoteAddr = "127.0.0.1:34567"
	proxied.Header.Set("X-Forwarded-For", "203.0.113.7")
	if key := IPKey(proxied); key != "203.0.113.7" {
		t.Errorf("unexpected key behind proxy: %s", key)
	}
}
