package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, 1, time.Minute)
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2)

	allowed, _, err := bucket.Allow(ctx, "tenant")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	allowed, _, _ = bucket.Allow(ctx, "other-tenant")
	if !allowed {
		t.Fatalf("expected buckets to be per key")
	}

	// Refill is not exercised: the script takes time from the caller, not from
	// miniredis's clock, so FastForward has no effect on it.
}

func TestMiddlewareRejectsPerTenant(t *testing.T) {
	bucket := newBucket(t, 1)
	h := bucket.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(tenant string) int {
		req := httptest.NewRequest(http.MethodPost, "/chat", nil)
		req.Header.Set("X-Tenant-ID", tenant)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := call("acme"); code != http.StatusNoContent {
		t.Fatalf("expected first request through, got %d", code)
	}
	if code := call("acme"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := call("globex"); code != http.StatusNoContent {
		t.Fatalf("expected other tenant through, got %d", code)
	}
}

func TestTenantKeyFallsBackToRemoteHost(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if got := TenantKey(req); got != "10.1.2.3" {
		t.Fatalf("expected remote host, got %q", got)
	}
}
