package api

import "testing"

func TestClientRateLimiterEnforcesBudget(t *testing.T) {
	limiter := NewClientRateLimiter(20, 2)

	if !limiter.Allow("client-a") {
		t.Fatal("first request should pass")
	}
	if !limiter.Allow("client-a") {
		t.Fatal("second request should pass within burst")
	}
	if limiter.Allow("client-a") {
		t.Fatal("third immediate request should be limited")
	}
}

func TestClientRateLimiterIsolatesKeys(t *testing.T) {
	limiter := NewClientRateLimiter(20, 1)

	if !limiter.Allow("client-a") {
		t.Fatal("client-a first request should pass")
	}
	if limiter.Allow("client-a") {
		t.Fatal("client-a second request should be limited")
	}
	if !limiter.Allow("client-b") {
		t.Fatal("client-b should have its own budget")
	}
}

func TestClientRateLimiterRaisesZeroBurst(t *testing.T) {
	limiter := NewClientRateLimiter(20, 0)
	if !limiter.Allow("client-a") {
		t.Fatal("zero burst should still admit the first request")
	}
}
