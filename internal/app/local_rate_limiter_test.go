package app

import (
	"context"
	"testing"
	"time"
)

func TestLocalRateLimiterAllowsWithinLimit(t *testing.T) {
	limiter := NewLocalRateLimiter()

	for i := 0; i < 3; i++ {
		count, retryAfter, err := limiter.ConsumeRateLimit(context.Background(), "purchase", "wallet-a", 3, time.Minute)
		if err != nil {
			t.Fatalf("ConsumeRateLimit returned error: %v", err)
		}
		if retryAfter != 0 {
			t.Fatalf("request %d throttled early: count=%d retryAfter=%d", i+1, count, retryAfter)
		}
	}
}

func TestLocalRateLimiterThrottlesBurst(t *testing.T) {
	limiter := NewLocalRateLimiter()

	for i := 0; i < 2; i++ {
		limiter.ConsumeRateLimit(context.Background(), "purchase", "wallet-b", 2, time.Minute)
	}
	count, retryAfter, err := limiter.ConsumeRateLimit(context.Background(), "purchase", "wallet-b", 2, time.Minute)
	if err != nil {
		t.Fatalf("ConsumeRateLimit returned error: %v", err)
	}
	if retryAfter == 0 {
		t.Fatalf("expected throttling after burst, got count=%d", count)
	}
}

func TestLocalRateLimiterIsolatesSubjects(t *testing.T) {
	limiter := NewLocalRateLimiter()

	for i := 0; i < 2; i++ {
		limiter.ConsumeRateLimit(context.Background(), "purchase", "wallet-c", 2, time.Minute)
	}
	_, retryAfter, err := limiter.ConsumeRateLimit(context.Background(), "purchase", "wallet-d", 2, time.Minute)
	if err != nil {
		t.Fatalf("ConsumeRateLimit returned error: %v", err)
	}
	if retryAfter != 0 {
		t.Fatal("one subject's burst must not throttle another")
	}
}

func TestLocalRateLimiterZeroLimitDisabled(t *testing.T) {
	limiter := NewLocalRateLimiter()

	count, retryAfter, err := limiter.ConsumeRateLimit(context.Background(), "purchase", "wallet-e", 0, time.Minute)
	if err != nil || count != 0 || retryAfter != 0 {
		t.Fatalf("disabled limiter should be a no-op, got count=%d retryAfter=%d err=%v", count, retryAfter, err)
	}
}
