package app

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalRateLimiter is the single-instance fallback used when no Redis URL is
// configured. Each (scope, subject) pair gets its own token bucket; idle
// entries are evicted by a janitor goroutine.
type LocalRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*localLimiterEntry
}

type localLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocalRateLimiter() *LocalRateLimiter {
	l := &LocalRateLimiter{entries: make(map[string]*localLimiterEntry)}
	go l.janitor()
	return l
}

func (l *LocalRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if l == nil || limit <= 0 || window <= 0 || scope == "" || subject == "" {
		return 0, 0, nil
	}

	key := scope + ":" + subject

	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &localLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), limit),
		}
		l.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	reservation := entry.limiter.Reserve()
	if !reservation.OK() {
		return limit + 1, int(math.Ceil(window.Seconds())), nil
	}
	delay := reservation.Delay()
	if delay == 0 {
		return 1, 0, nil
	}

	// Over the limit. Give the token back so the wait estimate stays stable.
	reservation.Cancel()
	retryAfter := int(math.Ceil(delay.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return limit + 1, retryAfter, nil
}

func (l *LocalRateLimiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		l.mu.Lock()
		for key, entry := range l.entries {
			if entry.lastSeen.Before(cutoff) {
				delete(l.entries, key)
			}
		}
		l.mu.Unlock()
	}
}
