// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mcprouter/mcprouter/internal/domain/ratelimit"
)

// TokenBucketLimiter implements ratelimit.Limiter with one token bucket per
// key, held in memory. Thread-safe for concurrent access. Includes
// background cleanup to prevent unbounded memory growth across short-lived
// principals.
type TokenBucketLimiter struct {
	buckets         map[string]*ratelimit.Bucket
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
}

// NewRateLimiter creates a new in-memory rate limiter with default cleanup
// settings. Default cleanup interval: 5 minutes, default maxTTL: 1 hour.
func NewRateLimiter() *TokenBucketLimiter {
	return NewRateLimiterWithConfig(5*time.Minute, 1*time.Hour)
}

// NewRateLimiterWithConfig creates a new in-memory rate limiter with custom
// cleanup settings. cleanupInterval is how often to run cleanup; maxTTL is
// the maximum idle age of a bucket before removal.
func NewRateLimiterWithConfig(cleanupInterval, maxTTL time.Duration) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		buckets:         make(map[string]*ratelimit.Bucket),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
	}
}

// Allow refills key's bucket for elapsed time since its last check, then
// deducts one token if available. rpm sizes the bucket on first use (and on
// any later change, since capacity/refill are recomputed from rpm each
// call, so a principal's rpm can change between requests without a stale
// bucket lingering at the old capacity).
func (r *TokenBucketLimiter) Allow(ctx context.Context, key string, rpm int) (ratelimit.Result, error) {
	if rpm <= 0 {
		return ratelimit.Result{Allowed: true}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	capacity := float64(rpm)
	refillPerMs := capacity / 60000.0

	b, ok := r.buckets[key]
	if !ok {
		b = &ratelimit.Bucket{Tokens: capacity, UpdatedAt: now, Capacity: capacity, RefillPerMs: refillPerMs}
		r.buckets[key] = b
	}

	elapsedMs := float64(now.Sub(b.UpdatedAt)) / float64(time.Millisecond)
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	b.Capacity = capacity
	b.RefillPerMs = refillPerMs
	b.Tokens = math.Min(capacity, b.Tokens+elapsedMs*refillPerMs)
	b.UpdatedAt = now

	if b.Tokens >= 1 {
		b.Tokens--
		return ratelimit.Result{Allowed: true}, nil
	}

	retryAfter := int(math.Ceil((1 - b.Tokens) / refillPerMs / 1000))
	return ratelimit.Result{Allowed: false, RetryAfterSeconds: retryAfter}, nil
}

// StartCleanup starts the background cleanup goroutine. The goroutine
// periodically removes buckets idle longer than maxTTL. It stops when ctx
// is cancelled or Stop() is called.
func (r *TokenBucketLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup removes buckets idle longer than maxTTL. Only the background
// cleanup goroutine should call this.
func (r *TokenBucketLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.maxTTL)
	cleaned := 0

	for key, b := range r.buckets {
		if b.UpdatedAt.Before(cutoff) {
			delete(r.buckets, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(r.buckets))
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *TokenBucketLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked keys.
func (r *TokenBucketLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*TokenBucketLimiter)(nil)
