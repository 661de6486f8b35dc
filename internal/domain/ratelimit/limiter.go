package ratelimit

import "context"

// Limiter is the interface for per-principal rate limiting. Implementations
// are storage-agnostic; the only shipped implementation is in-memory (see
// internal/adapter/outbound/memory.TokenBucketLimiter).
//
// A principal with rpm <= 0 is exempt — callers should not invoke Allow for
// such principals at all.
type Limiter interface {
	// Allow consumes one token from key's bucket, sized to rpm requests per
	// minute, creating the bucket on first use.
	Allow(ctx context.Context, key string, rpm int) (Result, error)
}
