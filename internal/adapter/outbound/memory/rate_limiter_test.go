// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestRateLimiter_Allow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	result, err := limiter.Allow(ctx, "test-key", 600)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !result.Allowed {
		t.Error("First request should be allowed")
	}
}

func TestRateLimiter_BurstRequests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	// Capacity equals rpm, so a principal configured for 3rpm can spend its
	// whole budget in one burst before being denied.
	allowedCount := 0
	for i := 0; i < 10; i++ {
		result, err := limiter.Allow(ctx, "burst-key", 3)
		if err != nil {
			t.Fatalf("Allow() error on request %d: %v", i, err)
		}
		if result.Allowed {
			allowedCount++
		}
	}

	if allowedCount != 3 {
		t.Errorf("allowedCount = %d, want exactly 3 (burst capacity)", allowedCount)
	}
}

func TestRateLimiter_Exhaustion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	allowedCount := 0
	deniedCount := 0
	for i := 0; i < 20; i++ {
		result, err := limiter.Allow(ctx, "exhaust-key", 3)
		if err != nil {
			t.Fatalf("Allow() error on request %d: %v", i, err)
		}
		if result.Allowed {
			allowedCount++
		} else {
			deniedCount++
			if result.RetryAfterSeconds <= 0 {
				t.Errorf("denied result RetryAfterSeconds = %d, want > 0", result.RetryAfterSeconds)
			}
		}
	}

	if deniedCount == 0 {
		t.Errorf("expected some denied requests after exhausting burst, got 0 denied out of 20")
	}
	if allowedCount != 3 {
		t.Errorf("allowedCount = %d, want exactly 3 (burst capacity)", allowedCount)
	}
}

func TestRateLimiter_DifferentKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key-%d", i)
		result, err := limiter.Allow(ctx, key, 10)
		if err != nil {
			t.Fatalf("Allow() for %s error: %v", key, err)
		}
		if !result.Allowed {
			t.Errorf("first request for %s should be allowed", key)
		}
	}

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key-%d", i)
		result, err := limiter.Allow(ctx, key, 10)
		if err != nil {
			t.Fatalf("Allow() second request for %s error: %v", key, err)
		}
		if !result.Allowed {
			t.Errorf("second request for %s should be allowed (burst > 1)", key)
		}
	}
}

func TestRateLimiter_Recovery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	// rpm=1 gives a capacity of 1 token; the single burst request exhausts it.
	result1, err := limiter.Allow(ctx, "recovery-key", 1)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !result1.Allowed {
		t.Error("first request should be allowed")
	}

	result2, err := limiter.Allow(ctx, "recovery-key", 1)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if result2.Allowed {
		t.Error("second immediate request should be denied (bucket exhausted)")
	}

	// rpm=1 refills one token roughly every 60s; instead of waiting, verify
	// a higher-rpm key recovers quickly to keep the test fast. rpm=1200
	// refills 0.02 tokens/ms, so 100ms restores two tokens.
	ctx2 := context.Background()
	fast := NewRateLimiter()
	for i := 0; i < 1200; i++ {
		if r, _ := fast.Allow(ctx2, "fast-recovery", 1200); !r.Allowed {
			t.Fatalf("request %d within the 1200-token burst should be allowed", i)
		}
	}
	if r, _ := fast.Allow(ctx2, "fast-recovery", 1200); r.Allowed {
		t.Fatal("request after spending the whole burst should be denied")
	}
	time.Sleep(100 * time.Millisecond)
	if r, _ := fast.Allow(ctx2, "fast-recovery", 1200); !r.Allowed {
		t.Error("request after a refill window should be allowed")
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	var wg sync.WaitGroup
	errCh := make(chan error, 200)
	allowedCount := make(chan bool, 200)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := limiter.Allow(ctx, "concurrent-key", 100)
			if err != nil {
				errCh <- err
				return
			}
			allowedCount <- result.Allowed
		}()
	}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := fmt.Sprintf("concurrent-key-%d", idx%26)
			_, err := limiter.Allow(ctx, key, 100)
			if err != nil {
				errCh <- err
			}
		}(i)
	}

	wg.Wait()
	close(errCh)
	close(allowedCount)

	for err := range errCh {
		t.Errorf("concurrent access error: %v", err)
	}

	allowed := 0
	for a := range allowedCount {
		if a {
			allowed++
		}
	}
	if allowed == 0 {
		t.Error("expected some requests to be allowed")
	}
}

// TestRateLimiter_Exempt is property P7: if rpm is null/unset (represented
// here as <= 0), no call is ever rate-limited.
func TestRateLimiter_Exempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	for i := 0; i < 50; i++ {
		result, err := limiter.Allow(ctx, "exempt-key", 0)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("request %d denied for rpm<=0, want always allowed", i)
		}
	}
}

func TestRateLimiter_KeyIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	for i := 0; i < 5; i++ {
		_, _ = limiter.Allow(ctx, "key-1", 1)
	}

	result, err := limiter.Allow(ctx, "key-2", 1)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !result.Allowed {
		t.Error("key-2 should be allowed (keys are isolated)")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiterWithConfig(100*time.Millisecond, 200*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	keys := []string{"cleanup-key-1", "cleanup-key-2", "cleanup-key-3"}
	for _, key := range keys {
		if _, err := limiter.Allow(ctx, key, 10); err != nil {
			t.Fatalf("Allow() error for %s: %v", key, err)
		}
	}

	initialSize := limiter.Size()
	if initialSize != len(keys) {
		t.Errorf("expected %d keys after adding, got %d", len(keys), initialSize)
	}

	time.Sleep(400 * time.Millisecond)

	if finalSize := limiter.Size(); finalSize != 0 {
		t.Errorf("expected 0 keys after cleanup, got %d", finalSize)
	}
}

func TestRateLimiterNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	limiter := NewRateLimiterWithConfig(50*time.Millisecond, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	limiter.StartCleanup(ctx)

	for i := 0; i < 10; i++ {
		_, _ = limiter.Allow(ctx, "leak-test-key", 10)
	}

	time.Sleep(150 * time.Millisecond)

	cancel()
	limiter.Stop()
}

func TestRateLimiterConcurrentAccessDuringCleanup(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiterWithConfig(10*time.Millisecond, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	var wg sync.WaitGroup
	errCh := make(chan error, 100)
	stopCh := make(chan struct{})

	numGoroutines := 10
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("concurrent-cleanup-key-%d", id%26)
			for {
				select {
				case <-stopCh:
					return
				default:
					if _, err := limiter.Allow(ctx, key, 100); err != nil {
						select {
						case errCh <- err:
						default:
						}
						return
					}
					time.Sleep(time.Millisecond)
				}
			}
		}(i)
	}

	time.Sleep(500 * time.Millisecond)

	close(stopCh)
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent access error: %v", err)
	}
}

func TestRateLimiterStopMultipleCalls(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiterWithConfig(100*time.Millisecond, 1*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter.StartCleanup(ctx)

	limiter.Stop()
	limiter.Stop()
	limiter.Stop()
}

func TestRateLimiterContextCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	limiter := NewRateLimiterWithConfig(50*time.Millisecond, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	limiter.StartCleanup(ctx)

	_, _ = limiter.Allow(ctx, "ctx-cancel-key", 10)

	cancel()
	limiter.Stop()
}

func TestRateLimiterLongRunning(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping long-running test in short mode")
	}
	defer goleak.VerifyNone(t)

	rl := NewRateLimiterWithConfig(100*time.Millisecond, 500*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer rl.Stop()

	rl.StartCleanup(ctx)

	start := time.Now()
	keyCount := 0
	for time.Since(start) < 3*time.Second {
		key := fmt.Sprintf("user-%04d", keyCount)
		_, _ = rl.Allow(context.Background(), key, 600)
		keyCount++
		time.Sleep(time.Millisecond)
	}

	time.Sleep(1 * time.Second)

	size := rl.Size()
	t.Logf("generated %d keys, map size after cleanup: %d", keyCount, size)

	if size > keyCount/2 {
		t.Errorf("map size %d is too large (generated %d keys), cleanup not working", size, keyCount)
	}
}

// TestRateLimiter_ManyUniqueKeys stress tests the cleanup mechanism with many unique keys.
func TestRateLimiter_ManyUniqueKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping many-keys stress test in short mode")
	}
	defer goleak.VerifyNone(t)

	rl := NewRateLimiterWithConfig(50*time.Millisecond, 200*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer rl.Stop()

	rl.StartCleanup(ctx)

	const totalKeys = 10000
	for i := 0; i < totalKeys; i++ {
		key := fmt.Sprintf("user-%05d", i)
		_, _ = rl.Allow(context.Background(), key, 10)
	}

	sizeBeforeCleanup := rl.Size()
	t.Logf("size after generating %d keys: %d", totalKeys, sizeBeforeCleanup)

	time.Sleep(500 * time.Millisecond)

	sizeAfterCleanup := rl.Size()
	t.Logf("size after cleanup: %d", sizeAfterCleanup)

	if sizeAfterCleanup > totalKeys/10 {
		t.Errorf("size %d too large after cleanup (expected < %d)", sizeAfterCleanup, totalKeys/10)
	}
}
