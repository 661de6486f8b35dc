package mcp

import (
	"math"
	"time"

	"github.com/mcprouter/mcprouter/internal/config"
)

// backoffDelay returns the delay before retry attempt N (0-indexed):
// min(maxDelayMs, initialDelayMs * factor^attempt).
func backoffDelay(policy config.RestartPolicyConfig, attempt int) time.Duration {
	delay := float64(policy.InitialDelayMs) * math.Pow(policy.Factor, float64(attempt))
	if max := float64(policy.MaxDelayMs); delay > max {
		delay = max
	}
	return time.Duration(delay) * time.Millisecond
}
