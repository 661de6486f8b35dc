package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mcprouter/mcprouter/internal/config"
	"github.com/mcprouter/mcprouter/internal/domain/breaker"
	"github.com/mcprouter/mcprouter/internal/domain/health"
	"github.com/mcprouter/mcprouter/internal/domain/upstream"
	"github.com/mcprouter/mcprouter/internal/observability"
)

const defaultHealthCheckInterval = 30 * time.Second

// HealthChecker periodically probes every enabled upstream with a cheap
// ListTools call, feeding the shared health.Store and circuit breaker.
// One instance per process, started once regardless of session count.
type HealthChecker struct {
	upstreams *UpstreamManager
	cfgRef    *config.Ref
	breaker   *breaker.Breaker
	health    *health.Store
	metrics   *observability.Metrics
	logger    *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

func NewHealthChecker(
	upstreams *UpstreamManager,
	cfgRef *config.Ref,
	b *breaker.Breaker,
	h *health.Store,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		upstreams: upstreams,
		cfgRef:    cfgRef,
		breaker:   b,
		health:    h,
		metrics:   metrics,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start launches the probe loop in the background. Stop (or ctx
// cancellation) ends it.
func (c *HealthChecker) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

func (c *HealthChecker) run(ctx context.Context) {
	defer c.wg.Done()

	interval := c.intervalFromConfig()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.probeAll(ctx)
			if next := c.intervalFromConfig(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (c *HealthChecker) intervalFromConfig() time.Duration {
	ms := c.cfgRef.Load().Routing.HealthChecks.IntervalMs
	if ms <= 0 {
		return defaultHealthCheckInterval
	}
	return time.Duration(ms) * time.Millisecond
}

// probeAll runs one round of health probes over every eligible upstream.
// A probe never interrupts another in-flight probe, and the loop never
// cancels a probe mid-flight — only the next tick is skipped if one is
// still running long.
func (c *HealthChecker) probeAll(ctx context.Context) {
	cfg := c.cfgRef.Load()
	if !cfg.Routing.HealthChecks.Enabled {
		return
	}

	for _, name := range c.upstreams.Names() {
		uc, ok := cfg.Upstreams[name]
		if !ok || !uc.Enabled {
			continue
		}
		if uc.Transport == string(upstream.TransportPipe) && !cfg.Routing.HealthChecks.IncludeStdio {
			continue
		}
		timeoutMs := cfg.Routing.HealthChecks.TimeoutMs
		if timeoutMs <= 0 {
			timeoutMs = uc.EffectiveTimeoutMs()
		}
		c.probe(ctx, name, time.Duration(timeoutMs)*time.Millisecond)
	}
}

func (c *HealthChecker) probe(ctx context.Context, name string, timeout time.Duration) {
	attempt, err := c.breaker.BeginAttempt(name)
	if err != nil {
		// Circuit already open or a half-open probe is in flight via
		// regular traffic; don't double-penalize with a redundant probe.
		return
	}

	client, err := c.upstreams.Get(name)
	if err != nil {
		attempt.End(false)
		c.recordOutcome(name, false, err)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, listErr := client.ListTools(probeCtx)
	ok := classifyOutcome(listErr)
	attempt.End(ok)
	c.recordOutcome(name, ok, listErr)
}

func (c *HealthChecker) recordOutcome(name string, ok bool, err error) {
	if ok {
		c.health.MarkHealthy(name)
	} else {
		c.health.MarkUnhealthy(name, err)
	}

	if c.metrics == nil {
		return
	}
	c.metrics.RecordHealthCheck(name, ok)
	status := "HEALTHY"
	if !ok {
		status = "UNHEALTHY"
		c.metrics.RecordUpstreamFailure(name)
	}
	c.metrics.SetUpstreamHealth(name, status)
	c.metrics.SetCircuitState(name, string(c.breaker.Snapshot(name).State))
}

// Stop ends the probe loop and waits for it to exit. Idempotent is not
// guaranteed; call once.
func (c *HealthChecker) Stop() {
	close(c.done)
	c.wg.Wait()
}
