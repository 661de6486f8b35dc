package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/mcprouter/mcprouter/internal/config"
	"github.com/mcprouter/mcprouter/internal/domain/auth"
	"github.com/mcprouter/mcprouter/internal/domain/breaker"
	"github.com/mcprouter/mcprouter/internal/domain/health"
	"github.com/mcprouter/mcprouter/internal/domain/ratelimit"
	"github.com/mcprouter/mcprouter/internal/domain/upstream"
	"github.com/mcprouter/mcprouter/internal/port/outbound"
)

// fakeClient is a scripted outbound.MCPClient used to drive the router
// engine through specific upstream behaviors without a real connection.
type fakeClient struct {
	mu        sync.Mutex
	tools     []upstream.ToolDescriptor
	listErr   error
	callErr   error
	callCount int
	closed    bool
}

func (f *fakeClient) ListTools(ctx context.Context) (upstream.ToolList, error) {
	if f.listErr != nil {
		return upstream.ToolList{}, f.listErr
	}
	return upstream.ToolList{Tools: f.tools}, nil
}

func (f *fakeClient) CallTool(ctx context.Context, name string, arguments map[string]any) (*upstream.CallResult, error) {
	f.mu.Lock()
	f.callCount++
	f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &upstream.CallResult{Content: []upstream.ContentBlock{{Type: "text", Text: "ok:" + name}}}, nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

// testHarness wires a router engine against an in-memory config and a set
// of named fake clients, without touching the filesystem or network.
type testHarness struct {
	cfgRef    *config.Ref
	breaker   *breaker.Breaker
	health    *health.Store
	upstreams *UpstreamManager
	clients   map[string]*fakeClient
}

func newTestHarness(t *testing.T, cfg *config.NormalizedConfig, clients map[string]*fakeClient) *testHarness {
	t.Helper()
	for name, uc := range cfg.Upstreams {
		uc.Name = name
		cfg.Upstreams[name] = uc
	}
	cfg.SetDefaults()

	b := breaker.New(breaker.Config{Enabled: true, FailureThreshold: 1, OpenMs: 60000}, nil)
	h := health.NewStore()
	logger := slog.Default()

	factory := func(uc config.UpstreamConfig) (outbound.MCPClient, error) {
		c, ok := clients[uc.Name]
		if !ok {
			return nil, errors.New("no fake client registered for " + uc.Name)
		}
		return c, nil
	}

	um := NewUpstreamManager(factory, b, h, logger)
	um.Reconcile(cfg)

	return &testHarness{
		cfgRef:    config.NewRef(cfg),
		breaker:   b,
		health:    h,
		upstreams: um,
		clients:   clients,
	}
}

func (h *testHarness) engine(p *auth.Principal) *RouterEngine {
	if p == nil {
		p = auth.Anonymous()
	}
	return NewRouterEngine("session-1", p, h.cfgRef, h.upstreams, h.breaker, h.health, nil, nil, nil, slog.Default())
}

func upstreamConfig(transport string, enabled bool, tags []string, version string) config.UpstreamConfig {
	return config.UpstreamConfig{
		Transport: transport,
		Enabled:   enabled,
		Tags:      tags,
		Version:   version,
		Command:   "noop",
	}
}

// Scenario: a tools.call against an explicit provider name reaches the
// matching upstream and its result is forwarded unchanged.
func TestRouterEngine_ToolsCallByExplicitName(t *testing.T) {
	cfg := &config.NormalizedConfig{
		Upstreams: map[string]config.UpstreamConfig{
			"alpha": upstreamConfig("pipe", true, nil, "1.0.0"),
		},
	}
	h := newTestHarness(t, cfg, map[string]*fakeClient{"alpha": {}})
	e := h.engine(nil)

	name, result, err := e.ToolsCall(context.Background(), "alpha", "echo", nil)
	if err != nil {
		t.Fatalf("ToolsCall: %v", err)
	}
	if name != "alpha" {
		t.Fatalf("resolved upstream = %q, want alpha", name)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok:echo" {
		t.Fatalf("result = %+v, want forwarded content", result)
	}
}

// Scenario: a tag selector round-robins deterministically across its
// matching, enabled, visible upstreams (property P1 exercised end to end).
func TestRouterEngine_TagSelectorRoundRobin(t *testing.T) {
	cfg := &config.NormalizedConfig{
		Routing: config.RoutingConfig{SelectorStrategy: config.StrategyRoundRobin},
		Upstreams: map[string]config.UpstreamConfig{
			"alpha": upstreamConfig("pipe", true, []string{"search"}, "1.0.0"),
			"beta":  upstreamConfig("pipe", true, []string{"search"}, "1.0.0"),
		},
	}
	h := newTestHarness(t, cfg, map[string]*fakeClient{"alpha": {}, "beta": {}})
	e := h.engine(nil)

	var picks []string
	for i := 0; i < 4; i++ {
		name, _, err := e.ToolsCall(context.Background(), "tag:search", "echo", nil)
		if err != nil {
			t.Fatalf("ToolsCall #%d: %v", i, err)
		}
		picks = append(picks, name)
	}

	want := []string{"alpha", "beta", "alpha", "beta"}
	for i, w := range want {
		if picks[i] != w {
			t.Fatalf("picks = %v, want %v", picks, want)
		}
	}
}

// Scenario: a version: selector filters out non-matching upstreams before
// routing reaches the round-robin pick.
func TestRouterEngine_VersionSelectorFiltersCandidates(t *testing.T) {
	cfg := &config.NormalizedConfig{
		Upstreams: map[string]config.UpstreamConfig{
			"old": upstreamConfig("pipe", true, nil, "1.0.0"),
			"new": upstreamConfig("pipe", true, nil, "2.0.0"),
		},
	}
	h := newTestHarness(t, cfg, map[string]*fakeClient{"old": {}, "new": {}})
	e := h.engine(nil)

	name, _, err := e.ToolsCall(context.Background(), "version:^2.0.0", "echo", nil)
	if err != nil {
		t.Fatalf("ToolsCall: %v", err)
	}
	if name != "new" {
		t.Fatalf("resolved upstream = %q, want new", name)
	}
}

// Scenario: when one candidate's breaker is open, selector resolution
// skips it and routes exclusively to the remaining healthy candidate.
func TestRouterEngine_CircuitBreakerSkipsOpenUpstream(t *testing.T) {
	cfg := &config.NormalizedConfig{
		Upstreams: map[string]config.UpstreamConfig{
			"alpha": upstreamConfig("pipe", true, []string{"search"}, "1.0.0"),
			"beta":  upstreamConfig("pipe", true, []string{"search"}, "1.0.0"),
		},
	}
	failing := &fakeClient{callErr: upstream.ErrUnavailable}
	h := newTestHarness(t, cfg, map[string]*fakeClient{"alpha": failing, "beta": {}})
	e := h.engine(nil)

	// Drive alpha's breaker open with one failing call (FailureThreshold: 1
	// in newTestHarness), then resolve the tag selector repeatedly and
	// confirm every subsequent call lands on beta.
	if _, _, err := e.ToolsCall(context.Background(), "alpha", "echo", nil); err == nil {
		t.Fatal("expected the failing upstream's call to return an error")
	}
	if h.breaker.Snapshot("alpha").State != breaker.StateOpen {
		t.Fatalf("alpha breaker state = %v, want OPEN", h.breaker.Snapshot("alpha").State)
	}

	for i := 0; i < 3; i++ {
		name, _, err := e.ToolsCall(context.Background(), "tag:search", "echo", nil)
		if err != nil {
			t.Fatalf("ToolsCall #%d: %v", i, err)
		}
		if name != "beta" {
			t.Fatalf("pick #%d = %q, want beta (alpha's breaker is open)", i, name)
		}
	}
}

// Scenario: a principal scoped to a subset of upstreams is forbidden from
// calling one outside its allowlist, even by explicit name.
func TestRouterEngine_ProjectAllowlistForbidsOutOfScopeUpstream(t *testing.T) {
	cfg := &config.NormalizedConfig{
		Upstreams: map[string]config.UpstreamConfig{
			"alpha": upstreamConfig("pipe", true, nil, "1.0.0"),
			"beta":  upstreamConfig("pipe", true, nil, "1.0.0"),
		},
	}
	h := newTestHarness(t, cfg, map[string]*fakeClient{"alpha": {}, "beta": {}})

	// Tags are left unrestricted (AllowAll) so this exercises the case where
	// one allowlist dimension is wide open and the other is not: beta must
	// still be forbidden on the restricted upstream-name dimension alone.
	scoped := &auth.Principal{
		AllowedUpstreams: auth.NewAllowSet([]string{"alpha"}),
		AllowedTags:      auth.AllowAll(),
	}
	e := h.engine(scoped)

	if _, _, err := e.ToolsCall(context.Background(), "alpha", "echo", nil); err != nil {
		t.Fatalf("allowed upstream should succeed: %v", err)
	}

	_, _, err := e.ToolsCall(context.Background(), "beta", "echo", nil)
	var de *DispatchError
	if !errors.As(err, &de) || de.Kind != ErrKindForbidden {
		t.Fatalf("ToolsCall against out-of-scope upstream = %v, want ErrKindForbidden", err)
	}
}

// Scenario: the same restricted-name/unrestricted-tags principal as above
// must also not see the out-of-scope upstream in list_providers output —
// visibility and dispatch must agree.
func TestRouterEngine_ProjectAllowlistHidesOutOfScopeUpstreamFromListing(t *testing.T) {
	cfg := &config.NormalizedConfig{
		Upstreams: map[string]config.UpstreamConfig{
			"alpha": upstreamConfig("pipe", true, nil, "1.0.0"),
			"beta":  upstreamConfig("pipe", true, nil, "1.0.0"),
		},
	}
	h := newTestHarness(t, cfg, map[string]*fakeClient{"alpha": {}, "beta": {}})

	scoped := &auth.Principal{
		AllowedUpstreams: auth.NewAllowSet([]string{"alpha"}),
		AllowedTags:      auth.AllowAll(),
	}
	e := h.engine(scoped)

	providers, err := e.ListProviders("", "")
	if err != nil {
		t.Fatalf("ListProviders: %v", err)
	}
	for _, p := range providers {
		if p.Name == "beta" {
			t.Fatalf("list_providers included out-of-scope upstream %q", p.Name)
		}
	}
}

// Scenario: a principal with a configured requests-per-minute cap is
// denied once its bucket is exhausted, and the denial carries a retry hint.
func TestRouterEngine_RateLimitExceeded(t *testing.T) {
	cfg := &config.NormalizedConfig{
		Upstreams: map[string]config.UpstreamConfig{
			"alpha": upstreamConfig("pipe", true, nil, "1.0.0"),
		},
	}
	h := newTestHarness(t, cfg, map[string]*fakeClient{"alpha": {}})

	rpm := 1
	principal := &auth.Principal{
		Token:            "tok",
		AllowedUpstreams: auth.AllowAll(),
		AllowedTags:      auth.AllowAll(),
		RateLimitRpm:     &rpm,
	}
	limiter := newNoopRateLimiterExhaustingAfter(1)
	e := NewRouterEngine("session-1", principal, h.cfgRef, h.upstreams, h.breaker, h.health, limiter, nil, nil, slog.Default())

	if _, _, err := e.ToolsCall(context.Background(), "alpha", "echo", nil); err != nil {
		t.Fatalf("first call should be allowed: %v", err)
	}

	_, _, err := e.ToolsCall(context.Background(), "alpha", "echo", nil)
	var de *DispatchError
	if !errors.As(err, &de) || de.Kind != ErrKindRateLimited {
		t.Fatalf("second call = %v, want ErrKindRateLimited", err)
	}
	if de.RetryAfterSeconds <= 0 {
		t.Fatalf("RetryAfterSeconds = %d, want > 0", de.RetryAfterSeconds)
	}
}

// Scenario: with namespaced exposure, tools/list returns each upstream's
// tools under a namespaced name, and a call by that namespaced name routes
// back to the original upstream tool name.
func TestRouterEngine_NamespacedExposureRoundtrip(t *testing.T) {
	cfg := &config.NormalizedConfig{
		ToolExposure: config.ExposureNamespaced,
		Upstreams: map[string]config.UpstreamConfig{
			"alpha": upstreamConfig("pipe", true, nil, "1.0.0"),
		},
	}
	h := newTestHarness(t, cfg, map[string]*fakeClient{
		"alpha": {tools: []upstream.ToolDescriptor{{Name: "echo tool"}}},
	})
	e := h.engine(nil)

	listed, err := e.dispatch(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("tools/list: %v", err)
	}
	tools := listed.(map[string]any)["tools"].([]map[string]any)

	found := false
	for _, tl := range tools {
		if tl["name"] == "alpha.echo_tool" {
			found = true
		}
	}
	if !found {
		t.Fatalf("tools/list result %+v missing namespaced tool alpha.echo_tool", tools)
	}

	result, err := e.CallNamespaced(context.Background(), "alpha.echo_tool", nil)
	if err != nil {
		t.Fatalf("CallNamespaced: %v", err)
	}
	if result.Content[0].Text != "ok:echo tool" {
		t.Fatalf("CallNamespaced forwarded name = %q, want the original tool name", result.Content[0].Text)
	}
}

// Scenario: a selector matching no enabled or visible upstream is rejected
// before ever touching the breaker or an upstream client.
func TestRouterEngine_SelectorWithNoMatchesIsRejected(t *testing.T) {
	cfg := &config.NormalizedConfig{
		Upstreams: map[string]config.UpstreamConfig{
			"alpha": upstreamConfig("pipe", true, []string{"search"}, "1.0.0"),
		},
	}
	h := newTestHarness(t, cfg, map[string]*fakeClient{"alpha": {}})
	e := h.engine(nil)

	_, _, err := e.ToolsCall(context.Background(), "tag:missing", "echo", nil)
	var de *DispatchError
	if !errors.As(err, &de) || de.Kind != ErrKindNoProvidersMatch {
		t.Fatalf("ToolsCall with unmatched tag = %v, want ErrKindNoProvidersMatch", err)
	}
}

// noopRateLimiter is a minimal ratelimit.Limiter that allows a fixed number
// of calls per key before always denying, used to exercise P7's sibling
// behavior (a configured limit IS enforced) without the real token bucket's
// timing dependency.
type noopRateLimiter struct {
	mu        sync.Mutex
	allowance int
	calls     map[string]int
}

func newNoopRateLimiterExhaustingAfter(n int) *noopRateLimiter {
	return &noopRateLimiter{allowance: n, calls: make(map[string]int)}
}

func (l *noopRateLimiter) Allow(ctx context.Context, key string, rpm int) (ratelimit.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[key]++
	if l.calls[key] > l.allowance {
		return ratelimit.Result{Allowed: false, RetryAfterSeconds: 30}, nil
	}
	return ratelimit.Result{Allowed: true}, nil
}
