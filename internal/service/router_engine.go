package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/mcprouter/mcprouter/internal/config"
	"github.com/mcprouter/mcprouter/internal/domain/audit"
	"github.com/mcprouter/mcprouter/internal/domain/auth"
	"github.com/mcprouter/mcprouter/internal/domain/breaker"
	"github.com/mcprouter/mcprouter/internal/domain/health"
	"github.com/mcprouter/mcprouter/internal/domain/ratelimit"
	"github.com/mcprouter/mcprouter/internal/domain/selector"
	"github.com/mcprouter/mcprouter/internal/domain/upstream"
	"github.com/mcprouter/mcprouter/internal/observability"
)

// Router-exposed tool names, fixed for compatibility.
const (
	ToolListProviders = "list_providers"
	ToolsList         = "tools.list"
	ToolsCall         = "tools.call"
	ToolsRefresh      = "tools.refresh"
)

// RouterEngine is the MCP-facing server for one session: it resolves
// selectors, forwards tool calls, exposes the four router tools, and owns
// the session's private tool cache and round-robin counters. Constructed
// fresh per session with the principal already bound — never shared
// across sessions, never a singleton.
type RouterEngine struct {
	sessionID string
	principal *auth.Principal

	cfgRef    *config.Ref
	upstreams *UpstreamManager
	breaker   *breaker.Breaker
	health    *health.Store
	limiter   ratelimit.Limiter
	audit     *AuditService
	metrics   *observability.Metrics
	logger    *slog.Logger

	cache *upstream.ToolCache

	mu         sync.Mutex
	rrCounters map[string]uint64
	rng        *rand.Rand
}

// NewRouterEngine constructs a router engine for one session. limiter,
// auditSvc, and metrics may be nil (rate limiting, audit, and metrics
// become no-ops respectively) to keep the engine usable from lightweight
// tests.
func NewRouterEngine(
	sessionID string,
	principal *auth.Principal,
	cfgRef *config.Ref,
	upstreams *UpstreamManager,
	b *breaker.Breaker,
	h *health.Store,
	limiter ratelimit.Limiter,
	auditSvc *AuditService,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *RouterEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RouterEngine{
		sessionID:  sessionID,
		principal:  principal,
		cfgRef:     cfgRef,
		upstreams:  upstreams,
		breaker:    b,
		health:     h,
		limiter:    limiter,
		audit:      auditSvc,
		metrics:    metrics,
		logger:     logger,
		cache:      upstream.NewToolCache(),
		rrCounters: make(map[string]uint64),
	}
}

// SetRNG installs a deterministic random source for the "random" selector
// strategy, used by tests. Not safe to call concurrently with dispatch.
func (e *RouterEngine) SetRNG(rng *rand.Rand) { e.rng = rng }

// SessionID returns the session this engine instance is bound to.
func (e *RouterEngine) SessionID() string { return e.sessionID }

// Principal returns the bound principal.
func (e *RouterEngine) Principal() *auth.Principal { return e.principal }

func classifyOutcome(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, upstream.ErrProtocol)
}

// visibleToPrincipal reports whether uc is within the principal's allowlist
// scope on both dimensions: an unrestricted AllowedUpstreams or AllowedTags
// set clears its own dimension automatically, but a restricted one must
// still match — neither dimension's restriction is waived by the other
// being unrestricted.
func (e *RouterEngine) visibleToPrincipal(uc config.UpstreamConfig) bool {
	return e.principal.AllowedUpstreams.Allows(uc.Name) && e.principal.AllowedTags.AllowsAny(uc.Tags)
}

func (e *RouterEngine) recordBreakerMetrics(name string) {
	if e.metrics == nil {
		return
	}
	e.metrics.SetCircuitState(name, string(e.breaker.Snapshot(name).State))
}

// resolveSelector implements §4.8's selector resolution algorithm: an
// explicit name bypasses filtering entirely; a tag:/version: selector is
// parsed, filtered against enabled+visible upstreams, filtered again by
// breaker admissibility, and picked per the configured strategy.
func (e *RouterEngine) resolveSelector(raw string) (string, error) {
	if !strings.HasPrefix(raw, "tag:") && !strings.HasPrefix(raw, "version:") {
		return raw, nil
	}

	spec, err := selector.Parse(raw)
	if err != nil {
		return "", &DispatchError{Kind: ErrKindBadRequest, Message: err.Error(), Err: err}
	}

	cfg := e.cfgRef.Load()
	var matched []string
	for name, uc := range cfg.Upstreams {
		if !uc.Enabled || !e.visibleToPrincipal(uc) {
			continue
		}
		if spec.Matches(selector.Candidate{Name: name, Tags: uc.Tags, Version: uc.Version}) {
			matched = append(matched, name)
		}
	}
	if len(matched) == 0 {
		return "", &DispatchError{Kind: ErrKindNoProvidersMatch, Message: fmt.Sprintf("no providers match selector %q", raw)}
	}
	selector.SortCandidates(matched)

	available := matched[:0:0]
	for _, name := range matched {
		if e.breaker.CanAttempt(name) {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return "", &DispatchError{Kind: ErrKindUpstreamUnavailable, Message: fmt.Sprintf("all providers matching %q are unavailable", raw)}
	}

	e.mu.Lock()
	counter := e.rrCounters[raw]
	e.rrCounters[raw] = counter + 1
	e.mu.Unlock()

	strategy := selector.Strategy(cfg.Routing.SelectorStrategy)
	return selector.Pick(strategy, available, counter, e.rng), nil
}

// assertAllowed looks up an upstream's config and checks the principal's
// allowlist/CEL policy against it.
func (e *RouterEngine) assertAllowed(upstreamName string) (config.UpstreamConfig, error) {
	cfg := e.cfgRef.Load()
	uc, ok := cfg.Upstreams[upstreamName]
	if !ok {
		return config.UpstreamConfig{}, &DispatchError{Kind: ErrKindBadRequest, Message: fmt.Sprintf("unknown upstream %q", upstreamName)}
	}
	if err := auth.AssertAllowedUpstream(e.principal, auth.UpstreamView{Name: uc.Name, Tags: uc.Tags}); err != nil {
		return config.UpstreamConfig{}, &DispatchError{Kind: ErrKindForbidden, Message: fmt.Sprintf("not permitted to use upstream %q", upstreamName), Err: err}
	}
	return uc, nil
}

// checkRateLimit consumes one token from the principal's bucket. A
// principal with no rate limit configured is always exempt (P7).
func (e *RouterEngine) checkRateLimit(ctx context.Context) error {
	if e.principal.RateLimitRpm == nil || *e.principal.RateLimitRpm <= 0 || e.limiter == nil {
		return nil
	}
	key := e.principal.Token
	if key == "" {
		key = "anonymous"
	}
	res, err := e.limiter.Allow(ctx, key, *e.principal.RateLimitRpm)
	if err != nil {
		return &DispatchError{Kind: ErrKindInternal, Message: "rate limiter error", Err: err}
	}
	if !res.Allowed {
		return &DispatchError{Kind: ErrKindRateLimited, Message: "rate limit exceeded", RetryAfterSeconds: res.RetryAfterSeconds}
	}
	return nil
}

func truncateArguments(args map[string]any, maxChars int) map[string]any {
	if args == nil {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil || maxChars <= 0 || len(raw) <= maxChars {
		return args
	}
	return map[string]any{"truncated": true, "raw": string(raw[:maxChars])}
}

func (e *RouterEngine) recordAudit(event, upstreamName, tool string, args map[string]any, ok bool, errMsg string, durMs int64) {
	if e.audit == nil {
		return
	}
	cfg := e.cfgRef.Load()
	if !cfg.Audit.Enabled {
		return
	}
	rec := audit.AuditRecord{
		Timestamp:            time.Now(),
		EventType:            event,
		SessionID:            e.sessionID,
		PrincipalFingerprint: e.principal.Fingerprint(),
		Upstream:             upstreamName,
		Tool:                 tool,
		OK:                   ok,
		Error:                errMsg,
		DurationMs:           durMs,
	}
	if cfg.Audit.LogArguments && event == audit.EventToolStart {
		rec.Arguments = truncateArguments(args, cfg.Audit.MaxArgumentChars)
	}
	e.audit.Record(rec)
}

// forwardToolCall implements §4.8's tool-call forwarding sequence, shared
// by both the selector-driven "tools.call" router tool and direct
// namespaced-name dispatch.
func (e *RouterEngine) forwardToolCall(ctx context.Context, upstreamName, toolName string, args map[string]any) (*upstream.CallResult, error) {
	if err := e.checkRateLimit(ctx); err != nil {
		return nil, err
	}
	uc, err := e.assertAllowed(upstreamName)
	if err != nil {
		return nil, err
	}

	attempt, err := e.breaker.BeginAttempt(upstreamName)
	if err != nil {
		return nil, &DispatchError{Kind: ErrKindUpstreamUnavailable, Message: err.Error(), Err: err}
	}

	client, err := e.upstreams.Get(upstreamName)
	if err != nil {
		attempt.End(false)
		e.recordBreakerMetrics(upstreamName)
		return nil, &DispatchError{Kind: ErrKindUpstreamUnavailable, Message: err.Error(), Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(uc.EffectiveTimeoutMs())*time.Millisecond)
	defer cancel()

	e.recordAudit(audit.EventToolStart, upstreamName, toolName, args, true, "", 0)

	start := time.Now()
	result, callErr := client.CallTool(callCtx, toolName, args)
	dur := time.Since(start)

	ok := classifyOutcome(callErr)
	attempt.End(ok)
	e.recordBreakerMetrics(upstreamName)
	if e.metrics != nil {
		if !ok {
			e.metrics.RecordUpstreamFailure(upstreamName)
		}
		e.metrics.RecordToolCall(upstreamName, toolName, callErr == nil, dur)
	}

	errMsg := ""
	if callErr != nil {
		errMsg = callErr.Error()
	}
	e.recordAudit(audit.EventToolEnd, upstreamName, toolName, args, callErr == nil, errMsg, dur.Milliseconds())

	if callErr != nil {
		if errors.Is(callErr, upstream.ErrProtocol) {
			return nil, &DispatchError{Kind: ErrKindProtocolError, Message: callErr.Error(), Err: callErr}
		}
		return nil, &DispatchError{Kind: ErrKindUpstreamUnavailable, Message: callErr.Error(), Err: callErr}
	}
	return result, nil
}

// ProviderInfo is one list_providers entry.
type ProviderInfo struct {
	Name           string           `json:"name"`
	URL            string           `json:"url,omitempty"`
	Transport      string           `json:"transport"`
	Tags           []string         `json:"tags,omitempty"`
	Version        string           `json:"version,omitempty"`
	CircuitBreaker breaker.Snapshot `json:"circuitBreaker"`
	Health         health.Entry     `json:"health"`
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ListProviders implements the list_providers router tool.
func (e *RouterEngine) ListProviders(tag, version string) ([]ProviderInfo, error) {
	var versionConstraint *semver.Constraints
	if version != "" {
		c, err := semver.NewConstraint(version)
		if err != nil {
			return nil, &DispatchError{Kind: ErrKindBadRequest, Message: fmt.Sprintf("invalid version range %q: %v", version, err), Err: err}
		}
		versionConstraint = c
	}

	cfg := e.cfgRef.Load()
	names := make([]string, 0, len(cfg.Upstreams))
	for name := range cfg.Upstreams {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ProviderInfo, 0, len(names))
	for _, name := range names {
		uc := cfg.Upstreams[name]
		if !e.visibleToPrincipal(uc) {
			continue
		}
		if tag != "" && !hasTag(uc.Tags, tag) {
			continue
		}
		if versionConstraint != nil {
			v, err := semver.NewVersion(uc.Version)
			if err != nil || !versionConstraint.Check(v) {
				continue
			}
		}
		out = append(out, ProviderInfo{
			Name:           name,
			URL:            uc.URL,
			Transport:      uc.Transport,
			Tags:           uc.Tags,
			Version:        uc.Version,
			CircuitBreaker: e.breaker.Snapshot(name),
			Health:         e.health.Get(name),
		})
	}
	return out, nil
}

// ToolsList implements the tools.list router tool: resolves provider and
// lists its tools directly (selector-driven calls bypass the tool cache).
func (e *RouterEngine) ToolsList(ctx context.Context, providerSelector string) (string, []upstream.ToolDescriptor, error) {
	upstreamName, err := e.resolveSelector(providerSelector)
	if err != nil {
		return "", nil, err
	}
	uc, err := e.assertAllowed(upstreamName)
	if err != nil {
		return "", nil, err
	}

	client, err := e.upstreams.Get(upstreamName)
	if err != nil {
		return "", nil, &DispatchError{Kind: ErrKindUpstreamUnavailable, Message: err.Error(), Err: err}
	}

	attempt, err := e.breaker.BeginAttempt(upstreamName)
	if err != nil {
		return "", nil, &DispatchError{Kind: ErrKindUpstreamUnavailable, Message: err.Error(), Err: err}
	}

	listCtx, cancel := context.WithTimeout(ctx, time.Duration(uc.EffectiveTimeoutMs())*time.Millisecond)
	defer cancel()

	tl, listErr := client.ListTools(listCtx)
	ok := classifyOutcome(listErr)
	attempt.End(ok)
	e.recordBreakerMetrics(upstreamName)
	if !ok && e.metrics != nil {
		e.metrics.RecordUpstreamFailure(upstreamName)
	}

	if listErr != nil {
		if errors.Is(listErr, upstream.ErrProtocol) {
			return "", nil, &DispatchError{Kind: ErrKindProtocolError, Message: listErr.Error(), Err: listErr}
		}
		return "", nil, &DispatchError{Kind: ErrKindUpstreamUnavailable, Message: listErr.Error(), Err: listErr}
	}
	return upstreamName, tl.Tools, nil
}

// ToolsCall implements the tools.call router tool: resolves provider, then
// forwards to its original (non-namespaced) tool name.
func (e *RouterEngine) ToolsCall(ctx context.Context, providerSelector, toolName string, args map[string]any) (string, *upstream.CallResult, error) {
	upstreamName, err := e.resolveSelector(providerSelector)
	if err != nil {
		return "", nil, err
	}
	result, err := e.forwardToolCall(ctx, upstreamName, toolName, args)
	return upstreamName, result, err
}

// ToolsRefresh implements tools.refresh: invalidates one provider's tool
// cache entry, or every entry when provider is empty.
func (e *RouterEngine) ToolsRefresh(provider string) {
	e.cache.Invalidate(provider)
}

// upstreamToolsForNamespace lists one upstream's tools for namespaced
// exposure, consulting (and repopulating) the per-session tool cache.
func (e *RouterEngine) upstreamToolsForNamespace(ctx context.Context, name string) ([]upstream.ToolDescriptor, error) {
	if entry, ok := e.cache.Get(name); ok {
		return namespacedFromCache(name, entry), nil
	}

	uc, ok := e.cfgRef.Load().Upstreams[name]
	if !ok {
		return nil, fmt.Errorf("upstream %q not configured", name)
	}
	client, err := e.upstreams.Get(name)
	if err != nil {
		return nil, err
	}

	attempt, err := e.breaker.BeginAttempt(name)
	if err != nil {
		return nil, err
	}

	listCtx, cancel := context.WithTimeout(ctx, time.Duration(uc.EffectiveTimeoutMs())*time.Millisecond)
	defer cancel()

	tl, listErr := client.ListTools(listCtx)
	ok2 := classifyOutcome(listErr)
	attempt.End(ok2)
	e.recordBreakerMetrics(name)
	if !ok2 && e.metrics != nil {
		e.metrics.RecordUpstreamFailure(name)
	}
	if listErr != nil {
		return nil, listErr
	}

	originalName := make(map[string]string, len(tl.Tools))
	namespaced := make([]upstream.ToolDescriptor, 0, len(tl.Tools))
	for _, t := range tl.Tools {
		nsName := selector.Namespaced(name, t.Name)
		originalName[nsName] = t.Name
		namespaced = append(namespaced, annotate(t, name, nsName))
	}
	e.cache.Set(name, tl.Tools, originalName)
	return namespaced, nil
}

func annotate(t upstream.ToolDescriptor, upstreamName, namespacedName string) upstream.ToolDescriptor {
	nt := t
	nt.Name = namespacedName
	meta := make(map[string]any, len(t.Metadata)+2)
	for k, v := range t.Metadata {
		meta[k] = v
	}
	meta["originalName"] = t.Name
	meta["upstream"] = upstreamName
	nt.Metadata = meta
	return nt
}

func namespacedFromCache(upstreamName string, entry *upstream.ToolCacheEntry) []upstream.ToolDescriptor {
	out := make([]upstream.ToolDescriptor, 0, len(entry.Tools))
	for _, t := range entry.Tools {
		out = append(out, annotate(t, upstreamName, selector.Namespaced(upstreamName, t.Name)))
	}
	return out
}

// namespacedTools aggregates namespaced tool listings across every enabled,
// visible upstream. Per-upstream failures are logged and elided; a partial
// result is returned rather than failing the whole request.
func (e *RouterEngine) namespacedTools(ctx context.Context) []upstream.ToolDescriptor {
	cfg := e.cfgRef.Load()
	names := make([]string, 0, len(cfg.Upstreams))
	for name, uc := range cfg.Upstreams {
		if !uc.Enabled || !e.visibleToPrincipal(uc) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var out []upstream.ToolDescriptor
	for _, name := range names {
		tools, err := e.upstreamToolsForNamespace(ctx, name)
		if err != nil {
			e.logger.Warn("listTools failed during namespaced exposure, eliding upstream", "upstream", name, "error", err)
			continue
		}
		out = append(out, tools...)
	}
	return out
}

// upstreamNames returns every configured upstream name, used by
// CallNamespaced to resolve the longest-matching prefix.
func (e *RouterEngine) upstreamNames() []string {
	cfg := e.cfgRef.Load()
	names := make([]string, 0, len(cfg.Upstreams))
	for n := range cfg.Upstreams {
		names = append(names, n)
	}
	return names
}

// CallNamespaced dispatches a call-by-namespaced-name ("<upstream>.<tool>"),
// the path taken when a client calls a tool surfaced under namespaced or
// both exposure directly, rather than via the tools.call router tool.
func (e *RouterEngine) CallNamespaced(ctx context.Context, namespacedName string, args map[string]any) (*upstream.CallResult, error) {
	upstreamName, rest, ok := selector.SplitLongestPrefix(namespacedName, e.upstreamNames())
	if !ok {
		return nil, &DispatchError{Kind: ErrKindBadRequest, Message: fmt.Sprintf("unknown tool %q", namespacedName)}
	}
	originalName := e.cache.ResolveOriginalName(upstreamName, namespacedName, rest)
	return e.forwardToolCall(ctx, upstreamName, originalName, args)
}

