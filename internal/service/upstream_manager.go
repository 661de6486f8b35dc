// Package service contains the router's application services: the
// upstream manager, the per-session router engine, the health checker, and
// audit record batching.
package service

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/mcprouter/mcprouter/internal/config"
	"github.com/mcprouter/mcprouter/internal/domain/breaker"
	"github.com/mcprouter/mcprouter/internal/domain/health"
	"github.com/mcprouter/mcprouter/internal/port/outbound"
)

// ClientFactory builds an outbound.MCPClient for one upstream. The default
// factory (see NewDefaultClientFactory) creates a pipe client for the
// "pipe" transport and an HTTP client for "http"; tests substitute a fake.
type ClientFactory func(cfg config.UpstreamConfig) (outbound.MCPClient, error)

// entry is one upstream's managed state: its current config fingerprint
// and the lazily-constructed client bound to that config.
type entry struct {
	mu          sync.Mutex
	cfg         config.UpstreamConfig
	fingerprint uint64
	client      outbound.MCPClient
}

// UpstreamManager owns the set of live outbound.MCPClient instances, one
// per configured upstream, constructed lazily on first use. It reconciles
// its entry set against a config.NormalizedConfig on every reload: new
// upstreams are added, removed ones are closed and evicted, and any
// upstream whose config content changed (by fingerprint, not by pointer)
// has its live client closed so the next call reconnects with the new
// settings.
type UpstreamManager struct {
	factory ClientFactory
	breaker *breaker.Breaker
	health  *health.Store
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewUpstreamManager creates a manager with no entries; call Reconcile with
// the initial config to populate it.
func NewUpstreamManager(factory ClientFactory, b *breaker.Breaker, h *health.Store, logger *slog.Logger) *UpstreamManager {
	return &UpstreamManager{
		factory: factory,
		breaker: b,
		health:  h,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// fingerprint hashes the fields of an UpstreamConfig that affect how a
// client connects, so that a reload which only touches unrelated config
// (e.g. a project policy) never tears down an unaffected live connection.
func fingerprint(cfg config.UpstreamConfig) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(cfg.Transport)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(cfg.URL)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(cfg.Command)
	_, _ = h.Write([]byte{0})
	for _, a := range cfg.Args {
		_, _ = h.WriteString(a)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.WriteString(cfg.Cwd)
	_, _ = h.Write([]byte{0})

	keys := make([]string, 0, len(cfg.Env)+len(cfg.Headers))
	for k := range cfg.Env {
		keys = append(keys, "e:"+k)
	}
	for k := range cfg.Headers {
		keys = append(keys, "h:"+k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var v string
		if strings.HasPrefix(k, "e:") {
			v = cfg.Env[strings.TrimPrefix(k, "e:")]
		} else {
			v = cfg.Headers[strings.TrimPrefix(k, "h:")]
		}
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(v)
		_, _ = h.Write([]byte{0})
	}

	fmt.Fprintf(h, "%d|%s|%d|%d|%d|%f", cfg.TimeoutMs, cfg.StderrMode,
		cfg.Restart.MaxRetries, cfg.Restart.InitialDelayMs, cfg.Restart.MaxDelayMs, cfg.Restart.Factor)

	return h.Sum64()
}

// Reconcile brings the manager's entry set in line with cfg.Upstreams:
// adds entries for new names, evicts (closing their client) entries whose
// name disappeared, and closes the live client of any entry whose
// fingerprint changed so the next operation reconnects under the new
// config. Disabled upstreams are tracked but never dialed.
func (m *UpstreamManager) Reconcile(cfg *config.NormalizedConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(cfg.Upstreams))
	for name, uc := range cfg.Upstreams {
		seen[name] = struct{}{}
		fp := fingerprint(uc)

		e, ok := m.entries[name]
		if !ok {
			m.entries[name] = &entry{cfg: uc, fingerprint: fp}
			continue
		}

		e.mu.Lock()
		e.cfg = uc
		if e.fingerprint != fp {
			e.fingerprint = fp
			if e.client != nil {
				if err := e.client.Close(); err != nil {
					m.logger.Warn("closing upstream client after config change", "upstream", name, "error", err)
				}
				e.client = nil
			}
		}
		e.mu.Unlock()
	}

	for name, e := range m.entries {
		if _, ok := seen[name]; ok {
			continue
		}
		e.mu.Lock()
		if e.client != nil {
			if err := e.client.Close(); err != nil {
				m.logger.Warn("closing evicted upstream client", "upstream", name, "error", err)
			}
		}
		e.mu.Unlock()
		delete(m.entries, name)
		m.breaker.Forget(name)
		m.health.Forget(name)
	}
}

// Get returns the live client for name, constructing it lazily on first
// use. Returns an error if name is not configured or its upstream is
// disabled.
func (m *UpstreamManager) Get(name string) (outbound.MCPClient, error) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("upstream %q not configured", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.Enabled {
		return nil, fmt.Errorf("upstream %q is disabled", name)
	}
	if e.client != nil {
		return e.client, nil
	}

	client, err := m.factory(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("construct client for upstream %q: %w", name, err)
	}
	e.client = client
	return client, nil
}

// Names returns every configured upstream name, enabled or not, sorted.
func (m *UpstreamManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config returns the last-reconciled config for one upstream.
func (m *UpstreamManager) Config(name string) (config.UpstreamConfig, bool) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return config.UpstreamConfig{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, true
}

// CloseAll closes every live client concurrently and returns after all have
// finished, regardless of individual errors (which are logged, not
// returned, since shutdown must proceed regardless).
func (m *UpstreamManager) CloseAll() {
	m.mu.RLock()
	clients := make([]outbound.MCPClient, 0, len(m.entries))
	names := make([]string, 0, len(m.entries))
	for name, e := range m.entries {
		e.mu.Lock()
		if e.client != nil {
			clients = append(clients, e.client)
			names = append(names, name)
		}
		e.mu.Unlock()
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for i := range clients {
		wg.Add(1)
		go func(name string, c outbound.MCPClient) {
			defer wg.Done()
			if err := c.Close(); err != nil {
				m.logger.Warn("error closing upstream client during shutdown", "upstream", name, "error", err)
			}
		}(names[i], clients[i])
	}
	wg.Wait()
}
