package upstream

import (
	"sync"
	"time"
)

// ToolCacheTTL is how long a per-upstream tool listing stays fresh before
// a namespaced-exposure listTools call re-fetches it.
const ToolCacheTTL = 30 * time.Second

// ToolCacheEntry holds one upstream's most recently fetched tool listing,
// along with the namespaced-name -> original-name mapping used to route
// tools.call requests back to the upstream's own tool name.
type ToolCacheEntry struct {
	FetchedAt time.Time
	Tools     []ToolDescriptor
	// OriginalName maps a namespaced tool name ("<upstream>.<sanitized>")
	// back to the upstream's own tool name.
	OriginalName map[string]string
}

func (e *ToolCacheEntry) stale(now time.Time) bool {
	return e == nil || now.Sub(e.FetchedAt) > ToolCacheTTL
}

// ToolCache is a per-session, per-upstream cache. It belongs to exactly one
// router engine instance (one per session) and must not be shared across
// sessions; it still guards its entries with its own mutex because a single
// session's transport may fan a request out across goroutines internally
// even though MCP requests within a session are logically serialized.
type ToolCache struct {
	mu      sync.Mutex
	entries map[string]*ToolCacheEntry
}

// NewToolCache creates an empty per-session tool cache.
func NewToolCache() *ToolCache {
	return &ToolCache{entries: make(map[string]*ToolCacheEntry)}
}

// Get returns the cached entry for an upstream if present and not stale.
func (c *ToolCache) Get(upstream string) (*ToolCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[upstream]
	if !ok || e.stale(time.Now()) {
		return nil, false
	}
	return e, true
}

// Set stores a freshly fetched listing for an upstream.
func (c *ToolCache) Set(upstream string, tools []ToolDescriptor, originalName map[string]string) *ToolCacheEntry {
	e := &ToolCacheEntry{
		FetchedAt:    time.Now(),
		Tools:        tools,
		OriginalName: originalName,
	}
	c.mu.Lock()
	c.entries[upstream] = e
	c.mu.Unlock()
	return e
}

// Invalidate removes the cached entry for one upstream, or every entry if
// upstream is empty. Used by the tools.refresh router tool.
func (c *ToolCache) Invalidate(upstream string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if upstream == "" {
		c.entries = make(map[string]*ToolCacheEntry)
		return
	}
	delete(c.entries, upstream)
}

// ResolveOriginalName looks up the original upstream tool name for a
// namespaced name previously surfaced for that upstream. Falls back to
// returning rest unchanged if no mapping is cached yet.
func (c *ToolCache) ResolveOriginalName(upstream, namespacedName, rest string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[upstream]
	if !ok {
		return rest
	}
	if orig, ok := e.OriginalName[namespacedName]; ok {
		return orig
	}
	return rest
}
