// Package outbound defines the outbound port interfaces for connecting
// to upstream MCP servers.
package outbound

import (
	"context"

	"github.com/mcprouter/mcprouter/internal/domain/upstream"
)

// MCPClient is the single capability trait shared by both upstream
// transport variants: listTools, callTool, close. The upstream manager is
// parametric on this interface; it never knows whether a given client is
// pipe or HTTP.
type MCPClient interface {
	// ListTools fetches the upstream's tool listing. Implementations
	// connect lazily on first call and coalesce concurrent connects onto
	// one in-flight future.
	ListTools(ctx context.Context) (upstream.ToolList, error)

	// CallTool invokes one tool on the upstream.
	CallTool(ctx context.Context, name string, arguments map[string]any) (*upstream.CallResult, error)

	// Close releases the client's connection or child process. Safe to
	// call more than once.
	Close() error
}
