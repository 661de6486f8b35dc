// Package inbound defines the inbound port interfaces implemented by the
// front-end transports (stdio, HTTP).
package inbound

import (
	"context"
)

// ProxyService is the lifecycle every front-end transport implements:
// the pipe front-end binds a single session to the process's own stdio,
// the HTTP front-end accepts many sessions over a listener.
type ProxyService interface {
	// Start begins serving. Blocks until context is cancelled or an error
	// occurs. Returns nil on graceful shutdown, error on failure.
	Start(ctx context.Context) error

	// Close gracefully shuts down the transport and its sessions.
	Close() error
}
