// Package upstream contains domain types shared by upstream clients, the
// upstream manager, and the router engine's tool dispatch.
package upstream

import (
	"encoding/json"
	"errors"
)

// Transport identifies the wire transport an upstream uses.
type Transport string

const (
	// TransportPipe spawns a child process and speaks MCP over its stdio.
	TransportPipe Transport = "pipe"
	// TransportHTTP speaks MCP over a streaming HTTP connection.
	TransportHTTP Transport = "http"
)

// ConnectionState is the lifecycle of an UpstreamClient as tracked by the
// upstream manager. It is informational only; the client itself is
// responsible for reconnecting lazily on the next operation.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateFailing      ConnectionState = "failing"
	StateClosed       ConnectionState = "closed"
)

// ToolDescriptor is the concrete record used to represent an upstream's
// tool shape after ingress validation. The wire representation may be any
// JSON document; inputSchema is kept opaque and re-validated downstream.
type ToolDescriptor struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	InputSchema json.RawMessage   `json:"inputSchema,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// ToolList is the result of listTools against one upstream.
type ToolList struct {
	Tools []ToolDescriptor
}

// CallResult is the result of callTool against one upstream.
type CallResult struct {
	Content           []ContentBlock `json:"content,omitempty"`
	StructuredContent any            `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// ContentBlock mirrors the MCP tool-result content shape closely enough
// for the router to forward it without re-parsing.
type ContentBlock struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// Error kinds returned by upstream clients. The router classifies these
// into the breaker's ok/not-ok verdict (see internal/domain/breaker) and
// into the RPC error taxonomy at the front-end boundary.
var (
	// ErrUnavailable covers transport failures and timeouts: connection
	// refused, broken pipe, child process exited, deadline exceeded.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrProtocol covers well-formed protocol-level errors returned by the
	// upstream itself (unknown tool, bad arguments). These never count
	// against the circuit breaker.
	ErrProtocol = errors.New("upstream protocol error")
)
