// Package http provides the HTTP transport adapter for the MCP router.
//
// It implements inbound HTTP transport following the MCP Streamable
// HTTP specification (2025-06-18), plus the deprecated dual-endpoint
// SSE form, enabling remote clients to connect over HTTP/HTTPS instead
// of stdio.
//
// # Usage
//
// Create and start an HTTP transport:
//
//	transport := http.NewHTTPTransport(authenticate, newEngine,
//	    http.WithAddr(":8080"),
//	    http.WithTLS("cert.pem", "key.pem"),
//	    http.WithAllowedOrigins([]string{"https://example.com"}),
//	    http.WithLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
//	POST /mcp      - Send a JSON-RPC request, receive a JSON-RPC response
//	GET  /mcp      - Open an SSE stream for server-initiated messages
//	DELETE /mcp    - Terminate a session and close its SSE connections
//	OPTIONS /mcp   - CORS preflight handling
//	GET  /sse      - Deprecated dual-endpoint SSE stream open
//	POST /messages - Deprecated dual-endpoint message submission
//	GET  /healthz  - Fixed liveness contract: {ok, service, version}
//	GET  /health   - Diagnostic component health (rate limiter, audit backpressure)
//	GET  /metrics  - Prometheus exposition
//
// # Request Headers
//
//	Authorization: Bearer <token>       - Token for authentication
//	Mcp-Session-Id: <session-id>        - Session identifier for stateful requests
//	Content-Type: application/json      - Required for POST requests
//
// # Response Headers
//
//	MCP-Protocol-Version: 2025-06-18    - MCP protocol version
//	Mcp-Session-Id: <session-id>        - Session identifier, set on initialize
//	Content-Type: application/json      - JSON-RPC response format
//
// # Session binding
//
// A session's principal is resolved once, on the request that creates
// it (absent session ID, or "initialize"), and never changes for the
// lifetime of that session — a later request presenting a different
// token does not re-bind an existing session; it is rejected with 401.
//
// # Middleware chain
//
// Requests pass through middleware in this order (outermost first):
//
//  1. MetricsMiddleware - records request duration/status
//  2. RequestIDMiddleware - extracts/generates a request ID
//  3. RealIPMiddleware - extracts client IP from proxy headers
//  4. DNSRebindingProtection - validates the Origin header
//  5. APIKeyMiddleware - extracts the bearer token
//
// # Server-Sent Events (SSE)
//
// GET requests open an SSE stream for server-initiated messages. The
// stream requires Mcp-Session-Id (or a sessionId query parameter on
// the deprecated /sse endpoint), sends "data: <json>\n\n" events, and
// disconnects cleanly on context cancellation or session termination.
package http
