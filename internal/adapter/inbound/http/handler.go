// Package http provides the HTTP transport adapter: Streamable HTTP plus
// the deprecated SSE dual-endpoint form.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/mcprouter/mcprouter/internal/domain/auth"
	"github.com/mcprouter/mcprouter/internal/domain/session"
	"github.com/mcprouter/mcprouter/internal/service"
)

// MCPProtocolVersion is the MCP protocol version this handler supports.
const MCPProtocolVersion = "2025-06-18"

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// MCPSessionIDHeader is the header for session identification.
const MCPSessionIDHeader = "Mcp-Session-Id"

// MCPProtocolVersionHeader is the header for protocol version.
const MCPProtocolVersionHeader = "MCP-Protocol-Version"

// Authenticator turns a bearer token (possibly empty, for anonymous
// access) into a bound principal.
type Authenticator func(token string) (*auth.Principal, error)

// EngineFactory constructs a fresh RouterEngine bound to one principal and
// session ID — never shared across sessions.
type EngineFactory func(principal *auth.Principal, sessionID string) *service.RouterEngine

// boundSession pairs a session's engine with the token it was created
// with, so later requests can enforce session-token immutability (P5): a
// session's principal never changes once bound, and a later request
// carrying a different token is rejected.
type boundSession struct {
	engine *service.RouterEngine
	token  string
}

// sessionRegistry tracks active HTTP sessions: their bound RouterEngine,
// and any SSE channels registered for server-initiated pushes.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*boundSession
	sse      map[string][]chan []byte
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[string]*boundSession),
		sse:      make(map[string][]chan []byte),
	}
}

func (r *sessionRegistry) bind(sessionID, token string, engine *service.RouterEngine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = &boundSession{engine: engine, token: token}
}

func (r *sessionRegistry) get(sessionID string) (*boundSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

func (r *sessionRegistry) registerSSE(sessionID string, ch chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sse[sessionID] = append(r.sse[sessionID], ch)
}

func (r *sessionRegistry) unregisterSSE(sessionID string, ch chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channels := r.sse[sessionID]
	for i, c := range channels {
		if c == ch {
			r.sse[sessionID] = append(channels[:i], channels[i+1:]...)
			break
		}
	}
	if len(r.sse[sessionID]) == 0 {
		delete(r.sse, sessionID)
	}
}

// terminate removes a session and closes any SSE channels registered for
// it. Reports whether the session existed.
func (r *sessionRegistry) terminate(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.sessions[sessionID]
	delete(r.sessions, sessionID)

	channels, hadSSE := r.sse[sessionID]
	for _, ch := range channels {
		close(ch)
	}
	delete(r.sse, sessionID)

	return existed || hadSSE
}

func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, channels := range r.sse {
		for _, ch := range channels {
			close(ch)
		}
	}
	r.sessions = make(map[string]*boundSession)
	r.sse = make(map[string][]chan []byte)
}

// mcpHandler builds the main HTTP handler for the MCP Streamable HTTP
// transport, routing by HTTP method.
func mcpHandler(authenticate Authenticator, newEngine EngineFactory, registry *sessionRegistry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handlePost(w, r, authenticate, newEngine, registry)
		case http.MethodGet:
			handleGet(w, r, registry)
		case http.MethodDelete:
			handleDelete(w, r, registry)
		case http.MethodOptions:
			handleOptions(w, r)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

// handlePost resolves (or creates) this request's session, dispatches the
// JSON-RPC message through its RouterEngine, and writes the response.
func handlePost(w http.ResponseWriter, r *http.Request, authenticate Authenticator, newEngine EngineFactory, registry *sessionRegistry) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/json" {
		writeJSONRPCError(w, nil, -32700, "Parse error: content type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSONRPCError(w, nil, -32700, "Parse error: request body too large (max 1MB)")
			return
		}
		writeJSONRPCError(w, nil, -32700, "Parse error: failed to read request body")
		return
	}
	if len(body) == 0 {
		writeJSONRPCError(w, nil, -32700, "Parse error: empty request body")
		return
	}
	if !json.Valid(body) {
		writeJSONRPCError(w, nil, -32700, "Parse error: invalid JSON")
		return
	}

	var rpcReq struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &rpcReq); err != nil {
		writeJSONRPCError(w, nil, -32600, "Invalid Request: request must be a JSON object")
		return
	}
	if rpcReq.JSONRPC != "2.0" {
		writeJSONRPCError(w, nil, -32600, "Invalid Request: missing or invalid jsonrpc version (must be \"2.0\")")
		return
	}
	if rpcReq.Method == "" {
		writeJSONRPCError(w, nil, -32600, "Invalid Request: missing method field")
		return
	}
	isNotification := len(rpcReq.ID) == 0

	engine, newSessionID, authErr := resolveSession(r, rpcReq.Method, authenticate, newEngine, registry)
	if authErr != nil {
		writeUnauthorized(w)
		return
	}

	ctx := r.Context()
	resp := engine.HandleMessage(ctx, body)

	w.Header().Set(MCPProtocolVersionHeader, MCPProtocolVersion)
	if sid := r.Header.Get(MCPSessionIDHeader); sid != "" {
		w.Header().Set(MCPSessionIDHeader, sid)
	}
	if newSessionID != "" {
		w.Header().Set(MCPSessionIDHeader, newSessionID)
	}

	if isNotification {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// resolveSession implements session-token immutability (P5): a fresh
// session is minted and bound to the calling principal whenever the
// request presents no session ID or an unknown one, whatever its method;
// every later request on an existing session reuses its originally bound
// engine, and a request whose token differs from the bound one is
// rejected.
func resolveSession(r *http.Request, method string, authenticate Authenticator, newEngine EngineFactory, registry *sessionRegistry) (*service.RouterEngine, string, error) {
	token := APIKeyFromContext(r.Context())
	sessionID := r.Header.Get(MCPSessionIDHeader)

	if sessionID != "" {
		if bound, ok := registry.get(sessionID); ok {
			if bound.token != token {
				return nil, "", errors.New("session is bound to a different token")
			}
			return bound.engine, "", nil
		}
		// Unknown session ID presented: fall through and authenticate a
		// fresh one rather than fail the whole request on a stale header.
	}

	principal, err := authenticate(token)
	if err != nil {
		return nil, "", err
	}

	newID, err := session.GenerateID()
	if err != nil {
		return nil, "", err
	}
	engine := newEngine(principal, newID)
	registry.bind(newID, token, engine)
	return engine, newID, nil
}

// handleGet opens an SSE stream for server-initiated messages under the
// deprecated dual-endpoint (GET /sse + POST /messages) transport form.
func handleGet(w http.ResponseWriter, r *http.Request, registry *sessionRegistry) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		sessionID = r.URL.Query().Get("sessionId")
	}
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header or sessionId query param required for SSE", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(MCPProtocolVersionHeader, MCPProtocolVersion)
	w.Header().Set(MCPSessionIDHeader, sessionID)

	msgChan := make(chan []byte, 100)
	registry.registerSSE(sessionID, msgChan)
	defer registry.unregisterSSE(sessionID, msgChan)

	ctx := r.Context()

	_, _ = fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgChan:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// handleDelete terminates a session per the MCP session-termination
// contract.
func handleDelete(w http.ResponseWriter, r *http.Request, registry *sessionRegistry) {
	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required", http.StatusBadRequest)
		return
	}

	if !registry.terminate(sessionID) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, Mcp-Session-Id, MCP-Protocol-Version")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// jsonRPCError is a JSON-RPC 2.0 error response envelope.
type jsonRPCError struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Error   jsonRPCErrorField `json:"error"`
}

type jsonRPCErrorField struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSONRPCError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(jsonRPCError{
		JSONRPC: "2.0",
		ID:      id,
		Error:   jsonRPCErrorField{Code: code, Message: message},
	})
}

// writeUnauthorized writes the fixed HTTP 401 JSON-RPC error body the
// router's external interface contract mandates for session
// authentication failures: code -32000, null id.
func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(jsonRPCError{
		JSONRPC: "2.0",
		ID:      nil,
		Error:   jsonRPCErrorField{Code: -32000, Message: "unauthorized"},
	})
}
