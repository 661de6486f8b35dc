package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcprouter/mcprouter/internal/config"
	"github.com/mcprouter/mcprouter/internal/domain/upstream"
)

// rpcRequest/rpcResponse/rpcErrorBody are hand-rolled JSON-RPC 2.0 wire
// shapes used at the dispatch boundary. The engine never depends on the
// MCP SDK's jsonrpc types here — only raw bytes in, raw bytes out.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// methodNotFoundError is a wire-protocol-level concept (JSON-RPC's
// standard -32601), kept separate from the domain ErrorKind taxonomy.
type methodNotFoundError struct{ method string }

func (e methodNotFoundError) Error() string { return fmt.Sprintf("method not found: %s", e.method) }

func errorCode(kind ErrorKind) int {
	switch kind {
	case ErrKindBadRequest:
		return -32602
	case ErrKindUnauthenticated:
		return -32001
	case ErrKindForbidden:
		return -32003
	case ErrKindNoProvidersMatch:
		return -32010
	case ErrKindUpstreamUnavailable:
		return -32011
	case ErrKindProtocolError:
		return -32012
	case ErrKindRateLimited:
		return -32013
	default:
		return -32603
	}
}

func errToRPCError(err error) *rpcErrorBody {
	var mnf methodNotFoundError
	if errors.As(err, &mnf) {
		return &rpcErrorBody{Code: -32601, Message: mnf.Error()}
	}

	var de *DispatchError
	if errors.As(err, &de) {
		body := &rpcErrorBody{Code: errorCode(de.Kind), Message: de.Message}
		if de.Kind == ErrKindRateLimited && de.RetryAfterSeconds > 0 {
			body.Data = map[string]any{"retryAfterSeconds": de.RetryAfterSeconds}
		}
		return body
	}

	return &rpcErrorBody{Code: -32603, Message: err.Error()}
}

func mustEncode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error encoding response"}}`)
	}
	return b
}

// HandleMessage decodes one JSON-RPC request, dispatches it, and returns
// the encoded response. Returns nil for a notification (no id), per the
// JSON-RPC spec's no-reply rule.
func (e *RouterEngine) HandleMessage(ctx context.Context, raw []byte) []byte {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return mustEncode(rpcResponse{
			JSONRPC: "2.0",
			ID:      nil,
			Error:   &rpcErrorBody{Code: -32700, Message: "parse error"},
		})
	}
	if req.JSONRPC != "2.0" {
		return mustEncode(rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcErrorBody{Code: -32600, Message: "invalid request"},
		})
	}

	isNotification := len(req.ID) == 0
	result, err := e.dispatch(ctx, req.Method, req.Params)
	if isNotification {
		return nil
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		resp.Error = errToRPCError(err)
	} else {
		resp.Result = result
	}
	return mustEncode(resp)
}

func (e *RouterEngine) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "initialize":
		return handleInitialize(params)
	case "notifications/initialized", "notifications/cancelled":
		return nil, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return e.handleToolsList(ctx)
	case "tools/call":
		return e.handleToolsCall(ctx, params)
	default:
		return nil, methodNotFoundError{method: method}
	}
}

func handleInitialize(params json.RawMessage) (any, error) {
	return map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    "mcp-router",
			"version": "0.1.0",
		},
	}, nil
}

func routerToolSchema(name string) map[string]any {
	switch name {
	case ToolListProviders:
		return map[string]any{
			"name":        ToolListProviders,
			"description": "List configured upstream MCP providers visible to the caller, optionally filtered by tag or version range.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tag":     map[string]any{"type": "string"},
					"version": map[string]any{"type": "string"},
				},
			},
		}
	case ToolsList:
		return map[string]any{
			"name":        ToolsList,
			"description": "List the tools exposed by one upstream provider, resolved via a selector.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"provider": map[string]any{"type": "string"},
				},
				"required": []string{"provider"},
			},
		}
	case ToolsCall:
		return map[string]any{
			"name":        ToolsCall,
			"description": "Call a tool on one upstream provider, resolved via a selector.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"provider":  map[string]any{"type": "string"},
					"name":      map[string]any{"type": "string"},
					"arguments": map[string]any{"type": "object"},
				},
				"required": []string{"provider", "name"},
			},
		}
	case ToolsRefresh:
		return map[string]any{
			"name":        ToolsRefresh,
			"description": "Invalidate the cached tool listing for one provider, or every provider when omitted.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"provider": map[string]any{"type": "string"},
				},
			},
		}
	default:
		return nil
	}
}

func routerToolSchemas() []map[string]any {
	return []map[string]any{
		routerToolSchema(ToolListProviders),
		routerToolSchema(ToolsList),
		routerToolSchema(ToolsCall),
		routerToolSchema(ToolsRefresh),
	}
}

func toolDescsToSchemas(descs []upstream.ToolDescriptor) []map[string]any {
	out := make([]map[string]any, 0, len(descs))
	for _, d := range descs {
		entry := map[string]any{"name": d.Name}
		if d.Description != "" {
			entry["description"] = d.Description
		}
		if len(d.InputSchema) > 0 {
			var schema any
			if err := json.Unmarshal(d.InputSchema, &schema); err == nil {
				entry["inputSchema"] = schema
			}
		}
		if len(d.Metadata) > 0 {
			entry["metadata"] = d.Metadata
		}
		out = append(out, entry)
	}
	return out
}

// handleToolsList implements the MCP-level tools/list method, whose
// contents depend on the configured tool exposure mode.
func (e *RouterEngine) handleToolsList(ctx context.Context) (any, error) {
	cfg := e.cfgRef.Load()

	var tools []map[string]any
	switch cfg.ToolExposure {
	case config.ExposureNamespaced:
		tools = append(tools, routerToolSchema(ToolListProviders))
		tools = append(tools, toolDescsToSchemas(e.namespacedTools(ctx))...)
	case config.ExposureBoth:
		tools = append(tools, routerToolSchemas()...)
		tools = append(tools, toolDescsToSchemas(e.namespacedTools(ctx))...)
	default: // hierarchical
		tools = append(tools, routerToolSchemas()...)
	}

	return map[string]any{"tools": tools}, nil
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolsCallRouterParams struct {
	Provider  string         `json:"provider"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// toCallToolResult wraps a structured value into an MCP CallToolResult: a
// single text summary plus the structured payload.
func toCallToolResult(structured any, isError bool) map[string]any {
	text, err := json.Marshal(structured)
	if err != nil {
		text = []byte(`{}`)
	}
	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": string(text)},
		},
		"structuredContent": structured,
		"isError":           isError,
	}
}

func callResultToWire(r *upstream.CallResult) map[string]any {
	return map[string]any{
		"content":           r.Content,
		"structuredContent": r.StructuredContent,
		"isError":           r.IsError,
	}
}

func (e *RouterEngine) handleToolsCall(ctx context.Context, raw json.RawMessage) (any, error) {
	var p toolsCallParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &DispatchError{Kind: ErrKindBadRequest, Message: "invalid tools/call params", Err: err}
	}
	if p.Name == "" {
		return nil, &DispatchError{Kind: ErrKindBadRequest, Message: "tools/call requires a name"}
	}

	switch p.Name {
	case ToolListProviders:
		return e.handleListProvidersTool(p.Arguments)
	case ToolsList:
		return e.handleToolsListTool(ctx, p.Arguments)
	case ToolsCall:
		return e.handleToolsCallTool(ctx, p.Arguments)
	case ToolsRefresh:
		return e.handleToolsRefreshTool(p.Arguments)
	default:
		result, err := e.CallNamespaced(ctx, p.Name, p.Arguments)
		if err != nil {
			return nil, err
		}
		return callResultToWire(result), nil
	}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func (e *RouterEngine) handleListProvidersTool(args map[string]any) (any, error) {
	providers, err := e.ListProviders(stringArg(args, "tag"), stringArg(args, "version"))
	if err != nil {
		return nil, err
	}
	return toCallToolResult(map[string]any{"providers": providers}, false), nil
}

func (e *RouterEngine) handleToolsListTool(ctx context.Context, args map[string]any) (any, error) {
	provider := stringArg(args, "provider")
	if provider == "" {
		return nil, &DispatchError{Kind: ErrKindBadRequest, Message: "tools.list requires a provider"}
	}
	upstreamName, tools, err := e.ToolsList(ctx, provider)
	if err != nil {
		return nil, err
	}
	return toCallToolResult(map[string]any{
		"provider": upstreamName,
		"tools":    toolDescsToSchemas(tools),
	}, false), nil
}

func (e *RouterEngine) handleToolsCallTool(ctx context.Context, args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, &DispatchError{Kind: ErrKindBadRequest, Message: "invalid tools.call arguments", Err: err}
	}
	var p toolsCallRouterParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &DispatchError{Kind: ErrKindBadRequest, Message: "invalid tools.call arguments", Err: err}
	}
	if p.Provider == "" || p.Name == "" {
		return nil, &DispatchError{Kind: ErrKindBadRequest, Message: "tools.call requires provider and name"}
	}

	upstreamName, result, err := e.ToolsCall(ctx, p.Provider, p.Name, p.Arguments)
	if err != nil {
		return nil, err
	}

	structured := map[string]any{
		"provider":          upstreamName,
		"name":              p.Name,
		"content":           result.Content,
		"structuredContent": result.StructuredContent,
	}
	return toCallToolResult(structured, result.IsError), nil
}

func (e *RouterEngine) handleToolsRefreshTool(args map[string]any) (any, error) {
	e.ToolsRefresh(stringArg(args, "provider"))
	return toCallToolResult(map[string]any{"ok": true}, false), nil
}
