package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcprouter/mcprouter/internal/config"
	"github.com/mcprouter/mcprouter/internal/domain/upstream"
	"github.com/mcprouter/mcprouter/internal/port/outbound"
)

// HTTPClient is the streaming-HTTP variant of outbound.MCPClient.
type HTTPClient struct {
	cfg    config.UpstreamConfig
	logger *slog.Logger

	client    *sdkmcp.Client
	connector coalescedConnector
}

// NewHTTPClient builds an HTTP client for one upstream. The connection
// itself is deferred until the first ListTools/CallTool call.
func NewHTTPClient(cfg config.UpstreamConfig, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		cfg:    cfg,
		logger: logger,
		client: sdkmcp.NewClient(implementation, nil),
	}
}

func (c *HTTPClient) ListTools(ctx context.Context) (upstream.ToolList, error) {
	res, err := withRetry(ctx, c.cfg.Restart, func(ctx context.Context) (*sdkmcp.ListToolsResult, error) {
		sess, derr := c.connector.get(ctx, c.dial)
		if derr != nil {
			return nil, derr
		}
		res, err := sess.ListTools(ctx, &sdkmcp.ListToolsParams{})
		if err != nil {
			c.connector.invalidate(sess)
			return nil, classify(err)
		}
		return res, nil
	})
	if err != nil {
		return upstream.ToolList{}, err
	}
	return toToolList(res.Tools), nil
}

func (c *HTTPClient) CallTool(ctx context.Context, name string, arguments map[string]any) (*upstream.CallResult, error) {
	res, err := withRetry(ctx, c.cfg.Restart, func(ctx context.Context) (*sdkmcp.CallToolResult, error) {
		sess, derr := c.connector.get(ctx, c.dial)
		if derr != nil {
			return nil, derr
		}
		res, err := sess.CallTool(ctx, &sdkmcp.CallToolParams{Name: name, Arguments: arguments})
		if err != nil {
			c.connector.invalidate(sess)
			return nil, classify(err)
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return toCallResult(res), nil
}

func (c *HTTPClient) Close() error {
	return c.connector.closeCurrent()
}

// dial opens a streaming-HTTP session against the upstream's URL, injecting
// the configured static headers on every outbound request.
func (c *HTTPClient) dial(ctx context.Context) (*sdkmcp.ClientSession, error) {
	if c.cfg.URL == "" {
		return nil, fmt.Errorf("%w: upstream %q has no url configured", upstream.ErrUnavailable, c.cfg.Name)
	}

	httpClient := &http.Client{
		Transport: &headerInjectingTransport{
			base:    http.DefaultTransport,
			headers: c.cfg.Headers,
		},
	}

	transport := &sdkmcp.StreamableClientTransport{
		Endpoint:   c.cfg.URL,
		HTTPClient: httpClient,
	}

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.EffectiveTimeoutMs())*time.Millisecond)
	defer cancel()

	sess, err := c.client.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %q: %v", upstream.ErrUnavailable, c.cfg.URL, err)
	}
	return sess, nil
}

// headerInjectingTransport adds static, operator-configured headers (auth
// tokens, tenant routing headers) to every request sent to the upstream.
type headerInjectingTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerInjectingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range t.headers {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}

var _ outbound.MCPClient = (*HTTPClient)(nil)
