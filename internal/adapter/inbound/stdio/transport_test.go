package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mcprouter/mcprouter/internal/config"
	"github.com/mcprouter/mcprouter/internal/domain/auth"
	"github.com/mcprouter/mcprouter/internal/domain/breaker"
	"github.com/mcprouter/mcprouter/internal/domain/health"
	"github.com/mcprouter/mcprouter/internal/service"
)

func testEngine(t *testing.T) *service.RouterEngine {
	t.Helper()
	cfg := &config.NormalizedConfig{
		ToolExposure: config.ExposureHierarchical,
		Routing: config.RoutingConfig{
			SelectorStrategy: config.StrategyRoundRobin,
		},
		Upstreams: map[string]config.UpstreamConfig{},
	}
	ref := config.NewRef(cfg)
	b := breaker.New(breaker.Config{Enabled: true, FailureThreshold: 3, OpenMs: 1000}, nil)
	h := health.NewStore()
	principal := auth.Anonymous()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return service.NewRouterEngine("sess-1", principal, ref, nil, b, h, nil, nil, nil, logger)
}

func TestTransportStartRespondsToInitialize(t *testing.T) {
	engine := testEngine(t)

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n")
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	transport := NewTransport(engine, nil, in, &out, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	scanner := bufio.NewScanner(&out)
	if !scanner.Scan() {
		t.Fatal("expected a response line")
	}

	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Result  struct {
			ServerInfo struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v, got %s", err, scanner.Bytes())
	}
	if resp.Result.ServerInfo.Name == "" {
		t.Fatalf("expected a server name in initialize result, got %s", scanner.Bytes())
	}
}

func TestTransportStartSkipsNotifications(t *testing.T) {
	engine := testEngine(t)

	in := strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	transport := NewTransport(engine, nil, in, &out, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no response for a notification, got %q", out.String())
	}
}

func TestTransportStartReturnsParseErrorOnMalformedJSON(t *testing.T) {
	engine := testEngine(t)

	in := strings.NewReader("not json\n")
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	transport := NewTransport(engine, nil, in, &out, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var resp struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal: %v, got %s", err, out.String())
	}
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Fatalf("expected a -32700 parse error, got %+v", resp.Error)
	}
}
