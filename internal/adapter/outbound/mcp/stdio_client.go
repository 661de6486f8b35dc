// Package mcp provides the two outbound.MCPClient implementations —
// pipe (child process) and HTTP (streaming) — that speak MCP to a
// configured upstream on behalf of the router engine.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcprouter/mcprouter/internal/config"
	"github.com/mcprouter/mcprouter/internal/domain/upstream"
	"github.com/mcprouter/mcprouter/internal/port/outbound"
)

// implementation identifies the router to every upstream it connects to.
var implementation = &sdkmcp.Implementation{Name: "mcp-router", Version: "0.1.0"}

// shutdownGrace is how long Close waits after each escalation step of a
// pipe child's shutdown before moving to the next one.
const shutdownGrace = 2 * time.Second

// StdioClient is the pipe-transport variant of outbound.MCPClient: it
// spawns a child process and speaks MCP over its stdio.
type StdioClient struct {
	cfg     config.UpstreamConfig
	sandbox config.SandboxStdioConfig
	logger  *slog.Logger

	client    *sdkmcp.Client
	connector coalescedConnector

	procMu sync.Mutex
	proc   *os.Process
}

// NewStdioClient builds a pipe client for one upstream. The spawn itself
// is deferred until the first ListTools/CallTool call.
func NewStdioClient(cfg config.UpstreamConfig, sandbox config.SandboxStdioConfig, logger *slog.Logger) *StdioClient {
	return &StdioClient{
		cfg:     cfg,
		sandbox: sandbox,
		logger:  logger,
		client:  sdkmcp.NewClient(implementation, nil),
	}
}

// ListTools fetches the upstream's tool listing, retrying transport
// failures per the configured restart policy.
func (c *StdioClient) ListTools(ctx context.Context) (upstream.ToolList, error) {
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

// CallTool invokes one tool on the upstream.
func (c *StdioClient) CallTool(ctx context.Context, name string, arguments map[string]any) (*upstream.CallResult, error) {
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

// Close ends the session, which closes the child's stdin, then escalates
// through SIGTERM and SIGKILL if the process hasn't exited on its own.
// Safe to call more than once.
func (c *StdioClient) Close() error {
	closeErr := c.connector.closeCurrent()

	c.procMu.Lock()
	proc := c.proc
	c.procMu.Unlock()
	if proc == nil {
		return closeErr
	}

	if waitExit(proc, shutdownGrace) {
		return closeErr
	}
	_ = proc.Signal(syscall.SIGTERM)
	if waitExit(proc, shutdownGrace) {
		return closeErr
	}
	_ = proc.Kill()
	return closeErr
}

// waitExit polls for up to d for proc to exit. Signalling with syscall 0
// checks liveness without sending a real signal; the process's own
// transport owns the Wait call that reaps it, so this never races with it.
func waitExit(proc *os.Process, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return proc.Signal(syscall.Signal(0)) != nil
}

// dial enforces the sandbox guardrails, spawns the child process under the
// filtered environment, and completes the MCP initialize handshake.
func (c *StdioClient) dial(ctx context.Context) (*sdkmcp.ClientSession, error) {
	if err := checkSandbox(c.cfg, c.sandbox); err != nil {
		return nil, fmt.Errorf("%w: %v", upstream.ErrUnavailable, err)
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	if c.cfg.Cwd != "" {
		cmd.Dir = c.cfg.Cwd
	}
	cmd.Env = childEnviron(c.sandbox.InheritEnvKeys, c.cfg.Env)
	if c.cfg.StderrMode != "discard" {
		cmd.Stderr = newBoundedStderr(c.logger, c.cfg.Name)
	}

	transport := &sdkmcp.CommandTransport{Command: cmd}

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.EffectiveTimeoutMs())*time.Millisecond)
	defer cancel()

	sess, err := c.client.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: spawn %q: %v", upstream.ErrUnavailable, c.cfg.Command, err)
	}

	c.procMu.Lock()
	c.proc = cmd.Process
	c.procMu.Unlock()

	return sess, nil
}

var _ outbound.MCPClient = (*StdioClient)(nil)
