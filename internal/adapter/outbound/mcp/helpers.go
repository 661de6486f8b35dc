package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcprouter/mcprouter/internal/config"
	"github.com/mcprouter/mcprouter/internal/domain/upstream"
)

// withRetry runs op up to policy.MaxRetries+1 times, reconnecting before
// each retry (the caller's op is responsible for dialing), waiting
// min(maxDelayMs, initialDelayMs*factor^attempt) between attempts. Only
// upstream.ErrUnavailable is retried; a classified upstream.ErrProtocol is
// terminal for the call.
func withRetry[T any](ctx context.Context, policy config.RestartPolicyConfig, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := policy.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(policy, attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, upstream.ErrUnavailable) {
			return zero, err
		}
	}
	return zero, lastErr
}

// toToolList converts the SDK's tool listing into our ToolDescriptor shape.
func toToolList(tools []*sdkmcp.Tool) upstream.ToolList {
	out := make([]upstream.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		var schema json.RawMessage
		if t.InputSchema != nil {
			if b, err := json.Marshal(t.InputSchema); err == nil {
				schema = b
			}
		}
		out = append(out, upstream.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return upstream.ToolList{Tools: out}
}

// toCallResult converts the SDK's tool-call result into our wire-agnostic
// CallResult.
func toCallResult(res *sdkmcp.CallToolResult) *upstream.CallResult {
	out := &upstream.CallResult{
		StructuredContent: res.StructuredContent,
		IsError:           res.IsError,
	}
	for _, c := range res.Content {
		if tc, ok := c.(*sdkmcp.TextContent); ok {
			out.Content = append(out.Content, upstream.ContentBlock{Type: "text", Text: tc.Text})
			continue
		}
		out.Content = append(out.Content, upstream.ContentBlock{Type: "unknown"})
	}
	return out
}

// boundedStderr pipes a pipe-transport child's stderr into the shared
// logger, line-bounded to 4 KiB so a noisy child can't exhaust memory.
type boundedStderr struct {
	logger *slog.Logger
	name   string
	buf    []byte
}

const maxStderrLine = 4 * 1024

func newBoundedStderr(logger *slog.Logger, upstreamName string) io.Writer {
	return &boundedStderr{logger: logger, name: upstreamName}
}

func (w *boundedStderr) Write(p []byte) (int, error) {
	n := len(p)
	w.buf = append(w.buf, p...)
	for {
		i := indexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := w.buf[:i]
		if len(line) > maxStderrLine {
			line = line[:maxStderrLine]
		}
		w.logger.Warn("upstream stderr", "upstream", w.name, "line", string(line))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxStderrLine {
		w.buf = w.buf[len(w.buf)-maxStderrLine:]
	}
	return n, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
