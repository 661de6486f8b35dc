// Package stdio provides the stdio transport adapter: one process, one
// session, speaking line-delimited JSON-RPC over the process's own
// stdin/stdout.
package stdio

import (
	"bufio"
	"context"
	"io"
	"log/slog"

	"github.com/mcprouter/mcprouter/internal/domain/session"
	"github.com/mcprouter/mcprouter/internal/port/inbound"
	"github.com/mcprouter/mcprouter/internal/service"
)

// Transport binds a single RouterEngine to the process's stdin/stdout. The
// principal is resolved once at construction (a pipe-transport upstream's
// own child process has no notion of re-authenticating mid-session).
type Transport struct {
	engine        *service.RouterEngine
	healthChecker *service.HealthChecker
	in            io.Reader
	out           io.Writer
	logger        *slog.Logger
}

// NewTransport wraps a RouterEngine for the stdio front-end. healthChecker
// may be nil if this process doesn't own the health-check loop (e.g. an
// HTTP process already runs one).
func NewTransport(engine *service.RouterEngine, healthChecker *service.HealthChecker, in io.Reader, out io.Writer, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{engine: engine, healthChecker: healthChecker, in: in, out: out, logger: logger}
}

// Start reads one JSON-RPC message per line from stdin, dispatches it
// through the router engine, and writes the response (if any) to stdout.
// Blocks until stdin is closed; a cancelled context is noticed when the
// next line arrives, not while a read is blocked.
func (t *Transport) Start(ctx context.Context) error {
	if t.healthChecker != nil {
		t.healthChecker.Start(ctx)
	}

	sessionID, err := session.GenerateID()
	if err != nil {
		return err
	}
	t.logger.Info("stdio session started", "sessionId", sessionID, "principal", t.engine.Principal().Fingerprint())

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	writer := bufio.NewWriter(t.out)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := t.engine.HandleMessage(ctx, append([]byte(nil), line...))
		if resp == nil {
			continue
		}
		if _, err := writer.Write(resp); err != nil {
			return err
		}
		if err := writer.WriteByte('\n'); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Close stops the owned health checker, if any, and has no other
// resources: stdin/stdout belong to the process, not this transport.
func (t *Transport) Close() error {
	if t.healthChecker != nil {
		t.healthChecker.Stop()
	}
	return nil
}

var _ inbound.ProxyService = (*Transport)(nil)
