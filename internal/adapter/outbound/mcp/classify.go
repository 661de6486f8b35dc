package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/mcprouter/mcprouter/internal/domain/upstream"
)

// classify sorts an error from a live session into a transport failure or a
// protocol failure: anything that looks like the transport itself failing
// (deadline, cancellation, closed pipe/connection, EOF) becomes
// upstream.ErrUnavailable; everything the upstream returned once a session
// was established becomes upstream.ErrProtocol. Connection/handshake
// failures are never passed through classify — callers wrap those as
// ErrUnavailable directly, since there is no session to have returned a
// protocol error from.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isTransportError(err) {
		return fmt.Errorf("%w: %v", upstream.ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", upstream.ErrProtocol, err)
}

func isTransportError(err error) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
