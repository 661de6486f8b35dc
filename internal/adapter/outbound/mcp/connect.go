package mcp

import (
	"context"
	"sync"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// sessionFuture is the in-flight-connect promise shared by concurrent
// callers of coalescedConnector.get: a caller that arrives mid-connect waits
// on the same in-flight future instead of dialing again.
type sessionFuture struct {
	done chan struct{}
	sess *sdkmcp.ClientSession
	err  error
}

// coalescedConnector lazily establishes (and remembers) one live session,
// coalescing concurrent connect attempts onto a single in-flight future.
// Shared between the pipe and HTTP client variants.
type coalescedConnector struct {
	mu      sync.Mutex
	current *sessionFuture
	session *sdkmcp.ClientSession
}

// get returns the current live session, joining an in-flight connect or
// starting a new one via dial if neither exists.
func (c *coalescedConnector) get(ctx context.Context, dial func(context.Context) (*sdkmcp.ClientSession, error)) (*sdkmcp.ClientSession, error) {
	c.mu.Lock()
	if c.session != nil {
		sess := c.session
		c.mu.Unlock()
		return sess, nil
	}
	if fut := c.current; fut != nil {
		c.mu.Unlock()
		select {
		case <-fut.done:
			return fut.sess, fut.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	fut := &sessionFuture{done: make(chan struct{})}
	c.current = fut
	c.mu.Unlock()

	sess, err := dial(ctx)

	c.mu.Lock()
	fut.sess, fut.err = sess, err
	close(fut.done)
	c.current = nil
	if err == nil {
		c.session = sess
	}
	c.mu.Unlock()

	return sess, err
}

// invalidate drops sess as the remembered live session if it is still the
// current one, forcing the next get to dial again. Called after an
// operation fails against sess.
func (c *coalescedConnector) invalidate(sess *sdkmcp.ClientSession) {
	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()
}

// closeCurrent closes and forgets the live session, if any.
func (c *coalescedConnector) closeCurrent() error {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	if sess != nil {
		return sess.Close()
	}
	return nil
}
