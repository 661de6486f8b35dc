// Package http provides the HTTP transport adapter for the router.
package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/mcprouter/mcprouter/internal/port/inbound"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPTransport is the inbound adapter that connects the router to HTTP
// clients speaking Streamable HTTP (plus the deprecated SSE dual-endpoint
// form). It implements inbound.ProxyService.
type HTTPTransport struct {
	authenticate   Authenticator
	newEngine      EngineFactory
	version        string
	server         *http.Server
	addr           string
	allowedOrigins []string
	certFile       string
	keyFile        string
	sessions       *sessionRegistry
	logger         *slog.Logger
	metrics        *Metrics
	healthChecker  *HealthChecker
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(t *HTTPTransport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithAllowedOrigins sets the allowed origins for DNS rebinding protection.
// If empty, all requests with an Origin header are blocked (local-only mode).
func WithAllowedOrigins(origins []string) Option {
	return func(t *HTTPTransport) {
		t.allowedOrigins = origins
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithHealthChecker sets the diagnostic component-health handler for
// /health (distinct from the fixed /healthz liveness contract).
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) {
		t.healthChecker = hc
	}
}

// WithVersion sets the version string reported by /healthz.
func WithVersion(version string) Option {
	return func(t *HTTPTransport) {
		t.version = version
	}
}

// NewHTTPTransport creates an HTTP transport adapter. authenticate resolves
// a bearer token to a bound principal; newEngine constructs a fresh
// RouterEngine per new session.
func NewHTTPTransport(authenticate Authenticator, newEngine EngineFactory, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		authenticate:   authenticate,
		newEngine:      newEngine,
		addr:           "127.0.0.1:8080",
		allowedOrigins: []string{},
		sessions:       newSessionRegistry(),
		logger:         slog.Default(),
		version:        "0.1.0",
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Start begins accepting HTTP connections and processing MCP messages. It
// blocks until the context is cancelled or an error occurs.
func (t *HTTPTransport) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg)

	// Middleware order (outermost first): Metrics -> RequestID -> RealIP ->
	// DNSRebinding -> APIKey -> Handler. Metrics stays outermost to capture
	// full request duration including the rest of the chain.
	handler := mcpHandler(t.authenticate, t.newEngine, t.sessions)
	var chained http.Handler = handler
	chained = APIKeyMiddleware(chained)
	chained = DNSRebindingProtection(t.allowedOrigins)(chained)
	chained = RealIPMiddleware(chained)
	chained = RequestIDMiddleware(t.logger)(chained)
	chained = MetricsMiddleware(t.metrics)(chained)

	mux := http.NewServeMux()
	mux.Handle("/healthz", HealthzHandler(t.version))
	if t.healthChecker != nil {
		mux.Handle("/health", t.healthChecker.Handler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.Handle("/mcp", chained)
	mux.Handle("/mcp/", chained)
	// Deprecated dual-endpoint SSE form shares the same handler: GET opens
	// the stream, POST carries individual messages.
	mux.Handle("/sse", chained)
	mux.Handle("/messages", chained)
	mux.Handle("/", chained)

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: mux,
	}

	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)

	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.sessions.closeAll()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}

var _ inbound.ProxyService = (*HTTPTransport)(nil)
