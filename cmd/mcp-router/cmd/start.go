// Package cmd provides the CLI commands for the MCP router.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	httptransport "github.com/mcprouter/mcprouter/internal/adapter/inbound/http"
	"github.com/mcprouter/mcprouter/internal/adapter/inbound/stdio"
	outboundaudit "github.com/mcprouter/mcprouter/internal/adapter/outbound/audit"
	mcpclient "github.com/mcprouter/mcprouter/internal/adapter/outbound/mcp"
	"github.com/mcprouter/mcprouter/internal/adapter/outbound/memory"
	"github.com/mcprouter/mcprouter/internal/config"
	"github.com/mcprouter/mcprouter/internal/domain/auth"
	"github.com/mcprouter/mcprouter/internal/domain/breaker"
	"github.com/mcprouter/mcprouter/internal/domain/health"
	"github.com/mcprouter/mcprouter/internal/observability"
	"github.com/mcprouter/mcprouter/internal/port/outbound"
	"github.com/mcprouter/mcprouter/internal/service"
)

var logLevel string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the router",
	Long:  `Start the router's configured front-ends (stdio and/or HTTP) and serve MCP requests until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

func init() {
	startCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.AddCommand(startCmd)
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runStart() error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(logLevel),
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfgRef := config.NewRef(cfg)

	metrics := observability.NewMetrics(prometheus.NewRegistry())

	b := breaker.New(breaker.Config{
		Enabled:          cfg.Routing.CircuitBreaker.Enabled,
		FailureThreshold: cfg.Routing.CircuitBreaker.FailureThreshold,
		OpenMs:           cfg.Routing.CircuitBreaker.OpenMs,
	}, func(upstream string) {
		logger.Warn("circuit opened", "upstream", upstream)
		metrics.RecordCircuitOpen(upstream)
	})

	healthStore := health.NewStore()

	upstreams := service.NewUpstreamManager(defaultClientFactory(cfgRef, logger), b, healthStore, logger)
	upstreams.Reconcile(cfg)

	auditStore, err := outboundaudit.NewFromOutput(cfg.Audit.Output)
	if err != nil {
		return fmt.Errorf("create audit store: %w", err)
	}
	auditService := service.NewAuditService(auditStore, logger, metrics,
		service.WithSendTimeout(time.Duration(cfg.Audit.SendTimeoutMs)*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	auditService.Start(ctx)
	defer auditService.Stop()

	rateLimiter := memory.NewRateLimiter()
	go rateLimiter.StartCleanup(ctx)

	healthChecker := service.NewHealthChecker(upstreams, cfgRef, b, healthStore, metrics, logger)

	authenticate := newAuthenticator(cfgRef)

	newEngine := func(principal *auth.Principal, sessionID string) *service.RouterEngine {
		return service.NewRouterEngine(sessionID, principal, cfgRef, upstreams, b, healthStore, rateLimiter, auditService, metrics, logger)
	}

	if watcher, werr := config.NewWatcher(cfgRef, config.ConfigFileUsed(), logger, func(c *config.NormalizedConfig) {
		upstreams.Reconcile(c)
	}); werr == nil {
		go watcher.Run(ctx)
		defer watcher.Stop()
	} else {
		logger.Info("config hot-reload disabled", "reason", werr)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var httpTransport *httptransport.HTTPTransport
	errCh := make(chan error, 2)

	if cfg.Listen.HTTP != nil {
		// The HTTP process owns the shared health-check loop; the stdio
		// front-end below is then given none.
		healthChecker.Start(ctx)
		defer healthChecker.Stop()

		httpHealthChecker := httptransport.NewHealthChecker(rateLimiter, auditService, Version)
		addr := fmt.Sprintf("%s:%d", cfg.Listen.HTTP.Host, cfg.Listen.HTTP.Port)
		httpTransport = httptransport.NewHTTPTransport(authenticate, newEngine,
			httptransport.WithAddr(addr),
			httptransport.WithLogger(logger),
			httptransport.WithHealthChecker(httpHealthChecker),
			httptransport.WithVersion(Version),
		)
		go func() {
			logger.Info("starting HTTP front-end", "addr", addr)
			errCh <- httpTransport.Start(sigCtx)
		}()
	}

	if cfg.Listen.Stdio {
		principal, perr := authenticate(os.Getenv("MCP_ROUTER_STDIO_TOKEN"))
		if perr != nil {
			return fmt.Errorf("stdio front-end authentication: %w", perr)
		}
		sessionEngine := newEngine(principal, "")

		var ownHealthChecker *service.HealthChecker
		if httpTransport == nil {
			ownHealthChecker = healthChecker
		}
		stdioTransport := stdio.NewTransport(sessionEngine, ownHealthChecker, os.Stdin, os.Stdout, logger)
		go func() {
			logger.Info("starting stdio front-end")
			errCh <- stdioTransport.Start(sigCtx)
		}()
	}

	if cfg.Listen.HTTP == nil && !cfg.Listen.Stdio {
		return fmt.Errorf("no front-end configured: set listen.http and/or listen.stdio")
	}

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case runErr := <-errCh:
		if runErr != nil && runErr != http.ErrServerClosed {
			logger.Error("front-end exited with error", "error", runErr)
		}
	}

	cancel()

	if httpTransport != nil {
		if cerr := httpTransport.Close(); cerr != nil {
			logger.Warn("http transport close error", "error", cerr)
		}
	}

	upstreams.CloseAll()

	return nil
}

// newAuthenticator builds an Authenticator closure from the current config
// snapshot. Each call re-reads cfgRef so a hot reload changes which tokens
// are accepted without restarting the process.
func newAuthenticator(cfgRef *config.Ref) httptransport.Authenticator {
	return func(token string) (*auth.Principal, error) {
		cfg := cfgRef.Load()
		tokens := service.TokenEntriesFromConfig(cfg.Auth.Tokens)
		projects := service.ProjectPoliciesFromConfig(cfg.Projects)
		return auth.AuthFromToken(tokens, projects, token)
	}
}

// defaultClientFactory builds outbound MCP clients from an upstream's
// config: an HTTP client for the "http" transport, a sandboxed pipe client
// for "pipe".
func defaultClientFactory(cfgRef *config.Ref, logger *slog.Logger) service.ClientFactory {
	return func(uc config.UpstreamConfig) (outbound.MCPClient, error) {
		switch uc.Transport {
		case "http":
			return mcpclient.NewHTTPClient(uc, logger), nil
		case "pipe":
			return mcpclient.NewStdioClient(uc, cfgRef.Load().Sandbox.Stdio, logger), nil
		default:
			return nil, fmt.Errorf("unknown upstream transport %q", uc.Transport)
		}
	}
}
