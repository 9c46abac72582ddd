package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"signal-desk/internal/cache"
	"signal-desk/internal/config"
	"signal-desk/internal/domain"
	"signal-desk/internal/logger"
	mcpserver "signal-desk/internal/mcp"
	"signal-desk/pkg/tracing"

	"github.com/joho/godotenv"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultMCPHTTPMaxBodyBytes int64 = 1 << 20 // 1MiB
	snapshotReadTimeout              = 2 * time.Second
)

var (
	loadEnvFunc       = godotenv.Load
	loadConfigFunc    = config.Load
	initRedisFunc     = cache.InitRedis
	initTracerFunc    = tracing.InitTracer
	newMCPServerFunc  = mcpserver.NewServer
	newMCPHandlerFunc = mcpserver.NewHTTPTransportHandler
	runStdioFunc      = func(ctx context.Context, server *sdkmcp.Server) error {
		return server.Run(ctx, &sdkmcp.StdioTransport{})
	}
	startHTTPServerFunc  = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFn = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
	setupSignalNotify    = ossignal.Notify
	waitForSignalFunc    = func(quit <-chan os.Signal) { <-quit }
)

// snapshotLoader is the read side of the Redis snapshot mirror.
type snapshotLoader interface {
	LatestSnapshot(ctx context.Context) (domain.Snapshot, error)
}

// redisSnapshots answers MCP reads from the snapshot the server mirrors into Redis.
type redisSnapshots struct {
	loader  snapshotLoader
	timeout time.Duration
}

func (r redisSnapshots) Latest() (domain.Snapshot, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	s, err := r.loader.LatestSnapshot(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logger.Warnf("read mirrored snapshot: %v", err)
		}
		return domain.Snapshot{}, false
	}
	return s, true
}

func main() {
	_ = loadEnvFunc()
	cfg := loadConfigFunc()
	logger.Configure(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile, MaxSizeMB: cfg.LogMaxSizeMB})
	transport := strings.ToLower(strings.TrimSpace(cfg.MCPTransport))
	if transport == "" || transport == "stdio" {
		// stdout carries the protocol
		logger.SetOutput(os.Stderr)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	os.Setenv("REDIS_URL", cfg.RedisURL)
	initRedisFunc(ctx)

	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		logger.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warnf("error shutting down tracer provider: %v", err)
		}
	}()

	snapshots := redisSnapshots{loader: cache.NewSnapshotPublisher(cache.Client), timeout: snapshotReadTimeout}
	// Close jobs and the audit trail live in the server process only.
	mcpSrv := newMCPServerFunc(tracer, snapshots, nil, nil, mcpserver.ServerConfig{
		RequestTimeout:   time.Duration(cfg.MCPRequestTimeoutSecs) * time.Second,
		SupportedSymbols: cfg.SupportedSymbols,
	})

	switch transport {
	case "", "stdio":
		if err := runStdioFunc(ctx, mcpSrv); err != nil {
			logger.Fatalf("mcp stdio server failed: %v", err)
		}
	case "http":
		if err := runHTTPMode(ctx, cancel, cfg, mcpSrv); err != nil {
			logger.Fatalf("mcp http server failed: %v", err)
		}
	default:
		logger.Fatalf("unsupported MCP_TRANSPORT: %s", cfg.MCPTransport)
	}
}

func runHTTPMode(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, mcpSrv *sdkmcp.Server) error {
	if !cfg.MCPHTTPEnabled {
		return fmt.Errorf("MCP_HTTP_ENABLED must be true when MCP_TRANSPORT=http")
	}
	if strings.TrimSpace(cfg.MCPAuthToken) == "" {
		return fmt.Errorf("MCP_AUTH_TOKEN is required when MCP_TRANSPORT=http")
	}

	handler := newMCPHandlerFunc(mcpSrv, mcpserver.HTTPHandlerConfig{
		AuthToken:       cfg.MCPAuthToken,
		RateLimitPerMin: cfg.MCPRateLimitPerMin,
		MaxBodyBytes:    defaultMCPHTTPMaxBodyBytes,
	})

	addr := net.JoinHostPort(cfg.MCPHTTPBind, fmt.Sprintf("%d", cfg.MCPHTTPPort))
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		if err := startHTTPServerFunc(srv); err != nil && err != http.ErrServerClosed {
			logger.Errorf("mcp http server failed: %v", err)
		}
	}()
	logger.Infof("MCP streamable HTTP listening on %s", addr)

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFn(srv, shutdownCtx); err != nil {
		return fmt.Errorf("mcp server forced to shutdown: %w", err)
	}
	return nil
}
