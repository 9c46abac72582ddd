package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"signal-desk/internal/bot"
	"signal-desk/internal/cache"
	"signal-desk/internal/config"
	"signal-desk/internal/db"
	"signal-desk/internal/handler"
	"signal-desk/internal/job"
	"signal-desk/internal/ledger"
	"signal-desk/internal/logger"
	"signal-desk/internal/mcp"
	"signal-desk/internal/provider"
	"signal-desk/internal/repository"
	"signal-desk/internal/service"
	signalvalidator "signal-desk/internal/signal"
	"signal-desk/internal/snapshot"
	"signal-desk/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/otel/trace"

	_ "signal-desk/docs"
)

var (
	loadEnvFunc       = godotenv.Load
	loadConfigFunc    = config.Load
	configureLogFunc  = logger.Configure
	initPostgresFunc  = db.InitPostgres
	initRedisFunc     = cache.InitRedis
	initTracerFunc    = tracing.InitTracer
	newSignalRepoFunc = repository.NewSignalRepository
	newOpRepoFunc     = repository.NewOperationRepository
	newReadingRepo    = repository.NewMarketReadingRepository
	newExecutorFunc   = func(tracer trace.Tracer, cfg *config.Config, prices provider.PriceLookup) service.ClosureExecutor {
		if cfg.BinanceAPIKey != "" && cfg.BinanceSecretKey != "" {
			exec, err := provider.NewBinanceFuturesExecutor(tracer, cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.BinanceBaseURL, 10*time.Second)
			if err == nil {
				return exec
			}
			logger.Warnf("binance executor unavailable, falling back to paper fills: %v", err)
		}
		return provider.NewPaperExecutor(tracer, prices)
	}
	newAdvisorFunc = func(tracer trace.Tracer, cfg *config.Config) provider.Advisor {
		if cfg.OpenAIAPIKey == "" {
			return provider.HeuristicAdvisor{}
		}
		return provider.NewOpenAIAdvisor(tracer, cfg.OpenAIAPIKey, cfg.OpenAIModel)
	}
	newFearGreedFunc = func(tracer trace.Tracer) provider.FearGreedFetcher {
		return provider.NewFearGreedClient(tracer, "")
	}
	newDominanceFunc = func(tracer trace.Tracer) provider.DominanceFetcher {
		return provider.NewDominanceClient(tracer, "")
	}
	startTelegramBotFunc   = bot.StartTelegramBot
	startSignalWorkerFunc  = func(s *service.SignalService, ctx context.Context) { go s.Start(ctx) }
	startRetentionFunc     = func(j *job.Retention, ctx context.Context) { go j.Start(ctx) }
	newRouterFunc          = handler.NewRouter
	setupSignalNotify      = ossignal.Notify
	waitForSignalFunc      = func(quit <-chan os.Signal) { <-quit }
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
)

// @title           Signal Desk API
// @version         1.0
// @description     Signal ingestion, operation monitoring and bulk closure control.

// @host      localhost:8080
// @BasePath  /
func main() {
	_ = loadEnvFunc()

	cfg := loadConfigFunc()
	configureLogFunc(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile, MaxSizeMB: cfg.LogMaxSizeMB})
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init Postgres and Redis
	os.Setenv("DATABASE_URL", cfg.DatabaseURL)
	os.Setenv("REDIS_URL", cfg.RedisURL)
	initPostgresFunc(ctx)
	initRedisFunc(ctx)
	defer db.Close()

	// Init tracing
	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		logger.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warnf("error shutting down tracer provider: %v", err)
		}
	}()

	// Repositories only exist with a database; otherwise state lives in memory.
	var (
		opStore      ledger.OperationStore
		signalStore  service.SignalStore
		readingStore service.MarketReadingStore
		readingPrune job.ReadingPruner
		auditPrune   job.AuditPruner
	)
	if db.Pool != nil {
		signalRepo := newSignalRepoFunc(db.Pool, tracer)
		opRepo := newOpRepoFunc(db.Pool, tracer)
		readingRepo := newReadingRepo(db.Pool, tracer)
		if err := signalRepo.RunMigrations(ctx); err != nil {
			logger.Fatalf("failed to run signal migrations: %v", err)
		}
		if err := opRepo.RunMigrations(ctx); err != nil {
			logger.Fatalf("failed to run operation migrations: %v", err)
		}
		if err := readingRepo.RunMigrations(ctx); err != nil {
			logger.Fatalf("failed to run market reading migrations: %v", err)
		}
		if n, err := signalRepo.RejectOrphaned(ctx, service.ReasonShutdown); err != nil {
			logger.Warnf("%v", err)
		} else if n > 0 {
			logger.Warnf("rejected %d signal(s) left PROCESSING by the previous run", n)
		}
		opStore, signalStore, readingStore = opRepo, signalRepo, readingRepo
		readingPrune, auditPrune = readingRepo, signalRepo
	}

	// Ledger, restored from the last persisted state
	book := ledger.New(ledger.Config{
		RetryBudget: cfg.CloseRetryBudget,
		Scope:       ledger.ParseScope(cfg.PositionScope),
	}, opStore)
	restored, err := book.Restore(ctx)
	if err != nil {
		logger.Fatalf("failed to restore operations: %v", err)
	}
	if restored > 0 {
		logger.Infof("restored %d operations", restored)
	}

	// Providers
	binance := provider.NewBinanceProvider(tracer, cfg.BinanceBaseURL, time.Duration(cfg.PriceTimeoutMS)*time.Millisecond)
	executor := newExecutorFunc(tracer, cfg, binance)

	// Snapshot bus first so the bot can read it
	bus := snapshot.NewBus()
	alerts := startTelegramBotFunc(cfg.TelegramBotToken, bus)

	control := service.NewControlService(tracer, book, executor, alerts, service.ControlServiceConfig{
		Concurrency:    cfg.CloseConcurrency,
		AttemptTimeout: time.Duration(cfg.CloseAttemptTimeoutMS) * time.Millisecond,
		RetryBase:      time.Duration(cfg.CloseRetryBaseMS) * time.Millisecond,
		RetryMax:       time.Duration(cfg.CloseRetryMaxMS) * time.Millisecond,
	})
	signals := service.NewSignalService(
		tracer,
		signalvalidator.NewValidator(cfg.SupportedSymbols),
		book,
		control,
		signalStore,
		service.SignalServiceConfig{
			DefaultQuantity:  cfg.DefaultQuantity,
			StrongMultiplier: cfg.StrongSizeMultiplier,
			QueueSize:        cfg.SignalQueueSize,
		},
	)
	startSignalWorkerFunc(signals, ctx)

	sentiment := provider.NewSentimentSource(
		tracer,
		newFearGreedFunc(tracer),
		newDominanceFunc(tracer),
		binance,
		newAdvisorFunc(tracer, cfg),
		cfg.SupportedSymbols,
	)
	market := service.NewMarketService(tracer, sentiment, readingStore, time.Duration(cfg.MarketReadingTimeoutMS)*time.Millisecond)
	if err := market.Hydrate(ctx); err != nil {
		logger.Warnf("%v", err)
	}

	hub := handler.NewHub(bus, cfg.CORSAllowedOrigins)
	metrics := service.NewMetricsService(tracer, book, signals, hub)

	scheduler := job.NewRefreshScheduler(
		tracer,
		binance,
		book,
		market,
		metrics,
		signals,
		bus,
		cache.NewSnapshotPublisher(cache.Client),
		job.RefreshSchedulerConfig{
			Interval:     time.Duration(cfg.RefreshIntervalSecs) * time.Second,
			PriceTimeout: time.Duration(cfg.PriceTimeoutMS) * time.Millisecond,
			SignalLimit:  cfg.SnapshotSignalLimit,
		},
	)
	if cfg.RefreshAutostart {
		scheduler.Enable(ctx)
	}

	retention := job.NewRetention(tracer, readingPrune, auditPrune, time.Duration(cfg.RetentionDays)*24*time.Hour)
	startRetentionFunc(retention, ctx)

	// Create handlers and routes
	h := handler.New(ctx, tracer, signals, control, bus, scheduler, hub)

	r := newRouterFunc(tracing.ServiceName, cfg.CORSAllowedOrigins)
	h.RegisterRoutes(r)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	mountMCP(r, tracer, cfg, bus, control, signals)

	srv := &http.Server{
		Addr:    httpAddrFromEnv(),
		Handler: r,
	}

	go func() {
		if err := startHTTPServerFunc(srv); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %s", err)
		}
	}()
	logger.Infof("HTTP server listening on %s", srv.Addr)

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	logger.Infof("Shutting down server...")

	scheduler.Disable()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	if err := control.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("close workers did not drain: %v", err)
	}
	cancel()

	logger.Infof("Server exiting")
}

// mountMCP serves the read-only MCP surface at /mcp. It stays off without an auth token.
func mountMCP(r *gin.Engine, tracer trace.Tracer, cfg *config.Config, bus *snapshot.Bus, jobs mcp.JobReader, audit mcp.AuditReader) {
	if !cfg.MCPHTTPEnabled {
		return
	}
	if cfg.MCPAuthToken == "" {
		logger.Warnf("MCP_HTTP_ENABLED set without MCP_AUTH_TOKEN, /mcp not mounted")
		return
	}
	server := mcp.NewServer(tracer, bus, jobs, audit, mcp.ServerConfig{
		RequestTimeout:   time.Duration(cfg.MCPRequestTimeoutSecs) * time.Second,
		SupportedSymbols: cfg.SupportedSymbols,
	})
	mcpHandler := gin.WrapH(mcp.NewHTTPTransportHandler(server, mcp.HTTPHandlerConfig{
		AuthToken:       cfg.MCPAuthToken,
		RateLimitPerMin: cfg.MCPRateLimitPerMin,
		MaxBodyBytes:    1 << 20,
	}))
	r.Any("/mcp", mcpHandler)
	logger.Infof("MCP streamable HTTP mounted at /mcp")
}

func httpAddrFromEnv() string {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		return ":8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}
