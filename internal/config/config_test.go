package config

import (
	"reflect"
	"testing"

	"signal-desk/internal/domain"
)

var allKeys = []string{
	"TELEGRAM_BOT_TOKEN", "DATABASE_URL", "REDIS_URL",
	"REFRESH_INTERVAL_SECS", "REFRESH_AUTOSTART", "SNAPSHOT_SIGNAL_LIMIT", "PRICE_TIMEOUT_MS",
	"MARKET_READING_TIMEOUT_MS", "RETENTION_DAYS",
	"CLOSE_CONCURRENCY", "CLOSE_RETRY_BUDGET", "CLOSE_ATTEMPT_TIMEOUT_MS", "CLOSE_RETRY_BASE_MS", "CLOSE_RETRY_MAX_MS",
	"POSITION_SCOPE", "DEFAULT_QUANTITY", "STRONG_SIZE_MULTIPLIER", "SUPPORTED_SYMBOLS", "SIGNAL_QUEUE_SIZE",
	"BINANCE_API_KEY", "BINANCE_SECRET_KEY", "BINANCE_BASE_URL", "OPENAI_API_KEY", "OPENAI_MODEL",
	"MCP_TRANSPORT", "MCP_HTTP_ENABLED", "MCP_HTTP_BIND", "MCP_HTTP_PORT", "MCP_AUTH_TOKEN",
	"MCP_REQUEST_TIMEOUT_SECS", "MCP_RATE_LIMIT_PER_MIN",
	"CORS_ALLOWED_ORIGINS", "LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB",
}

func clearEnv(t *testing.T) {
	for _, key := range allKeys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()
	if cfg.RedisURL != "" || cfg.DatabaseURL != "" {
		t.Fatalf("expected no infrastructure urls, got %+v", cfg)
	}
	if cfg.RefreshIntervalSecs != 5 || !cfg.RefreshAutostart || cfg.SnapshotSignalLimit != 50 {
		t.Fatalf("unexpected refresh defaults: %+v", cfg)
	}
	if cfg.PriceTimeoutMS != 3000 || cfg.MarketReadingTimeoutMS != 3000 || cfg.RetentionDays != 7 {
		t.Fatalf("unexpected timeout defaults: %+v", cfg)
	}
	if cfg.CloseConcurrency != 10 || cfg.CloseRetryBudget != 3 || cfg.CloseAttemptTimeoutMS != 5000 {
		t.Fatalf("unexpected close defaults: %+v", cfg)
	}
	if cfg.CloseRetryBaseMS != 200 || cfg.CloseRetryMaxMS != 5000 {
		t.Fatalf("unexpected retry defaults: %+v", cfg)
	}
	if cfg.PositionScope != "global" || cfg.DefaultQuantity.String() != "1" || cfg.StrongSizeMultiplier.String() != "2" {
		t.Fatalf("unexpected sizing defaults: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.SupportedSymbols, domain.DefaultSupportedSymbols) {
		t.Fatalf("unexpected symbols: %v", cfg.SupportedSymbols)
	}
	if cfg.SignalQueueSize != 256 || cfg.OpenAIModel != "gpt-4o-mini" {
		t.Fatalf("unexpected queue/model defaults: %+v", cfg)
	}
	if cfg.MCPTransport != "stdio" || cfg.MCPHTTPEnabled || cfg.MCPHTTPBind != "127.0.0.1" || cfg.MCPHTTPPort != 8090 {
		t.Fatalf("unexpected MCP defaults: %+v", cfg)
	}
	if cfg.MCPRequestTimeoutSecs != 5 || cfg.MCPRateLimitPerMin != 60 {
		t.Fatalf("unexpected MCP defaults: timeout=%d rate=%d", cfg.MCPRequestTimeoutSecs, cfg.MCPRateLimitPerMin)
	}
	if cfg.CORSAllowedOrigins != nil || cfg.LogLevel != "info" || cfg.LogMaxSizeMB != 100 {
		t.Fatalf("unexpected http/log defaults: %+v", cfg)
	}
}

func TestLoadWithEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("REDIS_URL", "redis:6379")
	t.Setenv("REFRESH_INTERVAL_SECS", "2")
	t.Setenv("REFRESH_AUTOSTART", "false")
	t.Setenv("CLOSE_CONCURRENCY", "4")
	t.Setenv("CLOSE_RETRY_BUDGET", "5")
	t.Setenv("CLOSE_RETRY_BASE_MS", "500")
	t.Setenv("CLOSE_RETRY_MAX_MS", "100")
	t.Setenv("POSITION_SCOPE", "Account")
	t.Setenv("DEFAULT_QUANTITY", "0.25")
	t.Setenv("STRONG_SIZE_MULTIPLIER", "3")
	t.Setenv("SUPPORTED_SYMBOLS", "btc/usdt, eth-usdt,BTCUSDT,,")
	t.Setenv("BINANCE_API_KEY", " key ")
	t.Setenv("BINANCE_SECRET_KEY", "secret")
	t.Setenv("MCP_TRANSPORT", "http")
	t.Setenv("MCP_HTTP_ENABLED", "true")
	t.Setenv("MCP_HTTP_PORT", "9191")
	t.Setenv("MCP_AUTH_TOKEN", "secret")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("RETENTION_DAYS", "30")

	cfg := Load()
	if cfg.TelegramBotToken != "token" || cfg.DatabaseURL != "postgres://example" || cfg.RedisURL != "redis:6379" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.RefreshIntervalSecs != 2 || cfg.RefreshAutostart || cfg.RetentionDays != 30 {
		t.Fatalf("unexpected refresh config: %+v", cfg)
	}
	if cfg.CloseConcurrency != 4 || cfg.CloseRetryBudget != 5 {
		t.Fatalf("unexpected close config: %+v", cfg)
	}
	if cfg.CloseRetryMaxMS != 500 {
		t.Fatalf("retry max should never be below base, got %d", cfg.CloseRetryMaxMS)
	}
	if cfg.PositionScope != "account" || cfg.DefaultQuantity.String() != "0.25" || cfg.StrongSizeMultiplier.String() != "3" {
		t.Fatalf("unexpected sizing config: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.SupportedSymbols, []string{"BTCUSDT", "ETHUSDT"}) {
		t.Fatalf("unexpected symbols: %v", cfg.SupportedSymbols)
	}
	if cfg.BinanceAPIKey != "key" || cfg.BinanceSecretKey != "secret" {
		t.Fatalf("unexpected binance keys: %+v", cfg)
	}
	if cfg.MCPTransport != "http" || !cfg.MCPHTTPEnabled || cfg.MCPHTTPPort != 9191 || cfg.MCPAuthToken != "secret" {
		t.Fatalf("unexpected MCP config: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.CORSAllowedOrigins, []string{"https://a.example.com", "https://b.example.com"}) {
		t.Fatalf("unexpected origins: %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("REFRESH_INTERVAL_SECS", "bad")
	t.Setenv("REFRESH_AUTOSTART", "maybe")
	t.Setenv("CLOSE_CONCURRENCY", "-1")
	t.Setenv("CLOSE_RETRY_BUDGET", "0")
	t.Setenv("POSITION_SCOPE", "desk")
	t.Setenv("DEFAULT_QUANTITY", "-2")
	t.Setenv("STRONG_SIZE_MULTIPLIER", "abc")
	t.Setenv("SUPPORTED_SYMBOLS", " , ")
	t.Setenv("MCP_TRANSPORT", "grpc")
	t.Setenv("MCP_HTTP_PORT", "bad")

	cfg := Load()
	if cfg.RefreshIntervalSecs != 5 || !cfg.RefreshAutostart {
		t.Fatalf("invalid refresh values should fall back: %+v", cfg)
	}
	if cfg.CloseConcurrency != 10 || cfg.CloseRetryBudget != 3 {
		t.Fatalf("invalid close values should fall back: %+v", cfg)
	}
	if cfg.PositionScope != "global" || cfg.DefaultQuantity.String() != "1" || cfg.StrongSizeMultiplier.String() != "2" {
		t.Fatalf("invalid sizing values should fall back: %+v", cfg)
	}
	if len(cfg.SupportedSymbols) != len(domain.DefaultSupportedSymbols) {
		t.Fatalf("empty symbol list should fall back: %v", cfg.SupportedSymbols)
	}
	if cfg.MCPTransport != "stdio" || cfg.MCPHTTPPort != 8090 {
		t.Fatalf("invalid MCP values should fall back: %+v", cfg)
	}
}
