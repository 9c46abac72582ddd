package config

import (
	"os"
	"strconv"
	"strings"

	"signal-desk/internal/domain"
	"signal-desk/internal/logger"

	"github.com/shopspring/decimal"
)

type Config struct {
	TelegramBotToken string
	DatabaseURL      string
	RedisURL         string

	RefreshIntervalSecs    int
	RefreshAutostart       bool
	SnapshotSignalLimit    int
	PriceTimeoutMS         int
	MarketReadingTimeoutMS int
	RetentionDays          int

	CloseConcurrency      int
	CloseRetryBudget      int
	CloseAttemptTimeoutMS int
	CloseRetryBaseMS      int
	CloseRetryMaxMS       int

	PositionScope        string
	DefaultQuantity      decimal.Decimal
	StrongSizeMultiplier decimal.Decimal
	SupportedSymbols     []string
	SignalQueueSize      int

	BinanceAPIKey    string
	BinanceSecretKey string
	BinanceBaseURL   string

	OpenAIAPIKey string
	OpenAIModel  string

	MCPTransport          string
	MCPHTTPEnabled        bool
	MCPHTTPBind           string
	MCPHTTPPort           int
	MCPAuthToken          string
	MCPRequestTimeoutSecs int
	MCPRateLimitPerMin    int

	CORSAllowedOrigins []string

	LogLevel     string
	LogFile      string
	LogMaxSizeMB int
}

func Load() *Config {
	cfg := &Config{
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		MCPAuthToken:     os.Getenv("MCP_AUTH_TOKEN"),
		BinanceAPIKey:    strings.TrimSpace(os.Getenv("BINANCE_API_KEY")),
		BinanceSecretKey: strings.TrimSpace(os.Getenv("BINANCE_SECRET_KEY")),
		BinanceBaseURL:   strings.TrimSpace(os.Getenv("BINANCE_BASE_URL")),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		LogFile:          strings.TrimSpace(os.Getenv("LOG_FILE")),
	}

	if cfg.DatabaseURL == "" {
		logger.Warnf("DATABASE_URL not set, operations and signals will not survive a restart")
	}
	if cfg.RedisURL == "" {
		logger.Warnf("REDIS_URL not set, snapshots will not be mirrored to Redis")
	}
	if cfg.BinanceAPIKey == "" || cfg.BinanceSecretKey == "" {
		logger.Warnf("BINANCE_API_KEY/BINANCE_SECRET_KEY not set, closures will be paper-filled")
	}
	if cfg.OpenAIAPIKey == "" {
		logger.Warnf("OPENAI_API_KEY not set, market direction falls back to the heuristic")
	}

	cfg.RefreshIntervalSecs = positiveInt("REFRESH_INTERVAL_SECS", 5)
	cfg.RefreshAutostart = boolEnv("REFRESH_AUTOSTART", true)
	cfg.SnapshotSignalLimit = positiveInt("SNAPSHOT_SIGNAL_LIMIT", 50)
	cfg.PriceTimeoutMS = positiveInt("PRICE_TIMEOUT_MS", 3000)
	cfg.MarketReadingTimeoutMS = positiveInt("MARKET_READING_TIMEOUT_MS", 3000)
	cfg.RetentionDays = positiveInt("RETENTION_DAYS", 7)

	cfg.CloseConcurrency = positiveInt("CLOSE_CONCURRENCY", 10)
	cfg.CloseRetryBudget = positiveInt("CLOSE_RETRY_BUDGET", 3)
	cfg.CloseAttemptTimeoutMS = positiveInt("CLOSE_ATTEMPT_TIMEOUT_MS", 5000)
	cfg.CloseRetryBaseMS = positiveInt("CLOSE_RETRY_BASE_MS", 200)
	cfg.CloseRetryMaxMS = positiveInt("CLOSE_RETRY_MAX_MS", 5000)
	if cfg.CloseRetryMaxMS < cfg.CloseRetryBaseMS {
		cfg.CloseRetryMaxMS = cfg.CloseRetryBaseMS
	}

	cfg.PositionScope = strings.ToLower(strings.TrimSpace(os.Getenv("POSITION_SCOPE")))
	if cfg.PositionScope != "global" && cfg.PositionScope != "account" {
		if cfg.PositionScope != "" {
			logger.Warnf("unsupported POSITION_SCOPE=%q, defaulting to global", cfg.PositionScope)
		}
		cfg.PositionScope = "global"
	}

	cfg.DefaultQuantity = positiveDecimal("DEFAULT_QUANTITY", decimal.NewFromInt(1))
	cfg.StrongSizeMultiplier = positiveDecimal("STRONG_SIZE_MULTIPLIER", decimal.NewFromInt(2))
	cfg.SupportedSymbols = parseSymbols(os.Getenv("SUPPORTED_SYMBOLS"))
	cfg.SignalQueueSize = positiveInt("SIGNAL_QUEUE_SIZE", 256)

	cfg.OpenAIModel = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4o-mini"
	}

	cfg.MCPTransport = strings.ToLower(strings.TrimSpace(os.Getenv("MCP_TRANSPORT")))
	if cfg.MCPTransport == "" {
		cfg.MCPTransport = "stdio"
	}
	if cfg.MCPTransport != "stdio" && cfg.MCPTransport != "http" {
		logger.Warnf("unsupported MCP_TRANSPORT=%q, defaulting to stdio", cfg.MCPTransport)
		cfg.MCPTransport = "stdio"
	}
	cfg.MCPHTTPEnabled = strings.EqualFold(strings.TrimSpace(os.Getenv("MCP_HTTP_ENABLED")), "true")
	cfg.MCPHTTPBind = strings.TrimSpace(os.Getenv("MCP_HTTP_BIND"))
	if cfg.MCPHTTPBind == "" {
		cfg.MCPHTTPBind = "127.0.0.1"
	}
	cfg.MCPHTTPPort = positiveInt("MCP_HTTP_PORT", 8090)
	cfg.MCPRequestTimeoutSecs = positiveInt("MCP_REQUEST_TIMEOUT_SECS", 5)
	cfg.MCPRateLimitPerMin = positiveInt("MCP_RATE_LIMIT_PER_MIN", 60)

	cfg.CORSAllowedOrigins = splitList(os.Getenv("CORS_ALLOWED_ORIGINS"))

	cfg.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogMaxSizeMB = positiveInt("LOG_MAX_SIZE_MB", 100)

	return cfg
}

func positiveInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		logger.Warnf("invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func boolEnv(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warnf("invalid %s=%q, using %t", key, v, def)
		return def
	}
	return b
}

func positiveDecimal(key string, def decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || !d.IsPositive() {
		logger.Warnf("invalid %s=%q, using %s", key, v, def)
		return def
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseSymbols normalizes and dedupes SUPPORTED_SYMBOLS, falling back to the default list.
func parseSymbols(raw string) []string {
	parts := splitList(raw)
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		symbol := domain.NormalizeSymbol(part)
		if symbol == "" {
			continue
		}
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	if len(out) == 0 {
		return append([]string(nil), domain.DefaultSupportedSymbols...)
	}
	return out
}
