package db

import (
	"context"
	"os"

	"signal-desk/internal/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

var Pool *pgxpool.Pool

// InitPostgres connects when DATABASE_URL is set. Without it the desk runs in memory only.
func InitPostgres(ctx context.Context) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Warnf("DATABASE_URL not set, skipping Postgres connection")
		return
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatalf("failed to ping Postgres: %v", err)
	}
	Pool = pool
	logger.Infof("Connected to Postgres")
}

// Close releases the pool if one was opened.
func Close() {
	if Pool != nil {
		Pool.Close()
		Pool = nil
	}
}
