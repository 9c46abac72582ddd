package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signal-desk/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

type MarketReadingRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewMarketReadingRepository(pool PgxPool, tracer trace.Tracer) *MarketReadingRepository {
	return &MarketReadingRepository{pool: pool, tracer: tracer}
}

func (r *MarketReadingRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "market-reading-repo.run-migrations")
	defer span.End()

	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS market_readings (
			id                BIGSERIAL PRIMARY KEY,
			fear_greed_index  SMALLINT NOT NULL,
			btc_dominance     NUMERIC(10, 4) NOT NULL,
			breadth_direction TEXT NOT NULL,
			ai_direction      TEXT NOT NULL,
			confidence        SMALLINT NOT NULL,
			reasoning         TEXT NOT NULL DEFAULT '',
			stale             BOOLEAN NOT NULL DEFAULT FALSE,
			captured_at       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_market_readings_captured_at ON market_readings (captured_at DESC);
	`)
	return err
}

func (r *MarketReadingRepository) InsertReading(ctx context.Context, reading domain.MarketReading) error {
	_, span := r.tracer.Start(ctx, "market-reading-repo.insert-reading")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO market_readings
		     (fear_greed_index, btc_dominance, breadth_direction, ai_direction, confidence, reasoning, stale, captured_at)
		 VALUES ($1, $2::numeric, $3, $4, $5, $6, $7, $8)`,
		int16(reading.FearGreedIndex),
		numericArg(reading.BTCDominance),
		string(reading.BreadthDirection),
		string(reading.AIDirection),
		int16(reading.Confidence),
		reading.Reasoning,
		reading.Stale,
		reading.CapturedAt.UTC(),
	)
	return err
}

func (r *MarketReadingRepository) DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	_, span := r.tracer.Start(ctx, "market-reading-repo.delete-readings-before")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `DELETE FROM market_readings WHERE captured_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// LatestReading returns domain.ErrNotFound when nothing was ever stored.
func (r *MarketReadingRepository) LatestReading(ctx context.Context) (domain.MarketReading, error) {
	_, span := r.tracer.Start(ctx, "market-reading-repo.latest-reading")
	defer span.End()

	var (
		reading    domain.MarketReading
		fearGreed  int16
		confidence int16
		dominance  string
		breadth    string
		ai         string
		capturedAt time.Time
	)
	err := r.pool.QueryRow(ctx,
		`SELECT fear_greed_index, btc_dominance::text, breadth_direction, ai_direction, confidence,
		        reasoning, stale, captured_at
		   FROM market_readings
		  ORDER BY captured_at DESC
		  LIMIT 1`,
	).Scan(&fearGreed, &dominance, &breadth, &ai, &confidence, &reading.Reasoning, &reading.Stale, &capturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MarketReading{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.MarketReading{}, fmt.Errorf("latest market reading: %w", err)
	}

	if reading.BTCDominance, err = parseNumeric(dominance); err != nil {
		return domain.MarketReading{}, fmt.Errorf("latest market reading dominance: %w", err)
	}
	reading.FearGreedIndex = int(fearGreed)
	reading.Confidence = int(confidence)
	reading.BreadthDirection = domain.BreadthDirection(breadth)
	reading.AIDirection = domain.AIDirection(ai)
	reading.CapturedAt = capturedAt.UTC()
	return reading, nil
}
