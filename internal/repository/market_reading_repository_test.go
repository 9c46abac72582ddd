package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"signal-desk/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
)

func TestMarketReadingInsert(t *testing.T) {
	pool := &stubPool{}
	repo := NewMarketReadingRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	err := repo.InsertReading(context.Background(), domain.MarketReading{
		FearGreedIndex:   72,
		BTCDominance:     decimal.RequireFromString("54.3"),
		BreadthDirection: domain.BreadthBullish,
		AIDirection:      domain.AIDirectionLong,
		Confidence:       65,
		CapturedAt:       time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	args := pool.execArgs[0]
	if args[0] != int16(72) || args[1] != "54.3" || args[2] != "BULLISH" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestMarketReadingLatest(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	pool := &stubPool{queryRowData: []any{
		int16(20), "48.1", "BEARISH", "SHORT", int16(40), "stale: source timeout", true, now,
	}}
	repo := NewMarketReadingRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	reading, err := repo.LatestReading(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reading.FearGreedIndex != 20 || reading.AIDirection != domain.AIDirectionShort || !reading.Stale {
		t.Fatalf("unexpected reading: %+v", reading)
	}
	if !reading.BTCDominance.Equal(decimal.RequireFromString("48.1")) {
		t.Fatalf("unexpected dominance: %s", reading.BTCDominance)
	}
}

func TestMarketReadingLatestEmpty(t *testing.T) {
	pool := &stubPool{queryRowErr: pgx.ErrNoRows}
	repo := NewMarketReadingRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	_, err := repo.LatestReading(context.Background())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarketReadingDeleteBefore(t *testing.T) {
	pool := &stubPool{execTag: pgconn.NewCommandTag("DELETE 3")}
	repo := NewMarketReadingRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	n, err := repo.DeleteReadingsBefore(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted rows, got %d", n)
	}

	pool.execErr = errors.New("db down")
	if _, err := repo.DeleteReadingsBefore(context.Background(), time.Now()); err == nil {
		t.Fatal("expected exec error")
	}
}
