package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"signal-desk/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sourceFunc func(ctx context.Context) (domain.SentimentInputs, error)

func (f sourceFunc) FetchSentiment(ctx context.Context) (domain.SentimentInputs, error) {
	return f(ctx)
}

type memoryReadingStore struct {
	latest   *domain.MarketReading
	inserted []domain.MarketReading
	err      error
}

func (m *memoryReadingStore) InsertReading(_ context.Context, r domain.MarketReading) error {
	if m.err != nil {
		return m.err
	}
	m.inserted = append(m.inserted, r)
	return nil
}

func (m *memoryReadingStore) LatestReading(context.Context) (domain.MarketReading, error) {
	if m.latest == nil {
		return domain.MarketReading{}, domain.ErrNotFound
	}
	return *m.latest, nil
}

func healthyInputs() domain.SentimentInputs {
	return domain.SentimentInputs{
		FearGreedIndex:   62,
		BTCDominance:     dec("54.2"),
		BreadthDirection: domain.BreadthBullish,
		AIDirection:      domain.AIDirectionLong,
		Confidence:       80,
		Reasoning:        "broad strength",
	}
}

func TestMarketRefreshDegradesOnTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	calls := 0
	source := sourceFunc(func(ctx context.Context) (domain.SentimentInputs, error) {
		calls++
		if calls == 1 {
			return healthyInputs(), nil
		}
		<-block
		return domain.SentimentInputs{}, nil
	})
	svc := NewMarketService(testTracer(), source, nil, 20*time.Millisecond)

	first := svc.Refresh(context.Background())
	require.False(t, first.Stale)
	assert.Equal(t, 80, first.Confidence)

	started := time.Now()
	second := svc.Refresh(context.Background())
	assert.Less(t, time.Since(started), time.Second)
	assert.True(t, second.Stale)
	assert.Equal(t, 40, second.Confidence)
	assert.Equal(t, "stale: source timeout", second.Reasoning)
	assert.Equal(t, 62, second.FearGreedIndex)
	assert.Equal(t, domain.AIDirectionLong, second.AIDirection)

	latest, ok := svc.Latest()
	require.True(t, ok)
	assert.Equal(t, second, latest)
}

func TestMarketRefreshDegradesOnError(t *testing.T) {
	fail := false
	source := sourceFunc(func(context.Context) (domain.SentimentInputs, error) {
		if fail {
			return domain.SentimentInputs{}, errors.New("upstream 502")
		}
		return healthyInputs(), nil
	})
	svc := NewMarketService(testTracer(), source, nil, time.Second)
	svc.Refresh(context.Background())

	fail = true
	reading := svc.Refresh(context.Background())
	assert.True(t, reading.Stale)
	assert.Equal(t, "stale: source error", reading.Reasoning)
	assert.Equal(t, 40, reading.Confidence)

	reading = svc.Refresh(context.Background())
	assert.Equal(t, 20, reading.Confidence, "confidence keeps decaying while the source is down")
}

func TestMarketRefreshWithoutHistory(t *testing.T) {
	svc := NewMarketService(testTracer(), nil, nil, 0)
	_, ok := svc.Latest()
	assert.False(t, ok)

	reading := svc.Refresh(context.Background())
	assert.True(t, reading.Stale)
	assert.Equal(t, 50, reading.FearGreedIndex)
	assert.Equal(t, 0, reading.Confidence)
	assert.Equal(t, domain.BreadthNeutral, reading.BreadthDirection)
	assert.Equal(t, domain.AIDirectionNeutral, reading.AIDirection)
}

func TestMarketRefreshClampsInputs(t *testing.T) {
	source := sourceFunc(func(context.Context) (domain.SentimentInputs, error) {
		return domain.SentimentInputs{
			FearGreedIndex:   140,
			BTCDominance:     dec("51"),
			BreadthDirection: "SIDEWAYS",
			AIDirection:      "MAYBE",
			Confidence:       -5,
		}, nil
	})
	reading := NewMarketService(testTracer(), source, nil, time.Second).Refresh(context.Background())
	assert.Equal(t, 100, reading.FearGreedIndex)
	assert.Equal(t, 0, reading.Confidence)
	assert.Equal(t, domain.BreadthNeutral, reading.BreadthDirection)
	assert.Equal(t, domain.AIDirectionNeutral, reading.AIDirection)
	assert.False(t, reading.Stale)
}

func TestMarketHydrateAndPersist(t *testing.T) {
	prev := domain.MarketReading{
		FearGreedIndex:   30,
		BTCDominance:     dec("49.5"),
		BreadthDirection: domain.BreadthBearish,
		AIDirection:      domain.AIDirectionShort,
		Confidence:       64,
		CapturedAt:       time.Now().Add(-time.Hour).UTC(),
	}
	store := &memoryReadingStore{latest: &prev}
	source := sourceFunc(func(context.Context) (domain.SentimentInputs, error) {
		return domain.SentimentInputs{}, errors.New("down")
	})
	svc := NewMarketService(testTracer(), source, store, time.Second)
	require.NoError(t, svc.Hydrate(context.Background()))

	reading := svc.Refresh(context.Background())
	assert.Equal(t, 32, reading.Confidence)
	assert.Equal(t, domain.BreadthBearish, reading.BreadthDirection)
	require.Len(t, store.inserted, 1)
	assert.True(t, store.inserted[0].Stale)

	empty := NewMarketService(testTracer(), source, &memoryReadingStore{}, time.Second)
	assert.NoError(t, empty.Hydrate(context.Background()))
	_, ok := empty.Latest()
	assert.False(t, ok)
}

func TestMarketRefreshSurvivesStoreFailure(t *testing.T) {
	source := sourceFunc(func(context.Context) (domain.SentimentInputs, error) { return healthyInputs(), nil })
	svc := NewMarketService(testTracer(), source, &memoryReadingStore{err: errors.New("db down")}, time.Second)
	reading := svc.Refresh(context.Background())
	assert.False(t, reading.Stale)
	_, ok := svc.Latest()
	assert.True(t, ok)
}
