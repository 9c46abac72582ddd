package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signal-desk/internal/domain"
	"signal-desk/internal/logger"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultReadingTimeout = 3 * time.Second
	staleTimeoutReason    = "stale: source timeout"
	staleErrorReason      = "stale: source error"
)

type SentimentSource interface {
	FetchSentiment(ctx context.Context) (domain.SentimentInputs, error)
}

type MarketReadingStore interface {
	InsertReading(ctx context.Context, reading domain.MarketReading) error
	LatestReading(ctx context.Context) (domain.MarketReading, error)
}

// MarketService produces one MarketReading per refresh. A slow or failing source never blocks the
// caller beyond the timeout; the previous reading is carried forward with halved confidence.
type MarketService struct {
	tracer  trace.Tracer
	source  SentimentSource
	store   MarketReadingStore
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	latest *domain.MarketReading
}

func NewMarketService(tracer trace.Tracer, source SentimentSource, store MarketReadingStore, timeout time.Duration) *MarketService {
	if timeout <= 0 {
		timeout = defaultReadingTimeout
	}
	return &MarketService{
		tracer:  tracer,
		source:  source,
		store:   store,
		timeout: timeout,
		now:     time.Now,
	}
}

// Hydrate seeds the aggregator with the last stored reading.
func (s *MarketService) Hydrate(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	reading, err := s.store.LatestReading(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hydrate market reading: %w", err)
	}
	s.mu.Lock()
	s.latest = &reading
	s.mu.Unlock()
	return nil
}

func (s *MarketService) Refresh(ctx context.Context) domain.MarketReading {
	ctx, span := s.tracer.Start(ctx, "market-service.refresh")
	defer span.End()

	inputs, err := s.fetch(ctx)
	var reading domain.MarketReading
	if err != nil {
		reason := staleErrorReason
		if errors.Is(err, context.DeadlineExceeded) {
			reason = staleTimeoutReason
		}
		logger.Warnf("market reading degraded (%s): %v", reason, err)
		span.RecordError(err)
		reading = s.degraded(reason)
	} else {
		reading = domain.MarketReading{
			FearGreedIndex:   clampPercent(inputs.FearGreedIndex),
			BTCDominance:     inputs.BTCDominance,
			BreadthDirection: normalizeBreadth(inputs.BreadthDirection),
			AIDirection:      normalizeAIDirection(inputs.AIDirection),
			Confidence:       clampPercent(inputs.Confidence),
			Reasoning:        inputs.Reasoning,
			CapturedAt:       s.now().UTC(),
		}
	}
	span.SetAttributes(attribute.Bool("reading.stale", reading.Stale), attribute.Int("reading.confidence", reading.Confidence))

	s.mu.Lock()
	stored := reading
	s.latest = &stored
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.InsertReading(ctx, reading); err != nil {
			logger.Warnf("persist market reading: %v", err)
		}
	}
	return reading
}

func (s *MarketService) Latest() (domain.MarketReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return domain.MarketReading{}, false
	}
	return *s.latest, true
}

// fetch runs the source in its own goroutine so a source ignoring ctx still times out.
func (s *MarketService) fetch(ctx context.Context) (domain.SentimentInputs, error) {
	if s.source == nil {
		return domain.SentimentInputs{}, errors.New("no sentiment source configured")
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		inputs domain.SentimentInputs
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		inputs, err := s.source.FetchSentiment(fetchCtx)
		ch <- result{inputs: inputs, err: err}
	}()

	select {
	case r := <-ch:
		return r.inputs, r.err
	case <-fetchCtx.Done():
		return domain.SentimentInputs{}, fetchCtx.Err()
	}
}

func (s *MarketService) degraded(reason string) domain.MarketReading {
	now := s.now().UTC()
	s.mu.RLock()
	prev := s.latest
	s.mu.RUnlock()

	if prev == nil {
		return domain.MarketReading{
			FearGreedIndex:   50,
			BTCDominance:     decimal.Zero,
			BreadthDirection: domain.BreadthNeutral,
			AIDirection:      domain.AIDirectionNeutral,
			Confidence:       0,
			Reasoning:        reason,
			Stale:            true,
			CapturedAt:       now,
		}
	}
	reading := *prev
	reading.Confidence = prev.Confidence / 2
	reading.Reasoning = reason
	reading.Stale = true
	reading.CapturedAt = now
	return reading
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func normalizeBreadth(b domain.BreadthDirection) domain.BreadthDirection {
	switch b {
	case domain.BreadthBullish, domain.BreadthBearish:
		return b
	}
	return domain.BreadthNeutral
}

func normalizeAIDirection(d domain.AIDirection) domain.AIDirection {
	switch d {
	case domain.AIDirectionLong, domain.AIDirectionShort:
		return d
	}
	return domain.AIDirectionNeutral
}
