package provider

import (
	"context"
	"fmt"

	"signal-desk/internal/domain"
	"signal-desk/internal/logger"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type FearGreedFetcher interface {
	FearGreed(ctx context.Context) (int, error)
}

type DominanceFetcher interface {
	BTCDominance(ctx context.Context) (decimal.Decimal, error)
}

type BreadthFetcher interface {
	Breadth(ctx context.Context, symbols []string) (domain.BreadthDirection, error)
}

// SentimentSource gathers the market inputs concurrently, then asks the advisor for a direction.
// Any market input failing fails the whole fetch; an advisor failure falls back to the heuristic.
type SentimentSource struct {
	tracer    trace.Tracer
	fearGreed FearGreedFetcher
	dominance DominanceFetcher
	breadth   BreadthFetcher
	advisor   Advisor
	symbols   []string
}

func NewSentimentSource(
	tracer trace.Tracer,
	fearGreed FearGreedFetcher,
	dominance DominanceFetcher,
	breadth BreadthFetcher,
	advisor Advisor,
	symbols []string,
) *SentimentSource {
	if advisor == nil {
		advisor = HeuristicAdvisor{}
	}
	return &SentimentSource{
		tracer:    tracer,
		fearGreed: fearGreed,
		dominance: dominance,
		breadth:   breadth,
		advisor:   advisor,
		symbols:   symbols,
	}
}

func (s *SentimentSource) FetchSentiment(ctx context.Context) (domain.SentimentInputs, error) {
	ctx, span := s.tracer.Start(ctx, "sentiment-source.fetch")
	defer span.End()

	if s.fearGreed == nil || s.dominance == nil || s.breadth == nil {
		return domain.SentimentInputs{}, fmt.Errorf("sentiment source not fully initialized")
	}

	var (
		fearGreed int
		dominance decimal.Decimal
		breadth   domain.BreadthDirection
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.fearGreed.FearGreed(gctx)
		fearGreed = v
		return err
	})
	g.Go(func() error {
		v, err := s.dominance.BTCDominance(gctx)
		dominance = v
		return err
	})
	g.Go(func() error {
		v, err := s.breadth.Breadth(gctx, s.symbols)
		breadth = v
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return domain.SentimentInputs{}, err
	}

	in := MarketInputs{FearGreedIndex: fearGreed, BTCDominance: dominance.String(), BreadthDirection: breadth}
	advice, err := s.advisor.Advise(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return domain.SentimentInputs{}, ctx.Err()
		}
		logger.Warnf("advisor failed, using heuristic: %v", err)
		advice, _ = HeuristicAdvisor{}.Advise(ctx, in)
	}

	return domain.SentimentInputs{
		FearGreedIndex:   fearGreed,
		BTCDominance:     dominance,
		BreadthDirection: breadth,
		AIDirection:      advice.Direction,
		Confidence:       advice.Confidence,
		Reasoning:        advice.Reasoning,
	}, nil
}
