package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"signal-desk/internal/domain"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBinanceTimeout = 5 * time.Second
	// share of advancing (or declining) symbols needed to call breadth directional
	breadthThreshold = 0.6
)

// BinanceProvider reads USDT-margined futures tickers for prices and market breadth.
type BinanceProvider struct {
	tracer trace.Tracer
	client *futures.Client
}

func NewBinanceProvider(tracer trace.Tracer, baseURL string, timeout time.Duration) *BinanceProvider {
	return &BinanceProvider{tracer: tracer, client: newFuturesClient("", "", baseURL, timeout)}
}

func newFuturesClient(apiKey, secretKey, baseURL string, timeout time.Duration) *futures.Client {
	if timeout <= 0 {
		timeout = defaultBinanceTimeout
	}
	client := futures.NewClient(apiKey, secretKey)
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		client.BaseURL = base
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return client
}

// LatestPrices returns the last traded price per requested symbol. Symbols unknown to the venue
// are absent from the result.
func (p *BinanceProvider) LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	ctx, span := p.tracer.Start(ctx, "binance-provider.latest-prices")
	defer span.End()
	span.SetAttributes(attribute.Int("symbols.count", len(symbols)))

	out := make(map[string]decimal.Decimal, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wanted[domain.NormalizeSymbol(s)] = struct{}{}
	}

	prices, err := p.client.NewListPricesService().Do(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("binance ticker prices: %w", err)
	}
	for _, tp := range prices {
		if tp == nil {
			continue
		}
		if _, ok := wanted[tp.Symbol]; !ok {
			continue
		}
		price, err := decimal.NewFromString(tp.Price)
		if err != nil || !price.IsPositive() {
			continue
		}
		out[tp.Symbol] = price
	}
	return out, nil
}

// Breadth classifies the 24h move across symbols: BULLISH when at least 60% advanced, BEARISH when
// at least 60% declined, NEUTRAL otherwise.
func (p *BinanceProvider) Breadth(ctx context.Context, symbols []string) (domain.BreadthDirection, error) {
	ctx, span := p.tracer.Start(ctx, "binance-provider.breadth")
	defer span.End()

	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wanted[domain.NormalizeSymbol(s)] = struct{}{}
	}

	stats, err := p.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		span.RecordError(err)
		return domain.BreadthNeutral, fmt.Errorf("binance 24h stats: %w", err)
	}

	var up, down, total int
	for _, st := range stats {
		if st == nil {
			continue
		}
		if _, ok := wanted[st.Symbol]; len(wanted) > 0 && !ok {
			continue
		}
		change, err := decimal.NewFromString(st.PriceChangePercent)
		if err != nil {
			continue
		}
		total++
		switch change.Sign() {
		case 1:
			up++
		case -1:
			down++
		}
	}
	span.SetAttributes(attribute.Int("breadth.up", up), attribute.Int("breadth.down", down))
	return classifyBreadth(up, down, total), nil
}

func classifyBreadth(up, down, total int) domain.BreadthDirection {
	if total == 0 {
		return domain.BreadthNeutral
	}
	switch {
	case float64(up)/float64(total) >= breadthThreshold:
		return domain.BreadthBullish
	case float64(down)/float64(total) >= breadthThreshold:
		return domain.BreadthBearish
	}
	return domain.BreadthNeutral
}
