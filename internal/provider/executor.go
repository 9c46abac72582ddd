package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"signal-desk/internal/domain"
	"signal-desk/internal/logger"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PriceLookup is satisfied by BinanceProvider.
type PriceLookup interface {
	LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// PaperExecutor fills closures at the latest market price without touching a venue. When no
// price source is configured, or it has no quote, the operation's last repriced value is used.
type PaperExecutor struct {
	tracer trace.Tracer
	prices PriceLookup
}

func NewPaperExecutor(tracer trace.Tracer, prices PriceLookup) *PaperExecutor {
	return &PaperExecutor{tracer: tracer, prices: prices}
}

func (e *PaperExecutor) Close(ctx context.Context, op domain.Operation) (decimal.Decimal, error) {
	ctx, span := e.tracer.Start(ctx, "paper-executor.close")
	defer span.End()
	span.SetAttributes(attribute.String("operation.id", op.ID), attribute.String("operation.symbol", op.Symbol))

	fill := op.CurrentPrice
	if e.prices != nil {
		quotes, err := e.prices.LatestPrices(ctx, []string{op.Symbol})
		if err != nil {
			return decimal.Zero, fmt.Errorf("paper fill price for %s: %w", op.Symbol, err)
		}
		if q, ok := quotes[op.Symbol]; ok {
			fill = q
		}
	}
	if !fill.IsPositive() {
		return decimal.Zero, fmt.Errorf("no fill price for %s", op.Symbol)
	}
	logger.Infof("paper close %s %s %s qty=%s at %s", op.ID, op.Direction, op.Symbol, op.Quantity, fill)
	return fill, nil
}

// BinanceFuturesExecutor closes positions with reduce-only market orders.
type BinanceFuturesExecutor struct {
	tracer trace.Tracer
	client *futures.Client
	prices *BinanceProvider
}

func NewBinanceFuturesExecutor(tracer trace.Tracer, apiKey, secretKey, baseURL string, timeout time.Duration) (*BinanceFuturesExecutor, error) {
	if apiKey == "" || secretKey == "" {
		return nil, errors.New("binance futures executor requires api and secret keys")
	}
	client := newFuturesClient(apiKey, secretKey, baseURL, timeout)
	return &BinanceFuturesExecutor{
		tracer: tracer,
		client: client,
		prices: &BinanceProvider{tracer: tracer, client: client},
	}, nil
}

func (e *BinanceFuturesExecutor) Close(ctx context.Context, op domain.Operation) (decimal.Decimal, error) {
	ctx, span := e.tracer.Start(ctx, "binance-executor.close")
	defer span.End()
	span.SetAttributes(attribute.String("operation.id", op.ID), attribute.String("operation.symbol", op.Symbol))

	side := futures.SideTypeSell
	if op.Direction == domain.DirectionShort {
		side = futures.SideTypeBuy
	}
	res, err := e.client.NewCreateOrderService().
		Symbol(op.Symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(op.Quantity.String()).
		ReduceOnly(true).
		NewClientOrderID(clientOrderID(op)).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return decimal.Zero, fmt.Errorf("binance close order for %s: %w", op.ID, err)
	}

	fill, perr := decimal.NewFromString(res.AvgPrice)
	if perr == nil && fill.IsPositive() {
		return fill, nil
	}
	// ACK responses carry no average price yet
	quotes, err := e.prices.LatestPrices(ctx, []string{op.Symbol})
	if err != nil {
		return decimal.Zero, fmt.Errorf("order %d placed but fill price unknown: %w", res.OrderID, err)
	}
	if q, ok := quotes[op.Symbol]; ok {
		return q, nil
	}
	return op.CurrentPrice, nil
}

// clientOrderID is stable per operation and attempt so the venue rejects accidental resubmits.
func clientOrderID(op domain.Operation) string {
	return fmt.Sprintf("%s-%d", strings.ReplaceAll(op.ID, "-", ""), op.CloseAttempts)
}
