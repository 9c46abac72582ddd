package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"
)

const (
	FearGreedEndpoint       = "https://api.alternative.me/fng/?limit=1"
	CoinGeckoGlobalEndpoint = "https://api.coingecko.com/api/v3/global"
	defaultHTTPTimeout      = 5 * time.Second
	maxPayloadBytes         = 1 << 20
)

// FearGreedClient reads the latest crypto Fear & Greed index from alternative.me.
type FearGreedClient struct {
	tracer   trace.Tracer
	endpoint string
	client   *http.Client
}

func NewFearGreedClient(tracer trace.Tracer, endpoint string) *FearGreedClient {
	if endpoint == "" {
		endpoint = FearGreedEndpoint
	}
	return &FearGreedClient{tracer: tracer, endpoint: endpoint, client: &http.Client{Timeout: defaultHTTPTimeout}}
}

func (c *FearGreedClient) FearGreed(ctx context.Context) (int, error) {
	ctx, span := c.tracer.Start(ctx, "fear-greed-client.fetch")
	defer span.End()

	body, err := getJSON(ctx, c.client, c.endpoint)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("fear & greed: %w", err)
	}
	if msg := gjson.GetBytes(body, "metadata.error"); msg.Exists() && msg.Type != gjson.Null && msg.String() != "" {
		return 0, fmt.Errorf("fear & greed api error: %s", msg.String())
	}
	raw := gjson.GetBytes(body, "data.0.value")
	if !raw.Exists() {
		return 0, fmt.Errorf("fear & greed: empty data")
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw.String()))
	if err != nil {
		return 0, fmt.Errorf("fear & greed value %q: %w", raw.String(), err)
	}
	return value, nil
}

// DominanceClient reads BTC market-cap dominance from the CoinGecko global endpoint.
type DominanceClient struct {
	tracer   trace.Tracer
	endpoint string
	client   *http.Client
}

func NewDominanceClient(tracer trace.Tracer, endpoint string) *DominanceClient {
	if endpoint == "" {
		endpoint = CoinGeckoGlobalEndpoint
	}
	return &DominanceClient{tracer: tracer, endpoint: endpoint, client: &http.Client{Timeout: defaultHTTPTimeout}}
}

func (c *DominanceClient) BTCDominance(ctx context.Context) (decimal.Decimal, error) {
	ctx, span := c.tracer.Start(ctx, "dominance-client.fetch")
	defer span.End()

	body, err := getJSON(ctx, c.client, c.endpoint)
	if err != nil {
		span.RecordError(err)
		return decimal.Zero, fmt.Errorf("btc dominance: %w", err)
	}
	raw := gjson.GetBytes(body, "data.market_cap_percentage.btc")
	if !raw.Exists() {
		return decimal.Zero, fmt.Errorf("btc dominance missing from payload")
	}
	dominance, err := decimal.NewFromString(raw.Raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("btc dominance %q: %w", raw.Raw, err)
	}
	return dominance.Round(2), nil
}

func getJSON(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid json payload")
	}
	return body, nil
}
