package job

import (
	"context"
	"sync"
	"time"

	"signal-desk/internal/domain"
	"signal-desk/internal/logger"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultRefreshInterval = 5 * time.Second
	defaultPriceTimeout    = 3 * time.Second
	defaultSignalLimit     = 50
	recentClosedLimit      = 20
)

type PriceSource interface {
	LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

type OperationBook interface {
	ActiveSymbols() []string
	Reprice(symbol string, price decimal.Decimal) int
	List(filter domain.OperationFilter) []domain.Operation
	RecentClosed(limit int) []domain.Operation
}

type MarketRefresher interface {
	Refresh(ctx context.Context) domain.MarketReading
}

type MetricsComputer interface {
	Compute(ctx context.Context) domain.SystemMetrics
}

type SignalLister interface {
	ListSignals(filter domain.SignalFilter) []domain.Signal
}

type SnapshotSink interface {
	Publish(s domain.Snapshot) domain.Snapshot
}

// SnapshotMirror receives each published snapshot for out-of-process readers.
type SnapshotMirror interface {
	PublishSnapshot(ctx context.Context, s domain.Snapshot) error
}

type RefreshSchedulerConfig struct {
	Interval     time.Duration
	PriceTimeout time.Duration
	SignalLimit  int
}

// RefreshScheduler reprices open operations, refreshes the market reading and metrics, and
// publishes a snapshot. Ticks never overlap.
type RefreshScheduler struct {
	tracer  trace.Tracer
	prices  PriceSource
	book    OperationBook
	market  MarketRefresher
	metrics MetricsComputer
	signals SignalLister
	sink    SnapshotSink
	mirror  SnapshotMirror
	cfg     RefreshSchedulerConfig

	tickMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewRefreshScheduler(
	tracer trace.Tracer,
	prices PriceSource,
	book OperationBook,
	market MarketRefresher,
	metrics MetricsComputer,
	signals SignalLister,
	sink SnapshotSink,
	mirror SnapshotMirror,
	cfg RefreshSchedulerConfig,
) *RefreshScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRefreshInterval
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = defaultPriceTimeout
	}
	if cfg.SignalLimit <= 0 {
		cfg.SignalLimit = defaultSignalLimit
	}
	return &RefreshScheduler{
		tracer:  tracer,
		prices:  prices,
		book:    book,
		market:  market,
		metrics: metrics,
		signals: signals,
		sink:    sink,
		mirror:  mirror,
		cfg:     cfg,
	}
}

// Enable starts the periodic loop in the background. It is a no-op when already enabled.
func (s *RefreshScheduler) Enable(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	s.cancel = cancel
	s.stopped = stopped
	go func() {
		defer close(stopped)
		s.loop(loopCtx)
	}()
	logger.Infof("auto refresh enabled (interval %s)", s.cfg.Interval)
	return true
}

// Disable stops scheduling further ticks. A tick already running completes.
func (s *RefreshScheduler) Disable() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	logger.Infof("auto refresh disabled")
	return true
}

func (s *RefreshScheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Wait blocks until the most recently enabled loop has exited or ctx ends.
func (s *RefreshScheduler) Wait(ctx context.Context) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped == nil {
		return
	}
	select {
	case <-stopped:
	case <-ctx.Done():
	}
}

func (s *RefreshScheduler) loop(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one full tick and returns the published snapshot.
func (s *RefreshScheduler) RunOnce(ctx context.Context) domain.Snapshot {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	// a started tick always publishes, even if the loop was disabled meanwhile
	ctx = context.WithoutCancel(ctx)
	ctx, span := s.tracer.Start(ctx, "refresh-scheduler.tick")
	defer span.End()

	repriced := s.reprice(ctx)
	span.SetAttributes(attribute.Int("tick.repriced", repriced))

	var reading *domain.MarketReading
	if s.market != nil {
		r := s.market.Refresh(ctx)
		reading = &r
	}

	snap := domain.Snapshot{AutoRefresh: s.Enabled()}
	if s.metrics != nil {
		snap.Metrics = s.metrics.Compute(ctx)
	}
	snap.MarketReading = reading
	if s.book != nil {
		snap.Operations = s.book.List(domain.OperationFilter{Statuses: []domain.OperationStatus{
			domain.OperationPending, domain.OperationActive, domain.OperationClosing,
		}})
		snap.FailedOperations = s.book.List(domain.OperationFilter{Statuses: []domain.OperationStatus{domain.OperationCloseFailed}})
		snap.RecentClosed = s.book.RecentClosed(recentClosedLimit)
	}
	if s.signals != nil {
		snap.Signals = s.signals.ListSignals(domain.SignalFilter{Limit: s.cfg.SignalLimit})
	}

	if s.sink != nil {
		snap = s.sink.Publish(snap)
	}
	if s.mirror != nil {
		if err := s.mirror.PublishSnapshot(ctx, snap); err != nil {
			logger.Warnf("mirror snapshot %d: %v", snap.Sequence, err)
		}
	}
	span.SetAttributes(attribute.Int64("snapshot.sequence", snap.Sequence))
	return snap
}

// reprice applies the latest prices to every active operation. A price failure skips repricing
// for this tick only.
func (s *RefreshScheduler) reprice(ctx context.Context) int {
	if s.book == nil || s.prices == nil {
		return 0
	}
	symbols := s.book.ActiveSymbols()
	if len(symbols) == 0 {
		return 0
	}

	priceCtx, cancel := context.WithTimeout(ctx, s.cfg.PriceTimeout)
	defer cancel()
	prices, err := s.prices.LatestPrices(priceCtx, symbols)
	if err != nil {
		logger.Warnf("price refresh failed for %d symbol(s): %v", len(symbols), err)
		return 0
	}

	n := 0
	for _, symbol := range symbols {
		price, ok := prices[symbol]
		if !ok {
			logger.Debugf("no price for %s this tick", symbol)
			continue
		}
		n += s.book.Reprice(symbol, price)
	}
	return n
}
