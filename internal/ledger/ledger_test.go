package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"signal-desk/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	versions map[string]int64
	writes   int
	restore  []domain.Operation
	err      error
}

func (s *memStore) UpsertOperation(_ context.Context, op domain.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.versions == nil {
		s.versions = map[string]int64{}
	}
	if op.Version > s.versions[op.ID] {
		s.versions[op.ID] = op.Version
	}
	s.writes++
	return nil
}

func (s *memStore) ListRecoverableOperations(context.Context) ([]domain.Operation, error) {
	return s.restore, s.err
}

func newTestLedger(t *testing.T, cfg Config, store OperationStore) *Ledger {
	t.Helper()
	var seq atomic.Int64
	if cfg.NewID == nil {
		cfg.NewID = func() string { return fmt.Sprintf("op-%d", seq.Add(1)) }
	}
	if cfg.Now == nil {
		base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
		var tick atomic.Int64
		cfg.Now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }
	}
	return New(cfg, store)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openActive(t *testing.T, l *Ledger, symbol string, dir domain.Direction, entry, qty string) domain.Operation {
	t.Helper()
	ctx := context.Background()
	op, err := l.Open(ctx, OpenRequest{Symbol: symbol, Direction: dir, EntryPrice: d(entry), Quantity: d(qty), SignalID: 1})
	require.NoError(t, err)
	require.Equal(t, domain.OperationPending, op.Status)
	op, err = l.Activate(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OperationActive, op.Status)
	return op
}

func TestRepriceComputesPnL(t *testing.T) {
	l := newTestLedger(t, Config{}, nil)
	long := openActive(t, l, "BTCUSDT", domain.DirectionLong, "45000", "0.5")
	short := openActive(t, l, "BTCUSDT", domain.DirectionShort, "45000", "2")
	other := openActive(t, l, "ETHUSDT", domain.DirectionLong, "3000", "1")

	n := l.Reprice("btcusdt", d("46000"))
	assert.Equal(t, 2, n)

	got, err := l.Get(long.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentPrice.Equal(d("46000")))
	assert.True(t, got.PnL.Equal(d("500")), "long pnl %s", got.PnL)
	assert.Equal(t, "2.22", got.PnLPercent.StringFixed(2))

	got, err = l.Get(short.ID)
	require.NoError(t, err)
	assert.True(t, got.PnL.Equal(d("-2000")), "short pnl %s", got.PnL)

	got, err = l.Get(other.ID)
	require.NoError(t, err)
	assert.True(t, got.PnL.IsZero())
}

func TestRepriceSkipsNonActive(t *testing.T) {
	l := newTestLedger(t, Config{}, nil)
	ctx := context.Background()
	pending, err := l.Open(ctx, OpenRequest{Symbol: "SOLUSDT", Direction: domain.DirectionLong, EntryPrice: d("100"), Quantity: d("1")})
	require.NoError(t, err)

	assert.Equal(t, 0, l.Reprice("SOLUSDT", d("120")))
	got, _ := l.Get(pending.ID)
	assert.True(t, got.CurrentPrice.Equal(d("100")))
	assert.Equal(t, 0, l.Reprice("SOLUSDT", decimal.Zero))
}

func TestOpenRejectsDuplicateKey(t *testing.T) {
	l := newTestLedger(t, Config{}, nil)
	ctx := context.Background()
	first := openActive(t, l, "BTCUSDT", domain.DirectionLong, "45000", "1")

	_, err := l.Open(ctx, OpenRequest{Symbol: "BTC/USDT", Direction: domain.DirectionLong, EntryPrice: d("45100"), Quantity: d("1")})
	require.Error(t, err)
	assert.Equal(t, domain.ReasonDuplicatePosition, domain.ConflictReason(err))
	assert.Len(t, l.List(domain.OperationFilter{}), 1)

	// opposite direction is a different key
	_, err = l.Open(ctx, OpenRequest{Symbol: "BTCUSDT", Direction: domain.DirectionShort, EntryPrice: d("45100"), Quantity: d("1")})
	require.NoError(t, err)

	// once closed the slot frees up
	_, _, err = l.RequestClose(ctx, first.ID)
	require.NoError(t, err)
	_, err = l.ConfirmClose(ctx, first.ID, d("45500"))
	require.NoError(t, err)
	_, err = l.Open(ctx, OpenRequest{Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: d("45600"), Quantity: d("1")})
	require.NoError(t, err)
}

func TestOpenAccountScope(t *testing.T) {
	l := newTestLedger(t, Config{Scope: ScopeAccount}, nil)
	ctx := context.Background()
	_, err := l.Open(ctx, OpenRequest{AccountID: "a", Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: d("1"), Quantity: d("1")})
	require.NoError(t, err)
	_, err = l.Open(ctx, OpenRequest{AccountID: "b", Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: d("1"), Quantity: d("1")})
	require.NoError(t, err)
	_, err = l.Open(ctx, OpenRequest{AccountID: "a", Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: d("1"), Quantity: d("1")})
	assert.True(t, domain.IsConflict(err))

	op, ok := l.FindOpen("b", "BTCUSDT", domain.DirectionLong)
	require.True(t, ok)
	assert.Equal(t, "b", op.AccountID)
}

func TestOpenConcurrentSameKeySingleWinner(t *testing.T) {
	l := newTestLedger(t, Config{}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Open(ctx, OpenRequest{Symbol: "ETHUSDT", Direction: domain.DirectionShort, EntryPrice: d("3000"), Quantity: d("1")}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestRequestCloseIsIdempotent(t *testing.T) {
	l := newTestLedger(t, Config{}, nil)
	ctx := context.Background()
	op := openActive(t, l, "BTCUSDT", domain.DirectionLong, "45000", "0.5")

	closing, transitioned, err := l.RequestClose(ctx, op.ID)
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, domain.OperationClosing, closing.Status)

	again, transitioned, err := l.RequestClose(ctx, op.ID)
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, domain.OperationClosing, again.Status)
	assert.Equal(t, closing.Version, again.Version)

	closed, err := l.ConfirmClose(ctx, op.ID, d("46000"))
	require.NoError(t, err)
	require.NotNil(t, closed.RealizedPnL)
	assert.True(t, closed.RealizedPnL.Equal(d("500")))

	_, err = l.ConfirmClose(ctx, op.ID, d("47000"))
	assert.Equal(t, domain.ReasonOperationClosed, domain.ConflictReason(err))

	_, _, err = l.RequestClose(ctx, op.ID)
	assert.Equal(t, domain.ReasonOperationClosed, domain.ConflictReason(err))

	final, _ := l.Get(op.ID)
	assert.True(t, final.RealizedPnL.Equal(d("500")), "realized pnl recorded once")
}

func TestConcurrentRequestCloseSingleTransition(t *testing.T) {
	l := newTestLedger(t, Config{}, nil)
	ctx := context.Background()
	op := openActive(t, l, "BNBUSDT", domain.DirectionLong, "500", "1")

	var wg sync.WaitGroup
	var transitions atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := l.RequestClose(ctx, op.ID)
			if err == nil && ok {
				transitions.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, transitions.Load())
}

func TestFailCloseRetryBudget(t *testing.T) {
	l := newTestLedger(t, Config{RetryBudget: 3}, nil)
	ctx := context.Background()
	op := openActive(t, l, "XRPUSDT", domain.DirectionShort, "0.6", "100")

	for attempt := 1; attempt <= 3; attempt++ {
		_, _, err := l.RequestClose(ctx, op.ID)
		require.NoError(t, err)
		got, err := l.FailClose(ctx, op.ID, "exchange unavailable")
		require.NoError(t, err)
		assert.Equal(t, attempt, got.CloseAttempts)
		if attempt < 3 {
			assert.Equal(t, domain.OperationActive, got.Status)
		} else {
			assert.Equal(t, domain.OperationCloseFailed, got.Status)
			assert.Equal(t, "exchange unavailable", got.LastError)
		}
	}

	_, _, err := l.RequestClose(ctx, op.ID)
	assert.True(t, domain.IsConflict(err))

	_, ok := l.FindOpen("", "XRPUSDT", domain.DirectionShort)
	assert.False(t, ok)

	redriven, err := l.Redrive(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationActive, redriven.Status)
	assert.Zero(t, redriven.CloseAttempts)
}

func TestFailCloseRequiresClosing(t *testing.T) {
	l := newTestLedger(t, Config{}, nil)
	op := openActive(t, l, "ADAUSDT", domain.DirectionLong, "0.4", "10")
	_, err := l.FailClose(context.Background(), op.ID, "boom")
	assert.True(t, domain.IsConflict(err))
}

func TestUnknownOperation(t *testing.T) {
	l := newTestLedger(t, Config{}, nil)
	_, _, err := l.RequestClose(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = l.Get("missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestActiveSymbolsAndRecentClosed(t *testing.T) {
	l := newTestLedger(t, Config{}, nil)
	ctx := context.Background()
	a := openActive(t, l, "ETHUSDT", domain.DirectionLong, "3000", "1")
	openActive(t, l, "BTCUSDT", domain.DirectionLong, "45000", "1")
	b := openActive(t, l, "SOLUSDT", domain.DirectionLong, "100", "1")

	for _, id := range []string{a.ID, b.ID} {
		_, _, err := l.RequestClose(ctx, id)
		require.NoError(t, err)
		_, err = l.ConfirmClose(ctx, id, decimal.Zero)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"BTCUSDT"}, l.ActiveSymbols())
	recent := l.RecentClosed(1)
	require.Len(t, recent, 1)
	assert.Equal(t, b.ID, recent[0].ID)
	assert.True(t, recent[0].ClosePrice.Equal(d("100")), "zero close price falls back to current price")
}

func TestPersistenceVersionsAndRestore(t *testing.T) {
	store := &memStore{}
	l := newTestLedger(t, Config{}, store)
	ctx := context.Background()
	op := openActive(t, l, "DOGEUSDT", domain.DirectionLong, "0.1", "1000")
	_, _, err := l.RequestClose(ctx, op.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, store.writes)
	assert.EqualValues(t, 3, store.versions[op.ID])

	closing, _ := l.Get(op.ID)
	restoreStore := &memStore{restore: []domain.Operation{closing}}
	restored := newTestLedger(t, Config{}, restoreStore)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := restored.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationActive, got.Status)
	assert.Greater(t, got.Version, closing.Version)
	_, ok := restored.FindOpen("", "DOGEUSDT", domain.DirectionLong)
	assert.True(t, ok)
}

func TestPersistenceFailureDoesNotBlockTransitions(t *testing.T) {
	store := &memStore{err: errors.New("db down")}
	l := newTestLedger(t, Config{}, store)
	op := openActive(t, l, "AVAXUSDT", domain.DirectionShort, "30", "2")
	assert.Equal(t, domain.OperationActive, op.Status)
}
