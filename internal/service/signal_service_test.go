package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"signal-desk/internal/domain"
	"signal-desk/internal/ledger"
	signalvalidator "signal-desk/internal/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSignalServiceOpenStrongCreatesActiveOperation(t *testing.T) {
	f := newFixture(t, ControlServiceConfig{})

	sig, err := f.signals.Process(context.Background(), rawSignal("OPEN_LONG_STRONG", "BTCUSDT", "45000"))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalExecuted, sig.Status)
	require.NotEmpty(t, sig.OperationID)

	op, err := f.ledger.Get(sig.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionLong, op.Direction)
	assert.Equal(t, domain.OperationActive, op.Status)
	assert.True(t, op.EntryPrice.Equal(dec("45000")))
	assert.True(t, op.Quantity.Equal(dec("1")), "strong signal doubles the default 0.5, got %s", op.Quantity)
	assert.Equal(t, sig.ID, op.OriginatingSignalID)
}

func TestSignalServiceDuplicateOpenRejected(t *testing.T) {
	f := newFixture(t, ControlServiceConfig{})
	first := f.openActive(t, "BTCUSDT", domain.DirectionLong, "45000")

	sig, err := f.signals.Process(context.Background(), rawSignal("OPEN_LONG", "BTCUSDT", "45500"))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalRejected, sig.Status)
	assert.Equal(t, domain.ReasonDuplicatePosition, sig.Reason)
	assert.Empty(t, sig.OperationID)

	ops := f.ledger.List(domain.OperationFilter{})
	require.Len(t, ops, 1)
	assert.Equal(t, first.ID, ops[0].ID)
}

func TestSignalServicePayloadQuantityWins(t *testing.T) {
	f := newFixture(t, ControlServiceConfig{})
	raw := rawSignal("OPEN_SHORT", "ETHUSDT", "3000")
	qty := dec("4")
	raw.Quantity = &qty

	sig, err := f.signals.Process(context.Background(), raw)
	require.NoError(t, err)
	op, err := f.ledger.Get(sig.OperationID)
	require.NoError(t, err)
	assert.True(t, op.Quantity.Equal(qty))
	assert.Equal(t, domain.DirectionShort, op.Direction)
}

func TestSignalServiceCloseWithoutOperationRejected(t *testing.T) {
	f := newFixture(t, ControlServiceConfig{})

	sig, err := f.signals.Process(context.Background(), rawSignal("CLOSE_SHORT", "SOLUSDT", "100"))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalRejected, sig.Status)
	assert.Equal(t, domain.ReasonNoMatchingOperation, sig.Reason)
}

func TestSignalServiceCloseDispatchesClosure(t *testing.T) {
	f := newFixture(t, ControlServiceConfig{})
	op := f.openActive(t, "BTCUSDT", domain.DirectionLong, "45000")
	f.executor.On("Close", mock.Anything, op.ID).Return(dec("46000"), nil).Once()

	sig, err := f.signals.Process(context.Background(), rawSignal("close-long", "btc/usdt", "46000"))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalExecuted, sig.Status)
	assert.Equal(t, op.ID, sig.OperationID)

	require.Eventually(t, func() bool {
		got, _ := f.ledger.Get(op.ID)
		return got.Status == domain.OperationClosed
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := f.ledger.Get(op.ID)
	require.NotNil(t, got.RealizedPnL)
	assert.True(t, got.RealizedPnL.Equal(dec("500")))
	f.executor.AssertExpectations(t)
}

type refusingDispatcher struct{}

func (refusingDispatcher) CloseOne(context.Context, string) (domain.CloseJob, error) {
	return domain.CloseJob{}, &domain.ConflictError{Reason: domain.ReasonOperationNotClosable}
}

func TestSignalServiceDispatchRefusalRejected(t *testing.T) {
	l := ledger.New(ledger.Config{}, nil)
	svc := NewSignalService(testTracer(), signalvalidator.NewValidator(nil), l, refusingDispatcher{}, nil, SignalServiceConfig{})
	_, err := svc.Process(context.Background(), rawSignal("OPEN_LONG", "ETHUSDT", "3000"))
	require.NoError(t, err)

	sig, err := svc.Process(context.Background(), rawSignal("CLOSE_LONG", "ETHUSDT", "3100"))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalRejected, sig.Status)
	assert.Equal(t, domain.ReasonDispatchRejected, sig.Reason)
}

func TestSignalServiceValidationNotRecorded(t *testing.T) {
	f := newFixture(t, ControlServiceConfig{})

	_, err := f.signals.Submit(context.Background(), rawSignal("OPEN_LONG", "NOPEUSDT", "1"))
	var vErr *domain.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Empty(t, f.signals.ListSignals(domain.SignalFilter{}))
	assert.Empty(t, f.signals.Audit(0))
}

func TestSignalServiceSubmitIsAsyncAndOrdered(t *testing.T) {
	f := newFixture(t, ControlServiceConfig{})

	first, err := f.signals.Submit(context.Background(), rawSignal("OPEN_LONG", "BTCUSDT", "45000"))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalProcessing, first.Status)
	second, err := f.signals.Submit(context.Background(), rawSignal("OPEN_LONG", "BTCUSDT", "45500"))
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)
	assert.Equal(t, 2, f.signals.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.signals.Start(ctx)

	require.Eventually(t, func() bool { return f.signals.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)

	got, err := f.signals.GetSignal(first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalExecuted, got.Status)
	got, err = f.signals.GetSignal(second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalRejected, got.Status)
	assert.Equal(t, domain.ReasonDuplicatePosition, got.Reason)

	audit := f.signals.Audit(10)
	require.Len(t, audit, 2)
	assert.Equal(t, second.ID, audit[0].SignalID)
}

func TestSignalServiceSubmitQueueFull(t *testing.T) {
	l := ledger.New(ledger.Config{}, nil)
	svc := NewSignalService(testTracer(), signalvalidator.NewValidator(nil), l, nil, nil, SignalServiceConfig{QueueSize: 1})

	_, err := svc.Submit(context.Background(), rawSignal("OPEN_LONG", "BTCUSDT", "1"))
	require.NoError(t, err)
	sig, err := svc.Submit(context.Background(), rawSignal("OPEN_SHORT", "BTCUSDT", "1"))
	var transient *domain.TransientError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, domain.SignalRejected, sig.Status)
	assert.Equal(t, ReasonQueueFull, sig.Reason)
}

func TestSignalServiceStopRejectsQueuedSignals(t *testing.T) {
	store := &stubSignalStore{}
	l := ledger.New(ledger.Config{}, nil)
	svc := NewSignalService(testTracer(), signalvalidator.NewValidator(nil), l, nil, store, SignalServiceConfig{QueueSize: 4})

	first, err := svc.Submit(context.Background(), rawSignal("OPEN_LONG", "BTCUSDT", "45000"))
	require.NoError(t, err)
	second, err := svc.Submit(context.Background(), rawSignal("OPEN_SHORT", "ETHUSDT", "3000"))
	require.NoError(t, err)
	require.Equal(t, 2, svc.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Start(ctx)

	assert.Zero(t, svc.Pending())
	for _, id := range []int64{first.ID, second.ID} {
		got, err := svc.GetSignal(id)
		require.NoError(t, err)
		assert.Equal(t, domain.SignalRejected, got.Status)
		assert.Equal(t, ReasonShutdown, got.Reason)
	}
	require.Len(t, store.resolved, 2)
	assert.Equal(t, domain.SignalRejected, store.resolved[0].Status)
	assert.Len(t, store.audits, 2)
	assert.Empty(t, l.List(domain.OperationFilter{}))
}

func TestNilSignalServiceReturnsError(t *testing.T) {
	var svc *SignalService
	assert.NotPanics(t, func() {
		_, err := svc.Submit(context.Background(), rawSignal("OPEN_LONG", "BTCUSDT", "1"))
		assert.ErrorContains(t, err, "not fully initialized")
		_, err = svc.Process(context.Background(), rawSignal("OPEN_LONG", "BTCUSDT", "1"))
		assert.ErrorContains(t, err, "not fully initialized")
	})
}

func TestSignalServiceStatusIsMonotonic(t *testing.T) {
	f := newFixture(t, ControlServiceConfig{})
	sig, err := f.signals.Process(context.Background(), rawSignal("OPEN_LONG", "XRPUSDT", "0.6"))
	require.NoError(t, err)
	require.Equal(t, domain.SignalExecuted, sig.Status)

	again := f.signals.resolve(context.Background(), sig.ID, domain.SignalRejected, "late", "")
	assert.Equal(t, domain.SignalExecuted, again.Status)
	assert.Len(t, f.signals.Audit(0), 1)
}

func TestSignalServiceListAndCounts(t *testing.T) {
	f := newFixture(t, ControlServiceConfig{})
	f.openActive(t, "BTCUSDT", domain.DirectionLong, "45000")
	f.openActive(t, "ETHUSDT", domain.DirectionLong, "3000")
	_, err := f.signals.Process(context.Background(), rawSignal("OPEN_LONG", "ETHUSDT", "3001"))
	require.NoError(t, err)

	eth := f.signals.ListSignals(domain.SignalFilter{Symbol: "eth/usdt"})
	require.Len(t, eth, 2)
	assert.Equal(t, domain.SignalRejected, eth[0].Status)

	rejected := f.signals.ListSignals(domain.SignalFilter{Status: domain.SignalRejected})
	assert.Len(t, rejected, 1)

	assert.Equal(t, 3, f.signals.SignalsOn(time.Now()))
	assert.Equal(t, 0, f.signals.SignalsOn(time.Now().AddDate(0, 0, -3)))
}

type stubSignalStore struct {
	nextID   int64
	resolved []domain.Signal
	audits   []domain.AuditRecord
	err      error
}

func (s *stubSignalStore) InsertSignal(_ context.Context, sig domain.Signal) (domain.Signal, error) {
	if s.err != nil {
		return domain.Signal{}, s.err
	}
	s.nextID += 100
	sig.ID = s.nextID
	return sig, nil
}

func (s *stubSignalStore) ResolveSignal(_ context.Context, sig domain.Signal) (bool, error) {
	s.resolved = append(s.resolved, sig)
	return true, nil
}

func (s *stubSignalStore) InsertAudit(_ context.Context, rec domain.AuditRecord) error {
	s.audits = append(s.audits, rec)
	return nil
}

func TestSignalServicePersistsThroughStore(t *testing.T) {
	store := &stubSignalStore{}
	l := ledger.New(ledger.Config{}, nil)
	svc := NewSignalService(testTracer(), signalvalidator.NewValidator(nil), l, nil, store, SignalServiceConfig{})

	sig, err := svc.Process(context.Background(), rawSignal("OPEN_LONG", "BNBUSDT", "500"))
	require.NoError(t, err)
	assert.EqualValues(t, 100, sig.ID)
	require.Len(t, store.resolved, 1)
	assert.Equal(t, domain.SignalExecuted, store.resolved[0].Status)
	require.Len(t, store.audits, 1)
	assert.Equal(t, sig.OperationID, store.audits[0].OperationID)

	store.err = errors.New("db down")
	_, err = svc.Process(context.Background(), rawSignal("OPEN_SHORT", "BNBUSDT", "500"))
	var transient *domain.TransientError
	assert.True(t, errors.As(err, &transient))
}
