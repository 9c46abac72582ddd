package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"signal-desk/internal/domain"
	"signal-desk/internal/ledger"
	signalvalidator "signal-desk/internal/signal"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"go.opentelemetry.io/otel/trace"
)

func testTracer() trace.Tracer {
	return trace.NewNoopTracerProvider().Tracer("test")
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func rawSignal(kind, symbol, price string) domain.RawSignal {
	return domain.RawSignal{
		Kind:       kind,
		Symbol:     symbol,
		Price:      dec(price),
		ReceivedAt: domain.RawTime(time.Now().UTC().Format(time.RFC3339)),
	}
}

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Close(ctx context.Context, op domain.Operation) (decimal.Decimal, error) {
	args := m.Called(ctx, op.ID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

type recordingNotifier struct {
	mu     sync.Mutex
	failed []string
}

func (n *recordingNotifier) NotifyCloseFailed(_ context.Context, op domain.Operation, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, op.ID)
}

func (n *recordingNotifier) ids() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.failed...)
}

type fixture struct {
	ledger   *ledger.Ledger
	executor *mockExecutor
	notifier *recordingNotifier
	control  *ControlService
	signals  *SignalService
}

func newFixture(t *testing.T, cfg ControlServiceConfig) *fixture {
	t.Helper()
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
		cfg.RetryMax = 5 * time.Millisecond
	}
	l := ledger.New(ledger.Config{RetryBudget: 3}, nil)
	exec := &mockExecutor{}
	notifier := &recordingNotifier{}
	control := NewControlService(testTracer(), l, exec, notifier, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = control.Shutdown(ctx)
	})
	signals := NewSignalService(
		testTracer(),
		signalvalidator.NewValidator(nil),
		l,
		control,
		nil,
		SignalServiceConfig{DefaultQuantity: dec("0.5"), StrongMultiplier: dec("2")},
	)
	return &fixture{ledger: l, executor: exec, notifier: notifier, control: control, signals: signals}
}

func (f *fixture) openActive(t *testing.T, symbol string, dir domain.Direction, price string) domain.Operation {
	t.Helper()
	kind := "OPEN_LONG"
	if dir == domain.DirectionShort {
		kind = "OPEN_SHORT"
	}
	sig, err := f.signals.Process(context.Background(), rawSignal(kind, symbol, price))
	if err != nil {
		t.Fatalf("open %s %s: %v", symbol, dir, err)
	}
	if sig.Status != domain.SignalExecuted {
		t.Fatalf("open %s %s: status %s reason %s", symbol, dir, sig.Status, sig.Reason)
	}
	op, err := f.ledger.Get(sig.OperationID)
	if err != nil {
		t.Fatalf("get operation: %v", err)
	}
	return op
}
