package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signal-desk/internal/domain"
	"signal-desk/internal/ledger"
	"signal-desk/internal/logger"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultSignalQueueSize = 256
	defaultSignalBookSize  = 2000
	defaultAuditSize       = 2000
	signalDayRetention     = 7
	persistTimeout         = 3 * time.Second
)

const (
	ReasonQueueFull = "QUEUE_FULL"
	// ReasonShutdown rejects signals the classifier never reached before the process stopped.
	ReasonShutdown = "SHUTDOWN"
)

type SignalValidator interface {
	Validate(raw domain.RawSignal) (domain.Signal, error)
}

type SignalLedger interface {
	Open(ctx context.Context, req ledger.OpenRequest) (domain.Operation, error)
	Activate(ctx context.Context, id string) (domain.Operation, error)
	FindOpen(accountID, symbol string, direction domain.Direction) (domain.Operation, bool)
}

type CloseDispatcher interface {
	CloseOne(ctx context.Context, operationID string) (domain.CloseJob, error)
}

// SignalStore persists signals and their audit trail. ResolveSignal must only move rows out of
// PROCESSING.
type SignalStore interface {
	InsertSignal(ctx context.Context, s domain.Signal) (domain.Signal, error)
	ResolveSignal(ctx context.Context, s domain.Signal) (bool, error)
	InsertAudit(ctx context.Context, rec domain.AuditRecord) error
}

type SignalServiceConfig struct {
	DefaultQuantity  decimal.Decimal
	StrongMultiplier decimal.Decimal
	QueueSize        int
	BookSize         int
}

type SignalService struct {
	tracer     trace.Tracer
	validator  SignalValidator
	ledger     SignalLedger
	dispatcher CloseDispatcher
	store      SignalStore
	cfg        SignalServiceConfig
	now        func() time.Time

	queue chan domain.Signal

	mu        sync.RWMutex
	nextID    int64
	signals   map[int64]*domain.Signal
	order     []int64
	audit     []domain.AuditRecord
	dayCounts map[string]int
}

func NewSignalService(
	tracer trace.Tracer,
	validator SignalValidator,
	ledger SignalLedger,
	dispatcher CloseDispatcher,
	store SignalStore,
	cfg SignalServiceConfig,
) *SignalService {
	if !cfg.DefaultQuantity.IsPositive() {
		cfg.DefaultQuantity = decimal.NewFromInt(1)
	}
	if !cfg.StrongMultiplier.IsPositive() {
		cfg.StrongMultiplier = decimal.NewFromInt(2)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultSignalQueueSize
	}
	if cfg.BookSize <= 0 {
		cfg.BookSize = defaultSignalBookSize
	}
	return &SignalService{
		tracer:     tracer,
		validator:  validator,
		ledger:     ledger,
		dispatcher: dispatcher,
		store:      store,
		cfg:        cfg,
		now:        time.Now,
		queue:      make(chan domain.Signal, cfg.QueueSize),
		signals:    make(map[int64]*domain.Signal),
		dayCounts:  make(map[string]int),
	}
}

// Submit validates and records the signal as PROCESSING, queues it for classification and returns
// without waiting for the outcome.
func (s *SignalService) Submit(ctx context.Context, raw domain.RawSignal) (domain.Signal, error) {
	if s == nil || s.validator == nil || s.ledger == nil {
		return domain.Signal{}, fmt.Errorf("signal service not fully initialized")
	}
	ctx, span := s.tracer.Start(ctx, "signal-service.submit")
	defer span.End()

	sig, err := s.accept(ctx, raw)
	if err != nil {
		return domain.Signal{}, err
	}
	span.SetAttributes(attribute.Int64("signal.id", sig.ID), attribute.String("signal.kind", string(sig.Kind)))

	select {
	case s.queue <- sig:
		return sig, nil
	default:
		resolved := s.resolve(ctx, sig.ID, domain.SignalRejected, ReasonQueueFull, "")
		return resolved, &domain.TransientError{Op: "enqueue signal", Err: fmt.Errorf("queue of %d is full", cap(s.queue))}
	}
}

// Process is Submit without the queue: it returns the classified signal.
func (s *SignalService) Process(ctx context.Context, raw domain.RawSignal) (domain.Signal, error) {
	if s == nil || s.validator == nil || s.ledger == nil {
		return domain.Signal{}, fmt.Errorf("signal service not fully initialized")
	}
	ctx, span := s.tracer.Start(ctx, "signal-service.process")
	defer span.End()

	sig, err := s.accept(ctx, raw)
	if err != nil {
		return domain.Signal{}, err
	}
	return s.classify(ctx, sig), nil
}

// Start runs the single classification worker until ctx is cancelled. Signals are classified in
// arrival order. Signals still queued at cancellation are rejected with ReasonShutdown.
func (s *SignalService) Start(ctx context.Context) {
	logger.Infof("signal classifier started (queue=%d)", cap(s.queue))
	for {
		select {
		case <-ctx.Done():
			n := s.drain(ctx)
			logger.Infof("signal classifier stopped, %d queued signal(s) rejected", n)
			return
		case sig := <-s.queue:
			// select picks at random when both are ready
			if ctx.Err() != nil {
				s.resolve(ctx, sig.ID, domain.SignalRejected, ReasonShutdown, "")
				continue
			}
			s.classify(ctx, sig)
		}
	}
}

func (s *SignalService) drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case sig := <-s.queue:
			s.resolve(ctx, sig.ID, domain.SignalRejected, ReasonShutdown, "")
			n++
		default:
			return n
		}
	}
}

func (s *SignalService) accept(ctx context.Context, raw domain.RawSignal) (domain.Signal, error) {
	if s == nil || s.validator == nil || s.ledger == nil {
		return domain.Signal{}, fmt.Errorf("signal service not fully initialized")
	}
	sig, err := s.validator.Validate(raw)
	if err != nil {
		return domain.Signal{}, err
	}
	sig.Status = domain.SignalProcessing
	if sig.Kind.IsOpening() {
		sig.Quantity = s.sizeFor(sig)
	}
	return s.record(ctx, sig)
}

func (s *SignalService) sizeFor(sig domain.Signal) decimal.Decimal {
	qty := sig.Quantity
	if !qty.IsPositive() {
		qty = s.cfg.DefaultQuantity
	}
	if sig.Kind.IsStrong() {
		qty = qty.Mul(s.cfg.StrongMultiplier)
	}
	return qty
}

func (s *SignalService) record(ctx context.Context, sig domain.Signal) (domain.Signal, error) {
	if s.store != nil {
		stored, err := s.store.InsertSignal(ctx, sig)
		if err != nil {
			return domain.Signal{}, &domain.TransientError{Op: "record signal", Err: err}
		}
		sig = stored
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		s.nextID++
		sig.ID = s.nextID
	}
	stored := sig
	s.signals[sig.ID] = &stored
	s.order = append(s.order, sig.ID)
	s.dayCounts[dayKey(sig.ReceivedAt)]++
	s.trimLocked()
	return sig, nil
}

func (s *SignalService) classify(ctx context.Context, sig domain.Signal) domain.Signal {
	ctx, span := s.tracer.Start(ctx, "signal-service.classify")
	defer span.End()
	span.SetAttributes(attribute.Int64("signal.id", sig.ID), attribute.String("signal.kind", string(sig.Kind)))

	if sig.Kind.IsOpening() {
		return s.classifyOpen(ctx, sig)
	}
	return s.classifyClose(ctx, sig)
}

func (s *SignalService) classifyOpen(ctx context.Context, sig domain.Signal) domain.Signal {
	op, err := s.ledger.Open(ctx, ledger.OpenRequest{
		AccountID:  sig.AccountID,
		Symbol:     sig.Symbol,
		Direction:  sig.Kind.Direction(),
		EntryPrice: sig.Price,
		Quantity:   sig.Quantity,
		SignalID:   sig.ID,
	})
	if err != nil {
		if domain.IsConflict(err) {
			return s.resolve(ctx, sig.ID, domain.SignalRejected, domain.ReasonDuplicatePosition, "")
		}
		logger.Errorf("signal %d: open operation failed: %v", sig.ID, err)
		return s.resolve(ctx, sig.ID, domain.SignalRejected, domain.ReasonLedgerFailure, "")
	}

	if _, err := s.ledger.Activate(ctx, op.ID); err != nil {
		// a close request can race activation; the operation still exists
		logger.Warnf("signal %d: activate operation %s: %v", sig.ID, op.ID, err)
	}
	return s.resolve(ctx, sig.ID, domain.SignalExecuted, "", op.ID)
}

func (s *SignalService) classifyClose(ctx context.Context, sig domain.Signal) domain.Signal {
	op, ok := s.ledger.FindOpen(sig.AccountID, sig.Symbol, sig.Kind.Direction())
	if !ok || op.Status != domain.OperationActive {
		return s.resolve(ctx, sig.ID, domain.SignalRejected, domain.ReasonNoMatchingOperation, "")
	}
	if s.dispatcher == nil {
		return s.resolve(ctx, sig.ID, domain.SignalRejected, domain.ReasonDispatchRejected, op.ID)
	}
	if _, err := s.dispatcher.CloseOne(ctx, op.ID); err != nil {
		logger.Warnf("signal %d: close dispatch for operation %s refused: %v", sig.ID, op.ID, err)
		return s.resolve(ctx, sig.ID, domain.SignalRejected, domain.ReasonDispatchRejected, op.ID)
	}
	return s.resolve(ctx, sig.ID, domain.SignalExecuted, "", op.ID)
}

// resolve moves a PROCESSING signal to a terminal status exactly once and writes the audit record.
func (s *SignalService) resolve(ctx context.Context, id int64, status domain.SignalStatus, reason, operationID string) domain.Signal {
	now := s.now().UTC()

	s.mu.Lock()
	sig, ok := s.signals[id]
	if !ok {
		s.mu.Unlock()
		logger.Warnf("signal %d evicted before resolution", id)
		return domain.Signal{ID: id, Status: status, Reason: reason, OperationID: operationID}
	}
	if sig.Status.IsTerminal() {
		current := *sig
		s.mu.Unlock()
		return current
	}
	sig.Status = status
	sig.Reason = reason
	sig.OperationID = operationID
	sig.ProcessedAt = &now
	resolved := *sig
	rec := domain.AuditRecord{
		SignalID:    id,
		Kind:        resolved.Kind,
		Outcome:     status,
		Reason:      reason,
		OperationID: operationID,
		RecordedAt:  now,
	}
	s.audit = append(s.audit, rec)
	if len(s.audit) > defaultAuditSize {
		s.audit = append([]domain.AuditRecord(nil), s.audit[len(s.audit)-defaultAuditSize:]...)
	}
	s.mu.Unlock()

	logger.Infof("signal %d %s %s -> %s %s", id, resolved.Kind, resolved.Symbol, status, reason)
	s.persistResolution(ctx, resolved, rec)
	return resolved
}

func (s *SignalService) persistResolution(ctx context.Context, sig domain.Signal, rec domain.AuditRecord) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := s.store.ResolveSignal(ctx, sig); err != nil {
		logger.Errorf("persist signal %d resolution: %v", sig.ID, err)
	}
	if err := s.store.InsertAudit(ctx, rec); err != nil {
		logger.Errorf("persist audit for signal %d: %v", sig.ID, err)
	}
}

// trimLocked evicts the oldest resolved signals beyond the book size. PROCESSING signals stay.
func (s *SignalService) trimLocked() {
	excess := len(s.order) - s.cfg.BookSize
	if excess <= 0 {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		sig := s.signals[id]
		if excess > 0 && sig != nil && sig.Status.IsTerminal() {
			delete(s.signals, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept

	cutoff := dayKey(s.now().AddDate(0, 0, -signalDayRetention))
	for day := range s.dayCounts {
		if day < cutoff {
			delete(s.dayCounts, day)
		}
	}
}

func (s *SignalService) GetSignal(id int64) (domain.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signals[id]
	if !ok {
		return domain.Signal{}, fmt.Errorf("signal %d: %w", id, domain.ErrNotFound)
	}
	return *sig, nil
}

// ListSignals returns the newest signals first.
func (s *SignalService) ListSignals(filter domain.SignalFilter) []domain.Signal {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	symbol := ""
	if filter.Symbol != "" {
		symbol = domain.NormalizeSymbol(filter.Symbol)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Signal, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		sig := s.signals[s.order[i]]
		if sig == nil {
			continue
		}
		if symbol != "" && sig.Symbol != symbol {
			continue
		}
		if filter.Status != "" && sig.Status != filter.Status {
			continue
		}
		out = append(out, *sig)
	}
	return out
}

// Audit returns up to limit audit records, newest first.
func (s *SignalService) Audit(limit int) []domain.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.audit) {
		limit = len(s.audit)
	}
	out := make([]domain.AuditRecord, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audit[i])
	}
	return out
}

// SignalsOn counts signals whose receivedAt falls on the UTC day of t.
func (s *SignalService) SignalsOn(t time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dayCounts[dayKey(t)]
}

// Pending reports how many signals are still PROCESSING.
func (s *SignalService) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sig := range s.signals {
		if sig.Status == domain.SignalProcessing {
			n++
		}
	}
	return n
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
