package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"signal-desk/internal/domain"
	"signal-desk/internal/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultRetryBudget = 3
	persistTimeout     = 3 * time.Second
)

// Scope decides which operations compete for the single open slot.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeAccount Scope = "account"
)

func ParseScope(s string) Scope {
	if Scope(s) == ScopeAccount {
		return ScopeAccount
	}
	return ScopeGlobal
}

// OperationStore persists operation transitions. Writes are best effort.
type OperationStore interface {
	UpsertOperation(ctx context.Context, op domain.Operation) error
	ListRecoverableOperations(ctx context.Context) ([]domain.Operation, error)
}

type Config struct {
	RetryBudget int
	Scope       Scope
	Now         func() time.Time
	NewID       func() string
}

type OpenRequest struct {
	AccountID  string
	Symbol     string
	Direction  domain.Direction
	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal
	SignalID   int64
}

// Ledger owns every operation and serializes all state transitions behind one mutex.
type Ledger struct {
	mu    sync.Mutex
	ops   map[string]*domain.Operation
	open  map[string]string
	store OperationStore

	retryBudget int
	scope       Scope
	now         func() time.Time
	newID       func() string
}

func New(cfg Config, store OperationStore) *Ledger {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeGlobal
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Ledger{
		ops:         make(map[string]*domain.Operation),
		open:        make(map[string]string),
		store:       store,
		retryBudget: cfg.RetryBudget,
		scope:       cfg.Scope,
		now:         cfg.Now,
		newID:       cfg.NewID,
	}
}

func (l *Ledger) RetryBudget() int { return l.retryBudget }

func (l *Ledger) Scope() Scope { return l.scope }

func (l *Ledger) key(accountID, symbol string, direction domain.Direction) string {
	if l.scope == ScopeAccount {
		return accountID + "|" + symbol + "|" + string(direction)
	}
	return symbol + "|" + string(direction)
}

// Open registers a PENDING operation. A second non-terminal operation for the same key is a conflict.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (domain.Operation, error) {
	if !req.Direction.IsValid() {
		return domain.Operation{}, &domain.ValidationError{Field: "direction", Reason: "must be LONG or SHORT"}
	}
	if !req.EntryPrice.IsPositive() {
		return domain.Operation{}, &domain.ValidationError{Field: "entryPrice", Reason: "must be greater than zero"}
	}
	if !req.Quantity.IsPositive() {
		return domain.Operation{}, &domain.ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}
	symbol := domain.NormalizeSymbol(req.Symbol)

	l.mu.Lock()
	k := l.key(req.AccountID, symbol, req.Direction)
	if existing, ok := l.open[k]; ok {
		l.mu.Unlock()
		return domain.Operation{}, &domain.ConflictError{
			Reason:  domain.ReasonDuplicatePosition,
			Message: fmt.Sprintf("%s %s already held by operation %s", symbol, req.Direction, existing),
		}
	}
	now := l.now().UTC()
	op := &domain.Operation{
		ID:                  l.newID(),
		AccountID:           req.AccountID,
		Symbol:              symbol,
		Direction:           req.Direction,
		EntryPrice:          req.EntryPrice,
		Quantity:            req.Quantity,
		OpenedAt:            now,
		OriginatingSignalID: req.SignalID,
		Status:              domain.OperationPending,
		CurrentPrice:        req.EntryPrice,
		PnL:                 decimal.Zero,
		PnLPercent:          decimal.Zero,
		UpdatedAt:           now,
		Version:             1,
	}
	l.ops[op.ID] = op
	l.open[k] = op.ID
	snapshot := *op
	l.mu.Unlock()

	l.persist(ctx, snapshot)
	return snapshot, nil
}

// Activate moves a PENDING operation to ACTIVE.
func (l *Ledger) Activate(ctx context.Context, id string) (domain.Operation, error) {
	return l.transition(ctx, id, func(op *domain.Operation) error {
		if op.Status != domain.OperationPending {
			return &domain.ConflictError{Reason: domain.ReasonOperationNotClosable, Message: "cannot activate operation in status " + string(op.Status)}
		}
		op.Status = domain.OperationActive
		return nil
	})
}

// Reprice updates derived fields of every ACTIVE operation on symbol and returns how many changed.
func (l *Ledger) Reprice(symbol string, price decimal.Decimal) int {
	if !price.IsPositive() {
		return 0
	}
	symbol = domain.NormalizeSymbol(symbol)

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	changed := 0
	for _, op := range l.ops {
		if op.Symbol != symbol || op.Status != domain.OperationActive {
			continue
		}
		op.CurrentPrice = price
		op.PnL, op.PnLPercent = domain.ComputePnL(op.Direction, op.EntryPrice, price, op.Quantity)
		op.UpdatedAt = now
		changed++
	}
	return changed
}

// RequestClose moves ACTIVE or PENDING to CLOSING. The bool reports whether this call made the
// transition; a CLOSING operation is returned unchanged with false.
func (l *Ledger) RequestClose(ctx context.Context, id string) (domain.Operation, bool, error) {
	l.mu.Lock()
	op, ok := l.ops[id]
	if !ok {
		l.mu.Unlock()
		return domain.Operation{}, false, fmt.Errorf("operation %s: %w", id, domain.ErrNotFound)
	}
	switch op.Status {
	case domain.OperationClosing:
		snapshot := *op
		l.mu.Unlock()
		return snapshot, false, nil
	case domain.OperationActive, domain.OperationPending:
		op.Status = domain.OperationClosing
		l.touch(op)
		snapshot := *op
		l.mu.Unlock()
		l.persist(ctx, snapshot)
		return snapshot, true, nil
	default:
		status := op.Status
		l.mu.Unlock()
		return domain.Operation{}, false, &domain.ConflictError{
			Reason:  closedReason(status),
			Message: fmt.Sprintf("operation %s is %s", id, status),
		}
	}
}

// ConfirmClose moves CLOSING to CLOSED and records realized PnL. It succeeds at most once per operation.
func (l *Ledger) ConfirmClose(ctx context.Context, id string, closePrice decimal.Decimal) (domain.Operation, error) {
	return l.transition(ctx, id, func(op *domain.Operation) error {
		if op.Status != domain.OperationClosing {
			return &domain.ConflictError{Reason: closedReason(op.Status), Message: "cannot confirm close of operation in status " + string(op.Status)}
		}
		if !closePrice.IsPositive() {
			closePrice = op.CurrentPrice
		}
		realized, pct := domain.ComputePnL(op.Direction, op.EntryPrice, closePrice, op.Quantity)
		closedAt := l.now().UTC()
		op.Status = domain.OperationClosed
		op.CurrentPrice = closePrice
		op.PnL = realized
		op.PnLPercent = pct
		op.ClosePrice = &closePrice
		op.RealizedPnL = &realized
		op.ClosedAt = &closedAt
		op.LastError = ""
		l.release(op)
		return nil
	})
}

// FailClose records a failed attempt. The operation returns to ACTIVE until the retry budget is
// spent, then lands in CLOSE_FAILED.
func (l *Ledger) FailClose(ctx context.Context, id string, reason string) (domain.Operation, error) {
	return l.transition(ctx, id, func(op *domain.Operation) error {
		if op.Status != domain.OperationClosing {
			return &domain.ConflictError{Reason: closedReason(op.Status), Message: "cannot fail close of operation in status " + string(op.Status)}
		}
		op.CloseAttempts++
		op.LastError = reason
		if op.CloseAttempts >= l.retryBudget {
			op.Status = domain.OperationCloseFailed
			l.release(op)
			return nil
		}
		op.Status = domain.OperationActive
		return nil
	})
}

// Redrive gives a CLOSE_FAILED operation a fresh retry budget.
func (l *Ledger) Redrive(ctx context.Context, id string) (domain.Operation, error) {
	return l.transition(ctx, id, func(op *domain.Operation) error {
		if op.Status != domain.OperationCloseFailed {
			return &domain.ConflictError{Reason: domain.ReasonOperationNotClosable, Message: "only CLOSE_FAILED operations can be redriven"}
		}
		k := l.key(op.AccountID, op.Symbol, op.Direction)
		if holder, taken := l.open[k]; taken && holder != op.ID {
			return &domain.ConflictError{Reason: domain.ReasonDuplicatePosition, Message: "slot already held by operation " + holder}
		}
		op.Status = domain.OperationActive
		op.CloseAttempts = 0
		op.LastError = ""
		l.open[k] = op.ID
		return nil
	})
}

func (l *Ledger) Get(id string) (domain.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.ops[id]
	if !ok {
		return domain.Operation{}, fmt.Errorf("operation %s: %w", id, domain.ErrNotFound)
	}
	return *op, nil
}

// List returns matching operations ordered by open time.
func (l *Ledger) List(filter domain.OperationFilter) []domain.Operation {
	l.mu.Lock()
	out := make([]domain.Operation, 0, len(l.ops))
	for _, op := range l.ops {
		if filter.Matches(*op) {
			out = append(out, *op)
		}
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// RecentClosed returns up to limit CLOSED operations, newest first.
func (l *Ledger) RecentClosed(limit int) []domain.Operation {
	closed := l.List(domain.OperationFilter{Statuses: []domain.OperationStatus{domain.OperationClosed}})
	sort.SliceStable(closed, func(i, j int) bool {
		return closed[i].ClosedAt.After(*closed[j].ClosedAt)
	})
	if limit > 0 && len(closed) > limit {
		closed = closed[:limit]
	}
	return closed
}

// FindOpen returns the non-terminal operation holding the slot for the given key.
func (l *Ledger) FindOpen(accountID, symbol string, direction domain.Direction) (domain.Operation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.open[l.key(accountID, domain.NormalizeSymbol(symbol), direction)]
	if !ok {
		return domain.Operation{}, false
	}
	op, ok := l.ops[id]
	if !ok {
		return domain.Operation{}, false
	}
	return *op, true
}

// ActiveSymbols lists the distinct symbols of ACTIVE operations, sorted.
func (l *Ledger) ActiveSymbols() []string {
	l.mu.Lock()
	seen := make(map[string]struct{})
	for _, op := range l.ops {
		if op.Status == domain.OperationActive {
			seen[op.Symbol] = struct{}{}
		}
	}
	l.mu.Unlock()

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Restore loads persisted operations. CLOSING operations whose worker did not survive go back to
// ACTIVE so they can be closed again.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	stored, err := l.store.ListRecoverableOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore operations: %w", err)
	}

	reverted := make([]domain.Operation, 0)
	l.mu.Lock()
	for i := range stored {
		op := stored[i]
		if _, exists := l.ops[op.ID]; exists {
			continue
		}
		if op.Status == domain.OperationClosing {
			op.Status = domain.OperationActive
			l.touch(&op)
			reverted = append(reverted, op)
		}
		l.ops[op.ID] = &op
		if op.Status.IsOpen() {
			k := l.key(op.AccountID, op.Symbol, op.Direction)
			if holder, taken := l.open[k]; taken {
				logger.Warnf("ledger: restored operation %s shares slot with %s", op.ID, holder)
				continue
			}
			l.open[k] = op.ID
		}
	}
	l.mu.Unlock()

	for _, op := range reverted {
		l.persist(ctx, op)
	}
	return len(stored), nil
}

func (l *Ledger) transition(ctx context.Context, id string, apply func(op *domain.Operation) error) (domain.Operation, error) {
	l.mu.Lock()
	op, ok := l.ops[id]
	if !ok {
		l.mu.Unlock()
		return domain.Operation{}, fmt.Errorf("operation %s: %w", id, domain.ErrNotFound)
	}
	if err := apply(op); err != nil {
		l.mu.Unlock()
		return domain.Operation{}, err
	}
	l.touch(op)
	snapshot := *op
	l.mu.Unlock()

	l.persist(ctx, snapshot)
	return snapshot, nil
}

// touch must be called with mu held.
func (l *Ledger) touch(op *domain.Operation) {
	op.UpdatedAt = l.now().UTC()
	op.Version++
}

// release frees the open slot. mu must be held.
func (l *Ledger) release(op *domain.Operation) {
	k := l.key(op.AccountID, op.Symbol, op.Direction)
	if l.open[k] == op.ID {
		delete(l.open, k)
	}
}

func (l *Ledger) persist(ctx context.Context, op domain.Operation) {
	if l.store == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := l.store.UpsertOperation(ctx, op); err != nil {
		logger.Warnf("ledger: persist operation %s v%d failed: %v", op.ID, op.Version, err)
	}
}

func closedReason(status domain.OperationStatus) string {
	if status == domain.OperationClosed {
		return domain.ReasonOperationClosed
	}
	return domain.ReasonOperationNotClosable
}
