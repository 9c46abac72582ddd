package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signal-desk/internal/domain"
	"signal-desk/internal/logger"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCloseConcurrency = 10
	defaultAttemptTimeout   = 5 * time.Second
	defaultRetryBase        = 200 * time.Millisecond
	defaultRetryMax         = 5 * time.Second
	defaultJobHistory       = 200
	notifyTimeout           = 5 * time.Second
)

// ClosureExecutor closes a position at the venue and reports the fill price.
type ClosureExecutor interface {
	Close(ctx context.Context, op domain.Operation) (decimal.Decimal, error)
}

// FailureNotifier is told when an operation lands in CLOSE_FAILED.
type FailureNotifier interface {
	NotifyCloseFailed(ctx context.Context, op domain.Operation, err error)
}

type ControlLedger interface {
	Get(id string) (domain.Operation, error)
	List(filter domain.OperationFilter) []domain.Operation
	RequestClose(ctx context.Context, id string) (domain.Operation, bool, error)
	ConfirmClose(ctx context.Context, id string, closePrice decimal.Decimal) (domain.Operation, error)
	FailClose(ctx context.Context, id string, reason string) (domain.Operation, error)
	Redrive(ctx context.Context, id string) (domain.Operation, error)
	RetryBudget() int
}

type ControlServiceConfig struct {
	Concurrency    int
	AttemptTimeout time.Duration
	RetryBase      time.Duration
	RetryMax       time.Duration
	JobHistory     int
}

type closeJobState struct {
	job       domain.CloseJob
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// ControlService dispatches single and bulk closures. Each operation is owned by at most one
// in-flight closure at a time.
type ControlService struct {
	tracer   trace.Tracer
	ledger   ControlLedger
	executor ClosureExecutor
	notifier FailureNotifier
	cfg      ControlServiceConfig
	now      func() time.Time
	newID    func() string

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	jobs     map[string]*closeJobState
	jobOrder []string
	inflight map[string]string
}

func NewControlService(
	tracer trace.Tracer,
	ledger ControlLedger,
	executor ClosureExecutor,
	notifier FailureNotifier,
	cfg ControlServiceConfig,
) *ControlService {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultCloseConcurrency
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.JobHistory <= 0 {
		cfg.JobHistory = defaultJobHistory
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &ControlService{
		tracer:     tracer,
		ledger:     ledger,
		executor:   executor,
		notifier:   notifier,
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		jobs:       make(map[string]*closeJobState),
		inflight:   make(map[string]string),
	}
}

// CloseOne moves the operation to CLOSING before returning, then finishes the closure in the
// background. A closure already in flight for the operation returns its job.
func (s *ControlService) CloseOne(ctx context.Context, operationID string) (domain.CloseJob, error) {
	if s == nil || s.ledger == nil || s.executor == nil {
		return domain.CloseJob{}, fmt.Errorf("control service not fully initialized")
	}
	ctx, span := s.tracer.Start(ctx, "control-service.close-one")
	defer span.End()
	span.SetAttributes(attribute.String("operation.id", operationID))

	if _, err := s.ledger.Get(operationID); err != nil {
		return domain.CloseJob{}, err
	}

	s.mu.Lock()
	if jobID, busy := s.inflight[operationID]; busy {
		job := s.jobs[jobID].job
		s.mu.Unlock()
		return cloneJob(job), nil
	}
	st := s.newJobLocked(domain.JobSingle, domain.CloseFilter{}, []string{operationID})
	s.mu.Unlock()

	// Not in flight, so a CLOSING operation here has no worker and this job adopts it.
	if _, _, err := s.ledger.RequestClose(ctx, operationID); err != nil {
		s.mu.Lock()
		delete(s.inflight, operationID)
		s.dropJobLocked(st.job.ID)
		s.mu.Unlock()
		st.cancel()
		return domain.CloseJob{}, err
	}

	job := s.launch(st, []closeTarget{{id: operationID, claimed: true}})
	return job, nil
}

// CloseAll selects ACTIVE and PENDING operations matching filter that no other closure owns and
// closes them with at most Concurrency workers. It returns as soon as the targets are reserved.
func (s *ControlService) CloseAll(ctx context.Context, filter domain.CloseFilter) (domain.CloseJob, error) {
	if s == nil || s.ledger == nil || s.executor == nil {
		return domain.CloseJob{}, fmt.Errorf("control service not fully initialized")
	}
	_, span := s.tracer.Start(ctx, "control-service.close-all")
	defer span.End()

	if filter.Direction != "" && !filter.Direction.IsValid() {
		return domain.CloseJob{}, &domain.ValidationError{Field: "direction", Reason: "must be LONG or SHORT"}
	}
	if filter.Symbol != "" {
		filter.Symbol = domain.NormalizeSymbol(filter.Symbol)
	}

	candidates := s.ledger.List(domain.OperationFilter{
		Symbol:    filter.Symbol,
		Direction: filter.Direction,
		AccountID: filter.AccountID,
		Statuses:  []domain.OperationStatus{domain.OperationActive, domain.OperationPending},
	})

	s.mu.Lock()
	ids := make([]string, 0, len(candidates))
	for _, op := range candidates {
		if _, busy := s.inflight[op.ID]; busy {
			continue
		}
		ids = append(ids, op.ID)
	}
	st := s.newJobLocked(domain.JobBulk, filter, ids)
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("close.requested", len(ids)))
	logger.Infof("close-all job %s: %d operation(s) targeted (filter=%+v)", st.job.ID, len(ids), filter)

	targets := make([]closeTarget, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, closeTarget{id: id})
	}
	return s.launch(st, targets), nil
}

// closeTarget is one operation of a job. A claimed target is already CLOSING on behalf of the job.
type closeTarget struct {
	id      string
	claimed bool
}

// newJobLocked registers a RUNNING job and reserves ids in the in-flight set. mu must be held.
func (s *ControlService) newJobLocked(kind domain.JobKind, filter domain.CloseFilter, ids []string) *closeJobState {
	jobCtx, cancel := context.WithCancel(s.rootCtx)
	st := &closeJobState{
		job: domain.CloseJob{
			ID:        s.newID(),
			Kind:      kind,
			Filter:    filter,
			Status:    domain.JobRunning,
			Requested: len(ids),
			Outcomes:  make(map[string]domain.CloseOutcome, len(ids)),
			CreatedAt: s.now().UTC(),
		},
		ctx:    jobCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, id := range ids {
		s.inflight[id] = st.job.ID
		st.job.Outcomes[id] = domain.OutcomeQueued
	}
	s.jobs[st.job.ID] = st
	s.jobOrder = append(s.jobOrder, st.job.ID)
	s.pruneJobsLocked()
	return st
}

func (s *ControlService) launch(st *closeJobState, targets []closeTarget) domain.CloseJob {
	s.mu.Lock()
	job := cloneJob(st.job)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer st.cancel()
		s.run(st.ctx, st, targets)
	}()
	return job
}

// run dispatches targets through an errgroup window of Concurrency workers. Cancelling the job
// stops dispatch of unclaimed targets; claimed targets are committed to CLOSING and always run.
func (s *ControlService) run(jobCtx context.Context, st *closeJobState, targets []closeTarget) {
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	for _, target := range targets {
		if !target.claimed && jobCtx.Err() != nil {
			s.finishTarget(st, target.id, domain.OutcomeCancelled)
			continue
		}
		target := target
		g.Go(func() error {
			// the slot may have opened after a cancel
			if !target.claimed && jobCtx.Err() != nil {
				s.finishTarget(st, target.id, domain.OutcomeCancelled)
				return nil
			}
			s.setOutcome(st, target.id, domain.OutcomeClosing)
			outcome := s.closeOperation(s.rootCtx, target)
			s.finishTarget(st, target.id, outcome)
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	now := s.now().UTC()
	st.job.FinishedAt = &now
	if st.cancelled {
		st.job.Status = domain.JobCancelled
	} else {
		st.job.Status = domain.JobCompleted
	}
	job := st.job
	s.mu.Unlock()
	close(st.done)

	logger.Infof("close job %s %s: requested=%d succeeded=%d failed=%d stillClosing=%d cancelled=%d",
		job.ID, job.Status, job.Requested, job.Succeeded, job.Failed, job.StillClosing, job.Cancelled)
}

// closeOperation drives one operation until it is CLOSED, CLOSE_FAILED or the service shuts down.
// It runs under the service root context so cancelling a job never abandons a started closure.
func (s *ControlService) closeOperation(ctx context.Context, target closeTarget) domain.CloseOutcome {
	ctx, span := s.tracer.Start(ctx, "control-service.close-operation")
	defer span.End()
	span.SetAttributes(attribute.String("operation.id", target.id))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBase
	b.MaxInterval = s.cfg.RetryMax

	claimed := target.claimed
	attempt := func() (domain.Operation, error) {
		if !claimed {
			_, transitioned, err := s.ledger.RequestClose(ctx, target.id)
			if err != nil {
				return domain.Operation{}, backoff.Permanent(err)
			}
			if !transitioned {
				return domain.Operation{}, backoff.Permanent(errStillClosing)
			}
		}
		claimed = false

		op, err := s.ledger.Get(target.id)
		if err != nil {
			return domain.Operation{}, backoff.Permanent(err)
		}
		price, execErr := s.execute(ctx, op)
		if execErr == nil {
			closed, err := s.ledger.ConfirmClose(ctx, target.id, price)
			if err != nil {
				return domain.Operation{}, backoff.Permanent(err)
			}
			return closed, nil
		}

		failed, err := s.ledger.FailClose(ctx, target.id, execErr.Error())
		if err != nil {
			return domain.Operation{}, backoff.Permanent(err)
		}
		if failed.Status == domain.OperationCloseFailed {
			return failed, backoff.Permanent(&domain.FatalError{OperationID: target.id, Attempts: failed.CloseAttempts, Err: execErr})
		}
		logger.Warnf("close attempt %d for operation %s failed: %v", failed.CloseAttempts, target.id, execErr)
		return failed, &domain.TransientError{Op: "close", Err: execErr}
	}

	closed, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.ledger.RetryBudget())),
	)
	if err == nil {
		logger.Infof("operation %s closed at %s realized=%s", closed.ID, closed.CurrentPrice, closed.RealizedPnL)
		return domain.OutcomeClosed
	}

	var fatal *domain.FatalError
	switch {
	case errors.As(err, &fatal):
		span.RecordError(err)
		logger.Errorf("operation %s: %v", target.id, err)
		s.notifyFailure(target.id, fatal)
		return domain.OutcomeFailed
	case errors.Is(err, errStillClosing):
		return domain.OutcomeClosing
	case domain.IsConflict(err):
		logger.Infof("operation %s skipped: %v", target.id, err)
		return domain.OutcomeCancelled
	}

	op, getErr := s.ledger.Get(target.id)
	if getErr == nil {
		switch op.Status {
		case domain.OperationCloseFailed:
			s.notifyFailure(target.id, &domain.FatalError{OperationID: target.id, Attempts: op.CloseAttempts, Err: err})
			return domain.OutcomeFailed
		case domain.OperationClosing:
			return domain.OutcomeClosing
		case domain.OperationClosed:
			return domain.OutcomeClosed
		}
	}
	logger.Warnf("operation %s closure interrupted: %v", target.id, err)
	return domain.OutcomeCancelled
}

var errStillClosing = errors.New("operation already closing")

// execute bounds one executor call by the attempt timeout even if the executor ignores ctx.
func (s *ControlService) execute(ctx context.Context, op domain.Operation) (decimal.Decimal, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	type result struct {
		price decimal.Decimal
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		price, err := s.executor.Close(attemptCtx, op)
		ch <- result{price: price, err: err}
	}()

	select {
	case r := <-ch:
		return r.price, r.err
	case <-attemptCtx.Done():
		return decimal.Zero, fmt.Errorf("close attempt timed out after %s: %w", s.cfg.AttemptTimeout, attemptCtx.Err())
	}
}

func (s *ControlService) notifyFailure(operationID string, fatal *domain.FatalError) {
	if s.notifier == nil {
		return
	}
	op, err := s.ledger.Get(operationID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	s.notifier.NotifyCloseFailed(ctx, op, fatal)
}

func (s *ControlService) setOutcome(st *closeJobState, id string, outcome domain.CloseOutcome) {
	s.mu.Lock()
	st.job.Outcomes[id] = outcome
	s.mu.Unlock()
}

func (s *ControlService) finishTarget(st *closeJobState, id string, outcome domain.CloseOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.job.Outcomes[id] = outcome
	switch outcome {
	case domain.OutcomeClosed:
		st.job.Succeeded++
	case domain.OutcomeFailed:
		st.job.Failed++
	case domain.OutcomeClosing:
		st.job.StillClosing++
	default:
		st.job.Cancelled++
	}
	if s.inflight[id] == st.job.ID {
		delete(s.inflight, id)
	}
}

// CancelJob stops a job from dispatching further closures. Closures already started, and a single
// close that already moved its operation to CLOSING, finish.
func (s *ControlService) CancelJob(id string) (domain.CloseJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[id]
	if !ok {
		return domain.CloseJob{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if st.job.Status == domain.JobRunning {
		st.cancelled = true
		st.cancel()
	}
	return cloneJob(st.job), nil
}

func (s *ControlService) GetJob(id string) (domain.CloseJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[id]
	if !ok {
		return domain.CloseJob{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return cloneJob(st.job), nil
}

// ListJobs returns up to limit jobs, newest first.
func (s *ControlService) ListJobs(limit int) []domain.CloseJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.jobOrder) {
		limit = len(s.jobOrder)
	}
	out := make([]domain.CloseJob, 0, limit)
	for i := len(s.jobOrder) - 1; i >= 0 && len(out) < limit; i-- {
		if st, ok := s.jobs[s.jobOrder[i]]; ok {
			out = append(out, cloneJob(st.job))
		}
	}
	return out
}

// WaitJob blocks until the job finishes or ctx ends.
func (s *ControlService) WaitJob(ctx context.Context, id string) (domain.CloseJob, error) {
	s.mu.Lock()
	st, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return domain.CloseJob{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	select {
	case <-st.done:
	case <-ctx.Done():
		return domain.CloseJob{}, ctx.Err()
	}
	return s.GetJob(id)
}

// InFlight reports how many operations currently belong to a running closure.
func (s *ControlService) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Redrive returns a CLOSE_FAILED operation to ACTIVE with a fresh retry budget.
func (s *ControlService) Redrive(ctx context.Context, operationID string) (domain.Operation, error) {
	if s == nil || s.ledger == nil {
		return domain.Operation{}, fmt.Errorf("control service not fully initialized")
	}
	ctx, span := s.tracer.Start(ctx, "control-service.redrive")
	defer span.End()
	op, err := s.ledger.Redrive(ctx, operationID)
	if err != nil {
		return domain.Operation{}, err
	}
	logger.Infof("operation %s redriven by operator", operationID)
	return op, nil
}

// Shutdown aborts pending retries and waits for workers until ctx ends.
func (s *ControlService) Shutdown(ctx context.Context) error {
	s.rootCancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ControlService) dropJobLocked(id string) {
	delete(s.jobs, id)
	for i, jid := range s.jobOrder {
		if jid == id {
			s.jobOrder = append(s.jobOrder[:i], s.jobOrder[i+1:]...)
			break
		}
	}
}

// pruneJobsLocked forgets the oldest finished jobs beyond the history size.
func (s *ControlService) pruneJobsLocked() {
	excess := len(s.jobOrder) - s.cfg.JobHistory
	if excess <= 0 {
		return
	}
	kept := s.jobOrder[:0]
	for _, id := range s.jobOrder {
		st := s.jobs[id]
		if excess > 0 && st != nil && st.job.Status != domain.JobRunning {
			delete(s.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.jobOrder = kept
}

func cloneJob(job domain.CloseJob) domain.CloseJob {
	outcomes := make(map[string]domain.CloseOutcome, len(job.Outcomes))
	for k, v := range job.Outcomes {
		outcomes[k] = v
	}
	job.Outcomes = outcomes
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		job.FinishedAt = &t
	}
	return job
}
