package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"signal-desk/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

type SignalRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewSignalRepository(pool PgxPool, tracer trace.Tracer) *SignalRepository {
	return &SignalRepository{pool: pool, tracer: tracer}
}

func (r *SignalRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "signal-repo.run-migrations")
	defer span.End()

	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS signals (
			id            BIGSERIAL PRIMARY KEY,
			kind          TEXT NOT NULL,
			symbol        TEXT NOT NULL,
			price         NUMERIC(28, 10) NOT NULL,
			quantity      NUMERIC(28, 10) NOT NULL DEFAULT 0,
			account_id    TEXT NOT NULL DEFAULT '',
			received_at   TIMESTAMPTZ NOT NULL,
			status        TEXT NOT NULL DEFAULT 'PROCESSING',
			reason        TEXT NOT NULL DEFAULT '',
			operation_id  TEXT NOT NULL DEFAULT '',
			processed_at  TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_signals_received_at ON signals (received_at DESC);
		CREATE INDEX IF NOT EXISTS idx_signals_symbol_status ON signals (symbol, status);

		CREATE TABLE IF NOT EXISTS signal_audit (
			id            BIGSERIAL PRIMARY KEY,
			signal_id     BIGINT NOT NULL REFERENCES signals(id),
			kind          TEXT NOT NULL,
			outcome       TEXT NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			operation_id  TEXT NOT NULL DEFAULT '',
			recorded_at   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_signal_audit_signal ON signal_audit (signal_id);
		CREATE INDEX IF NOT EXISTS idx_signal_audit_recorded_at ON signal_audit (recorded_at);
	`)
	return err
}

// InsertSignal stores a PROCESSING signal and returns it with its assigned id.
func (r *SignalRepository) InsertSignal(ctx context.Context, s domain.Signal) (domain.Signal, error) {
	_, span := r.tracer.Start(ctx, "signal-repo.insert-signal")
	defer span.End()

	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO signals (kind, symbol, price, quantity, account_id, received_at, status)
		 VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7)
		 RETURNING id`,
		string(s.Kind),
		s.Symbol,
		numericArg(s.Price),
		numericArg(s.Quantity),
		s.AccountID,
		s.ReceivedAt.UTC(),
		string(s.Status),
	).Scan(&id)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("insert signal: %w", err)
	}
	s.ID = id
	return s, nil
}

// ResolveSignal records the terminal status. Rows that already left PROCESSING are untouched, so
// the returned bool is false for a second resolution.
func (r *SignalRepository) ResolveSignal(ctx context.Context, s domain.Signal) (bool, error) {
	_, span := r.tracer.Start(ctx, "signal-repo.resolve-signal")
	defer span.End()

	processedAt := time.Now().UTC()
	if s.ProcessedAt != nil {
		processedAt = s.ProcessedAt.UTC()
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE signals
		    SET status = $2, reason = $3, operation_id = $4, quantity = $5::numeric, processed_at = $6
		  WHERE id = $1 AND status = 'PROCESSING'`,
		s.ID,
		string(s.Status),
		s.Reason,
		s.OperationID,
		numericArg(s.Quantity),
		processedAt,
	)
	if err != nil {
		return false, fmt.Errorf("resolve signal %d: %w", s.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *SignalRepository) InsertAudit(ctx context.Context, rec domain.AuditRecord) error {
	_, span := r.tracer.Start(ctx, "signal-repo.insert-audit")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO signal_audit (signal_id, kind, outcome, reason, operation_id, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.SignalID,
		string(rec.Kind),
		string(rec.Outcome),
		rec.Reason,
		rec.OperationID,
		rec.RecordedAt.UTC(),
	)
	return err
}

// RejectOrphaned rejects signals left PROCESSING by a previous process and audits each one. It
// must run before the classifier starts.
func (r *SignalRepository) RejectOrphaned(ctx context.Context, reason string) (int64, error) {
	_, span := r.tracer.Start(ctx, "signal-repo.reject-orphaned")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `
		WITH rejected AS (
			UPDATE signals
			   SET status = 'REJECTED', reason = $1, processed_at = NOW()
			 WHERE status = 'PROCESSING'
			RETURNING id, kind, processed_at
		)
		INSERT INTO signal_audit (signal_id, kind, outcome, reason, operation_id, recorded_at)
		SELECT id, kind, 'REJECTED', $1, '', processed_at FROM rejected`,
		reason,
	)
	if err != nil {
		return 0, fmt.Errorf("reject orphaned signals: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteAuditBefore removes audit rows recorded before cutoff. Signals themselves are kept.
func (r *SignalRepository) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	_, span := r.tracer.Start(ctx, "signal-repo.delete-audit-before")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `DELETE FROM signal_audit WHERE recorded_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *SignalRepository) ListSignals(ctx context.Context, filter domain.SignalFilter) ([]domain.Signal, error) {
	_, span := r.tracer.Start(ctx, "signal-repo.list-signals")
	defer span.End()

	args := make([]any, 0, 3)
	var sb strings.Builder
	sb.WriteString(`SELECT id, kind, symbol, price::text, quantity::text, account_id, received_at,
	       status, reason, operation_id, processed_at
	  FROM signals
	 WHERE 1=1`)

	if filter.Symbol != "" {
		args = append(args, domain.NormalizeSymbol(filter.Symbol))
		sb.WriteString(fmt.Sprintf(" AND symbol = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		sb.WriteString(fmt.Sprintf(" AND status = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	args = append(args, limit)
	sb.WriteString(fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args)))

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	signals := make([]domain.Signal, 0, limit)
	for rows.Next() {
		var (
			s           domain.Signal
			kind        string
			price       string
			quantity    string
			status      string
			receivedAt  time.Time
			processedAt *time.Time
		)
		if err := rows.Scan(
			&s.ID,
			&kind,
			&s.Symbol,
			&price,
			&quantity,
			&s.AccountID,
			&receivedAt,
			&status,
			&s.Reason,
			&s.OperationID,
			&processedAt,
		); err != nil {
			return nil, err
		}
		if s.Price, err = parseNumeric(price); err != nil {
			return nil, fmt.Errorf("signal %d price: %w", s.ID, err)
		}
		if s.Quantity, err = parseNumeric(quantity); err != nil {
			return nil, fmt.Errorf("signal %d quantity: %w", s.ID, err)
		}
		s.Kind = domain.SignalKind(kind)
		s.Status = domain.SignalStatus(status)
		s.ReceivedAt = receivedAt.UTC()
		if processedAt != nil {
			t := processedAt.UTC()
			s.ProcessedAt = &t
		}
		signals = append(signals, s)
	}

	return signals, rows.Err()
}
