package repository

import (
	"context"
	"fmt"
	"time"

	"signal-desk/internal/domain"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
)

type OperationRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewOperationRepository(pool PgxPool, tracer trace.Tracer) *OperationRepository {
	return &OperationRepository{pool: pool, tracer: tracer}
}

func (r *OperationRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "operation-repo.run-migrations")
	defer span.End()

	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS operations (
			id                    TEXT PRIMARY KEY,
			account_id            TEXT NOT NULL DEFAULT '',
			symbol                TEXT NOT NULL,
			direction             TEXT NOT NULL,
			entry_price           NUMERIC(28, 10) NOT NULL,
			quantity              NUMERIC(28, 10) NOT NULL,
			opened_at             TIMESTAMPTZ NOT NULL,
			originating_signal_id BIGINT NOT NULL DEFAULT 0,
			status                TEXT NOT NULL,
			current_price         NUMERIC(28, 10) NOT NULL,
			pnl                   NUMERIC(28, 10) NOT NULL DEFAULT 0,
			pnl_percent           NUMERIC(28, 10) NOT NULL DEFAULT 0,
			close_attempts        INT NOT NULL DEFAULT 0,
			last_error            TEXT NOT NULL DEFAULT '',
			close_price           NUMERIC(28, 10),
			realized_pnl          NUMERIC(28, 10),
			closed_at             TIMESTAMPTZ,
			updated_at            TIMESTAMPTZ NOT NULL,
			version               BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_operations_status ON operations (status);
	`)
	return err
}

// UpsertOperation writes op unless a newer version is already stored.
func (r *OperationRepository) UpsertOperation(ctx context.Context, op domain.Operation) error {
	_, span := r.tracer.Start(ctx, "operation-repo.upsert-operation")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO operations (
		     id, account_id, symbol, direction, entry_price, quantity, opened_at, originating_signal_id,
		     status, current_price, pnl, pnl_percent, close_attempts, last_error, close_price,
		     realized_pnl, closed_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10::numeric, $11::numeric,
		         $12::numeric, $13, $14, $15::numeric, $16::numeric, $17, $18, $19)
		 ON CONFLICT (id) DO UPDATE SET
		     status = EXCLUDED.status,
		     current_price = EXCLUDED.current_price,
		     pnl = EXCLUDED.pnl,
		     pnl_percent = EXCLUDED.pnl_percent,
		     close_attempts = EXCLUDED.close_attempts,
		     last_error = EXCLUDED.last_error,
		     close_price = EXCLUDED.close_price,
		     realized_pnl = EXCLUDED.realized_pnl,
		     closed_at = EXCLUDED.closed_at,
		     updated_at = EXCLUDED.updated_at,
		     version = EXCLUDED.version
		 WHERE operations.version < EXCLUDED.version`,
		op.ID,
		op.AccountID,
		op.Symbol,
		string(op.Direction),
		numericArg(op.EntryPrice),
		numericArg(op.Quantity),
		op.OpenedAt.UTC(),
		op.OriginatingSignalID,
		string(op.Status),
		numericArg(op.CurrentPrice),
		numericArg(op.PnL),
		numericArg(op.PnLPercent),
		op.CloseAttempts,
		op.LastError,
		nullableNumericArg(op.ClosePrice),
		nullableNumericArg(op.RealizedPnL),
		op.ClosedAt,
		op.UpdatedAt.UTC(),
		op.Version,
	)
	if err != nil {
		return fmt.Errorf("upsert operation %s: %w", op.ID, err)
	}
	return nil
}

// ListRecoverableOperations returns every operation that is not CLOSED.
func (r *OperationRepository) ListRecoverableOperations(ctx context.Context) ([]domain.Operation, error) {
	_, span := r.tracer.Start(ctx, "operation-repo.list-recoverable")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, symbol, direction, entry_price::text, quantity::text, opened_at,
		        originating_signal_id, status, current_price::text, pnl::text, pnl_percent::text,
		        close_attempts, last_error, close_price::text, realized_pnl::text, closed_at,
		        updated_at, version
		   FROM operations
		  WHERE status <> 'CLOSED'
		  ORDER BY opened_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := make([]domain.Operation, 0)
	for rows.Next() {
		var (
			op                                   domain.Operation
			direction, status                    string
			entry, qty, current, pnl, pnlPercent string
			closePrice, realized                 *string
			openedAt, updatedAt                  time.Time
			closedAt                             *time.Time
		)
		if err := rows.Scan(
			&op.ID, &op.AccountID, &op.Symbol, &direction, &entry, &qty, &openedAt,
			&op.OriginatingSignalID, &status, &current, &pnl, &pnlPercent,
			&op.CloseAttempts, &op.LastError, &closePrice, &realized, &closedAt,
			&updatedAt, &op.Version,
		); err != nil {
			return nil, err
		}

		op.Direction = domain.Direction(direction)
		op.Status = domain.OperationStatus(status)
		op.OpenedAt = openedAt.UTC()
		op.UpdatedAt = updatedAt.UTC()
		if closedAt != nil {
			t := closedAt.UTC()
			op.ClosedAt = &t
		}
		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&op.EntryPrice, entry},
			{&op.Quantity, qty},
			{&op.CurrentPrice, current},
			{&op.PnL, pnl},
			{&op.PnLPercent, pnlPercent},
		} {
			v, err := parseNumeric(f.src)
			if err != nil {
				return nil, fmt.Errorf("operation %s: %w", op.ID, err)
			}
			*f.dst = v
		}
		if op.ClosePrice, err = parseNullableNumeric(closePrice); err != nil {
			return nil, fmt.Errorf("operation %s close price: %w", op.ID, err)
		}
		if op.RealizedPnL, err = parseNullableNumeric(realized); err != nil {
			return nil, fmt.Errorf("operation %s realized pnl: %w", op.ID, err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
