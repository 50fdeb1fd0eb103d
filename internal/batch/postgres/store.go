package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/umbra-cash/umbra/internal/batch"
)

var ErrInvalidConfig = errors.New("batch/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS open_batch (
	singleton  BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
	batch_id   BIGINT NOT NULL,
	total_in   BIGINT NOT NULL,
	deposits   BIGINT NOT NULL
);

INSERT INTO open_batch (singleton, batch_id, total_in, deposits)
VALUES (TRUE, 1, 0, 0)
ON CONFLICT (singleton) DO NOTHING;

CREATE TABLE IF NOT EXISTS batch_results (
	batch_id    BIGINT PRIMARY KEY,
	total_in    BIGINT NOT NULL,
	total_out   BIGINT NOT NULL,
	settled_at  TIMESTAMPTZ NOT NULL,
	finalized   BOOLEAN NOT NULL
);
`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("batch/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Pending(ctx context.Context) (batch.Pending, error) {
	var (
		id       int64
		totalIn  int64
		deposits int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT batch_id, total_in, deposits FROM open_batch WHERE singleton
	`).Scan(&id, &totalIn, &deposits)
	if err != nil {
		return batch.Pending{}, fmt.Errorf("batch/postgres: pending: %w", err)
	}
	if id < 0 || totalIn < 0 || deposits < 0 {
		return batch.Pending{}, fmt.Errorf("batch/postgres: negative values in db")
	}
	return batch.Pending{ID: uint64(id), TotalIn: uint64(totalIn), Deposits: uint64(deposits)}, nil
}

func (s *Store) AddDeposit(ctx context.Context, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, fmt.Errorf("%w: zero amount", batch.ErrInvalidInput)
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		UPDATE open_batch
		SET total_in = total_in + $1, deposits = deposits + 1
		WHERE singleton
		RETURNING batch_id
	`, int64(amount)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("batch/postgres: add deposit: %w", err)
	}
	return uint64(id), nil
}

func (s *Store) FinalizeCurrent(ctx context.Context, totalOut uint64, at time.Time) (batch.Result, error) {
	if at.IsZero() {
		return batch.Result{}, fmt.Errorf("%w: zero timestamp", batch.ErrInvalidInput)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return batch.Result{}, fmt.Errorf("batch/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		id      int64
		totalIn int64
	)
	err = tx.QueryRow(ctx, `
		SELECT batch_id, total_in FROM open_batch WHERE singleton FOR UPDATE
	`).Scan(&id, &totalIn)
	if err != nil {
		return batch.Result{}, fmt.Errorf("batch/postgres: lock open batch: %w", err)
	}
	if totalIn == 0 {
		return batch.Result{}, batch.ErrEmptyBatch
	}

	r := batch.Result{
		ID:        uint64(id),
		TotalIn:   uint64(totalIn),
		TotalOut:  totalOut,
		SettledAt: at.UTC(),
		Finalized: true,
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO batch_results (batch_id, total_in, total_out, settled_at, finalized)
		VALUES ($1,$2,$3,$4,TRUE)
	`, id, totalIn, int64(totalOut), r.SettledAt); err != nil {
		return batch.Result{}, fmt.Errorf("batch/postgres: insert result: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE open_batch SET batch_id = $1, total_in = 0, deposits = 0 WHERE singleton
	`, id+1); err != nil {
		return batch.Result{}, fmt.Errorf("batch/postgres: open next batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return batch.Result{}, fmt.Errorf("batch/postgres: commit: %w", err)
	}
	return r, nil
}

func (s *Store) Result(ctx context.Context, id uint64) (batch.Result, error) {
	var (
		totalIn   int64
		totalOut  int64
		settledAt time.Time
		finalized bool
	)
	err := s.pool.QueryRow(ctx, `
		SELECT total_in, total_out, settled_at, finalized
		FROM batch_results WHERE batch_id = $1
	`, int64(id)).Scan(&totalIn, &totalOut, &settledAt, &finalized)
	if err == nil {
		return batch.Result{
			ID:        id,
			TotalIn:   uint64(totalIn),
			TotalOut:  uint64(totalOut),
			SettledAt: settledAt.UTC(),
			Finalized: finalized,
		}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return batch.Result{}, fmt.Errorf("batch/postgres: result: %w", err)
	}

	p, perr := s.Pending(ctx)
	if perr != nil {
		return batch.Result{}, perr
	}
	if id == 0 || id > p.ID {
		return batch.Result{}, fmt.Errorf("%w: batch %d", batch.ErrNotFound, id)
	}
	return batch.Result{}, fmt.Errorf("%w: batch %d", batch.ErrBatchNotSettled, id)
}

func (s *Store) SettledCount(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM batch_results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("batch/postgres: settled count: %w", err)
	}
	return uint64(n), nil
}

var _ batch.Store = (*Store)(nil)
