// Package batch tracks deposit accumulation windows and their settlement
// records.
//
// At any moment exactly one batch is open. Deposits add to its pending total;
// settlement freezes the window into an immutable result, opens the next id,
// and fixes the exchange rate for every deposit the window owned.
package batch

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidInput    = errors.New("batch: invalid input")
	ErrNotFound        = errors.New("batch: not found")
	ErrEmptyBatch      = errors.New("batch: empty batch")
	ErrBatchNotSettled = errors.New("batch: not settled")
)

// Pending is the currently-open accumulation window.
type Pending struct {
	ID       uint64
	TotalIn  uint64
	Deposits uint64
}

// Result is the immutable settlement record for a closed batch.
type Result struct {
	ID        uint64
	TotalIn   uint64
	TotalOut  uint64
	SettledAt time.Time
	Finalized bool
}

// Store is the persistence handle for batch accounting. Batch ids are
// monotonic; results are write-once.
type Store interface {
	// Pending returns the open batch.
	Pending(ctx context.Context) (Pending, error)

	// AddDeposit adds amount to the open batch and returns its id.
	AddDeposit(ctx context.Context, amount uint64) (uint64, error)

	// FinalizeCurrent freezes the open batch into a Result with the measured
	// output, opens the next batch id, and increments the settled counter.
	// Fails with ErrEmptyBatch when nothing is pending.
	FinalizeCurrent(ctx context.Context, totalOut uint64, at time.Time) (Result, error)

	// Result returns the settlement record for id. ErrBatchNotSettled when
	// id is the open batch or a future id; ErrNotFound when id was skipped
	// (never allocated).
	Result(ctx context.Context, id uint64) (Result, error)

	// SettledCount returns how many batches have been settled.
	SettledCount(ctx context.Context) (uint64, error)
}
