package batch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for unit tests and single-process usage.
// It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	open    Pending
	results map[uint64]Result
	settled uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		open:    Pending{ID: 1},
		results: make(map[uint64]Result),
	}
}

func (s *MemoryStore) Pending(_ context.Context) (Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open, nil
}

func (s *MemoryStore) AddDeposit(_ context.Context, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, fmt.Errorf("%w: zero amount", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.open.TotalIn += amount
	s.open.Deposits++
	return s.open.ID, nil
}

func (s *MemoryStore) FinalizeCurrent(_ context.Context, totalOut uint64, at time.Time) (Result, error) {
	if at.IsZero() {
		return Result{}, fmt.Errorf("%w: zero timestamp", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open.TotalIn == 0 {
		return Result{}, ErrEmptyBatch
	}

	r := Result{
		ID:        s.open.ID,
		TotalIn:   s.open.TotalIn,
		TotalOut:  totalOut,
		SettledAt: at.UTC(),
		Finalized: true,
	}
	s.results[r.ID] = r
	s.settled++
	s.open = Pending{ID: r.ID + 1}
	return r, nil
}

func (s *MemoryStore) Result(_ context.Context, id uint64) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.results[id]; ok {
		return r, nil
	}
	if id == 0 || id > s.open.ID {
		return Result{}, fmt.Errorf("%w: batch %d", ErrNotFound, id)
	}
	return Result{}, fmt.Errorf("%w: batch %d", ErrBatchNotSettled, id)
}

func (s *MemoryStore) SettledCount(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled, nil
}

var _ Store = (*MemoryStore)(nil)
