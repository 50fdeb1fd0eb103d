package batch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAccumulateAndSettle(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()

	p, err := s.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if p.ID != 1 || p.TotalIn != 0 {
		t.Fatalf("fresh batch: got %+v", p)
	}

	for i := 0; i < 2; i++ {
		id, err := s.AddDeposit(context.Background(), 100)
		if err != nil {
			t.Fatalf("AddDeposit: %v", err)
		}
		if id != 1 {
			t.Fatalf("deposit batch id: got %d want 1", id)
		}
	}

	p, _ = s.Pending(context.Background())
	if p.TotalIn != 200 || p.Deposits != 2 {
		t.Fatalf("pending after deposits: got %+v", p)
	}

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r, err := s.FinalizeCurrent(context.Background(), 20, at)
	if err != nil {
		t.Fatalf("FinalizeCurrent: %v", err)
	}
	if r.ID != 1 || r.TotalIn != 200 || r.TotalOut != 20 || !r.Finalized || !r.SettledAt.Equal(at) {
		t.Fatalf("result: got %+v", r)
	}

	p, _ = s.Pending(context.Background())
	if p.ID != 2 || p.TotalIn != 0 || p.Deposits != 0 {
		t.Fatalf("next batch not reset: got %+v", p)
	}

	n, err := s.SettledCount(context.Background())
	if err != nil {
		t.Fatalf("SettledCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("settled count: got %d want 1", n)
	}

	got, err := s.Result(context.Background(), 1)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got != r {
		t.Fatalf("result mismatch: got %+v want %+v", got, r)
	}
}

func TestSettleEmptyBatchFails(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	_, err := s.FinalizeCurrent(context.Background(), 10, time.Now())
	if !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
}

func TestResultForOpenBatch(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	if _, err := s.AddDeposit(context.Background(), 100); err != nil {
		t.Fatalf("AddDeposit: %v", err)
	}

	_, err := s.Result(context.Background(), 1)
	if !errors.Is(err, ErrBatchNotSettled) {
		t.Fatalf("expected ErrBatchNotSettled, got %v", err)
	}

	_, err = s.Result(context.Background(), 9)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
