package leases

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreAcquireRenewReleaseSteal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })

	l, ok, err := s.TryAcquire(ctx, SettlementLease, "node-a", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire = (%v, %v)", ok, err)
	}
	if l.Owner != "node-a" || !l.ExpiresAt.Equal(now.Add(10*time.Second)) {
		t.Fatalf("lease = %+v", l)
	}

	// Held lease blocks a rival and reports the holder.
	l2, ok, err := s.TryAcquire(ctx, SettlementLease, "node-b", 10*time.Second)
	if err != nil || ok {
		t.Fatalf("rival acquire = (%v, %v)", ok, err)
	}
	if l2.Owner != "node-a" {
		t.Fatalf("holder = %q", l2.Owner)
	}

	// Owner renewal extends the expiry.
	now = now.Add(5 * time.Second)
	l3, ok, err := s.Renew(ctx, SettlementLease, "node-a", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("renew = (%v, %v)", ok, err)
	}
	if !l3.ExpiresAt.Equal(now.Add(10 * time.Second)) {
		t.Fatalf("renewed expiry = %v", l3.ExpiresAt)
	}

	if _, _, err := s.Renew(ctx, SettlementLease, "node-b", 10*time.Second); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("rival renew err = %v, want ErrNotOwner", err)
	}
	if err := s.Release(ctx, SettlementLease, "node-b"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("rival release err = %v, want ErrNotOwner", err)
	}

	if err := s.Release(ctx, SettlementLease, "node-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Release is idempotent.
	if err := s.Release(ctx, SettlementLease, "node-a"); err != nil {
		t.Fatalf("re-release: %v", err)
	}

	// A rival takes a released lease, and a third node steals an expired one.
	if _, ok, err := s.TryAcquire(ctx, SettlementLease, "node-b", 10*time.Second); err != nil || !ok {
		t.Fatalf("acquire after release = (%v, %v)", ok, err)
	}
	now = now.Add(11 * time.Second)
	l4, ok, err := s.TryAcquire(ctx, SettlementLease, "node-c", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("steal = (%v, %v)", ok, err)
	}
	if l4.Owner != "node-c" {
		t.Fatalf("owner after steal = %q", l4.Owner)
	}
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(time.Now)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := NewMemoryStore(time.Now)
	if _, _, err := s.TryAcquire(ctx, "", "a", time.Second); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty name err = %v", err)
	}
	if _, _, err := s.TryAcquire(ctx, "x", "", time.Second); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty owner err = %v", err)
	}
	if _, _, err := s.TryAcquire(ctx, "x", "a", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero ttl err = %v", err)
	}
}

func TestKeeperTick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })

	k, err := NewKeeper(s, SettlementLease, "node-a", 10*time.Second, nil)
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}
	if k.Held() {
		t.Fatalf("held before any tick")
	}

	k.tick(ctx)
	if !k.Held() {
		t.Fatalf("not held after acquire tick")
	}

	// A rival steals the lease after expiry; the next renewal tick notices.
	now = now.Add(11 * time.Second)
	if _, ok, err := s.TryAcquire(ctx, SettlementLease, "node-b", time.Hour); err != nil || !ok {
		t.Fatalf("steal = (%v, %v)", ok, err)
	}
	k.tick(ctx)
	if k.Held() {
		t.Fatalf("still held after losing lease")
	}
}

func TestNewKeeperValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKeeper(nil, "x", "a", time.Second, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil store err = %v", err)
	}
	if _, err := NewKeeper(NewMemoryStore(time.Now), "", "a", time.Second, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty name err = %v", err)
	}
}
