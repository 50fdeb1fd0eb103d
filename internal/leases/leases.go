// Package leases coordinates single-writer ownership across pool-engine
// replicas. Settlement must run on exactly one node at a time; the
// settlement lease elects that node and expires if it dies.
package leases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// SettlementLease names the lease that gates batch settlement.
const SettlementLease = "pool-settlement"

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

// Lease is a named, expiring ownership record.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store provides compare-and-swap lease acquisition.
//
// TryAcquire succeeds if the lease does not exist or is expired at the
// store's notion of now. Renew succeeds only for the current owner. Release
// is idempotent when the lease is already absent.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

// Keeper holds one lease on behalf of a node, renewing it at half the TTL.
type Keeper struct {
	store Store
	name  string
	owner string
	ttl   time.Duration
	log   *slog.Logger

	held atomic.Bool
}

func NewKeeper(store Store, name, owner string, ttl time.Duration, log *slog.Logger) (*Keeper, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := validate(name, owner, ttl); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Keeper{store: store, name: name, owner: owner, ttl: ttl, log: log}, nil
}

// Held reports whether the keeper currently believes it owns the lease.
func (k *Keeper) Held() bool {
	return k != nil && k.held.Load()
}

// Run acquires and renews the lease until ctx is canceled, then releases it.
// Losing the lease is not fatal; the keeper keeps trying to reacquire.
func (k *Keeper) Run(ctx context.Context) {
	interval := k.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	k.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			k.held.Store(false)
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := k.store.Release(releaseCtx, k.name, k.owner); err != nil {
				k.log.Warn("lease release failed", "lease", k.name, "err", err)
			}
			return
		case <-ticker.C:
			k.tick(ctx)
		}
	}
}

func (k *Keeper) tick(ctx context.Context) {
	if k.held.Load() {
		if _, ok, err := k.store.Renew(ctx, k.name, k.owner, k.ttl); err != nil || !ok {
			k.log.Warn("lease renewal failed", "lease", k.name, "err", err)
			k.held.Store(false)
		}
		return
	}

	_, ok, err := k.store.TryAcquire(ctx, k.name, k.owner, k.ttl)
	if err != nil {
		k.log.Warn("lease acquire failed", "lease", k.name, "err", err)
		return
	}
	if ok {
		k.log.Info("lease acquired", "lease", k.name, "owner", k.owner)
	}
	k.held.Store(ok)
}
