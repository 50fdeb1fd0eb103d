// Package registry tracks which commitments exist, which nullifiers have
// been consumed, and the opt-in disclosure records layered on top.
//
// Every write is append-only or monotonic: commitments are inserted once,
// nullifier spends can never be unmarked, the known-roots set only grows.
package registry

import (
	"context"
	"errors"

	"github.com/umbra-cash/umbra/internal/denom"
)

var (
	ErrInvalidInput        = errors.New("registry: invalid input")
	ErrNotFound            = errors.New("registry: not found")
	ErrDuplicateCommitment = errors.New("registry: duplicate commitment")
	ErrUnknownCommitment   = errors.New("registry: unknown commitment")
	ErrUnknownZKCommitment = errors.New("registry: unknown zk commitment")
	ErrZKAlreadyMapped     = errors.New("registry: zk commitment already mapped")
	ErrAlreadySpent        = errors.New("registry: nullifier already spent")
)

// Store is the persistence handle for the commitment registry.
//
// SpendNullifier is the one operation with check-then-write semantics inside
// the store itself: implementations must make the unspent check and the
// spend mark a single atomic step.
type Store interface {
	// InsertCommitment records a new commitment. Fails with
	// ErrDuplicateCommitment if the value already exists.
	InsertCommitment(ctx context.Context, c Commitment) error

	// GetCommitment looks a commitment up by value.
	GetCommitment(ctx context.Context, value [32]byte) (Commitment, error)

	// CommitmentByLeaf looks a commitment up by its Merkle leaf index.
	CommitmentByLeaf(ctx context.Context, index uint64) (Commitment, error)

	// ListCommitments returns every commitment ordered by leaf index.
	// Used to rebuild the Merkle accumulator on startup.
	ListCommitments(ctx context.Context) ([]Commitment, error)

	// MapZKCommitment binds a circuit-domain commitment 1:1 to an existing
	// commitment. The binding is assigned at most once.
	MapZKCommitment(ctx context.Context, zk [32]byte, value [32]byte) error

	// CommitmentByZK resolves the commitment mapped from zk.
	CommitmentByZK(ctx context.Context, zk [32]byte) (Commitment, error)

	// SpendNullifier atomically checks that n is unspent in the given domain
	// and marks it spent. Fails with ErrAlreadySpent otherwise.
	SpendNullifier(ctx context.Context, domain Domain, n [32]byte) error

	// NullifierSpent reports whether n has been consumed in the given domain.
	NullifierSpent(ctx context.Context, domain Domain, n [32]byte) (bool, error)

	// AddRoot appends a Merkle root to the permanently-known set.
	AddRoot(ctx context.Context, root [32]byte) error

	// HasRoot reports whether root was ever recorded.
	HasRoot(ctx context.Context, root [32]byte) (bool, error)

	// IncrementTierCount bumps the per-tier anonymity-set counter and
	// returns the new value.
	IncrementTierCount(ctx context.Context, tier denom.Tier) (uint64, error)

	// TierCount reads the per-tier anonymity-set counter.
	TierCount(ctx context.Context, tier denom.Tier) (uint64, error)

	// SetViewKey attaches a disclosure hash to an existing commitment.
	SetViewKey(ctx context.Context, value [32]byte, disclosure [32]byte) error

	// ViewKey reads the disclosure hash for a commitment; ErrNotFound if unset.
	ViewKey(ctx context.Context, value [32]byte) ([32]byte, error)

	// SetIdentityHash attaches an opaque external-identity hash to an
	// existing commitment (cross-asset exit bookkeeping).
	SetIdentityHash(ctx context.Context, value [32]byte, identity [32]byte) error

	// IdentityHash reads the identity hash for a commitment; ErrNotFound if unset.
	IdentityHash(ctx context.Context, value [32]byte) ([32]byte, error)
}
