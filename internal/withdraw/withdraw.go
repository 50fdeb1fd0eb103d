// Package withdraw authorizes exits from the pool.
//
// Two interchangeable paths share one algorithm shape: resolve the tier,
// resolve the commitment (by recomputation or by circuit-domain mapping),
// require the claimed tier to match the deposited one, verify Merkle
// membership against any historical root, require the owning batch to be
// settled and cooled down, and compute the pro-rata share. Authorization is
// entirely read-only; the caller burns the one-time nullifier with Spend
// once it has established that the payout can actually be made.
package withdraw

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/umbra-cash/umbra/internal/batch"
	"github.com/umbra-cash/umbra/internal/denom"
	"github.com/umbra-cash/umbra/internal/merkle"
	"github.com/umbra-cash/umbra/internal/note"
	"github.com/umbra-cash/umbra/internal/registry"
	"github.com/umbra-cash/umbra/internal/zkproof"
)

const (
	// MinDelay is the default cooldown between a batch settling and its
	// deposits becoming withdrawable. It exists to defeat deposit-then-
	// immediately-withdraw timing correlation.
	MinDelay = 60 * time.Second

	// MaxRelayerFeeBps caps the disclosed relayer fee at 5%.
	MaxRelayerFeeBps = 500

	feeDenominatorBps = 10_000
)

var (
	ErrInvalidConfig       = errors.New("withdraw: invalid config")
	ErrInvalidNullifier    = errors.New("withdraw: invalid nullifier")
	ErrTierMismatch        = errors.New("withdraw: tier does not match deposit")
	ErrInvalidProof        = errors.New("withdraw: invalid merkle proof")
	ErrTooEarly            = errors.New("withdraw: cooldown not elapsed")
	ErrShareRoundsToZero   = errors.New("withdraw: share rounds to zero")
	ErrFeeTooHigh          = errors.New("withdraw: relayer fee too high")
	ErrPublicInputMismatch = errors.New("withdraw: proof public inputs mismatch")
)

// LegacyRequest is the revealed-secret withdrawal form.
type LegacyRequest struct {
	Tier      denom.Tier
	Secret    [32]byte
	Blinder   [32]byte
	Nullifier [32]byte
	Path      [][32]byte
}

// ZKRequest is the zero-knowledge withdrawal form.
type ZKRequest struct {
	Tier         denom.Tier
	ZKNullifier  [32]byte
	ZKCommitment [32]byte
	Proof        []byte
	Path         [][32]byte
}

// Authorization is the outcome of a successful check: the resolved deposit
// and the share it is owed from its batch's settlement.
type Authorization struct {
	Commitment registry.Commitment
	Amount     uint64
	Share      uint64
	BatchID    uint64
	Nullifier  [32]byte
	Domain     registry.Domain
}

type Authorizer struct {
	registry registry.Store
	batches  batch.Store
	verifier zkproof.Verifier

	depth    int
	minDelay time.Duration
	now      func() time.Time
}

func NewAuthorizer(reg registry.Store, batches batch.Store, verifier zkproof.Verifier, depth int, minDelay time.Duration, now func() time.Time) (*Authorizer, error) {
	if reg == nil || batches == nil {
		return nil, fmt.Errorf("%w: nil stores", ErrInvalidConfig)
	}
	if depth < 1 || depth > 32 {
		return nil, fmt.Errorf("%w: tree depth %d", ErrInvalidConfig, depth)
	}
	if minDelay <= 0 {
		minDelay = MinDelay
	}
	if now == nil {
		now = time.Now
	}
	return &Authorizer{
		registry: reg,
		batches:  batches,
		verifier: verifier,
		depth:    depth,
		minDelay: minDelay,
		now:      now,
	}, nil
}

// AuthorizeLegacy runs the revealed-secret path.
func (a *Authorizer) AuthorizeLegacy(ctx context.Context, req LegacyRequest) (Authorization, error) {
	amount, err := denom.Amount(req.Tier)
	if err != nil {
		return Authorization{}, err
	}

	cm := note.Commitment(amount, req.Secret, req.Blinder)
	c, err := a.registry.GetCommitment(ctx, cm)
	if err != nil {
		return Authorization{}, err
	}

	if note.Nullifier(req.Secret) != req.Nullifier {
		return Authorization{}, ErrInvalidNullifier
	}

	share, err := a.commonChecks(ctx, c, req.Tier, amount, req.Path, registry.DomainLegacy, req.Nullifier)
	if err != nil {
		return Authorization{}, err
	}

	return Authorization{
		Commitment: c,
		Amount:     amount,
		Share:      share,
		BatchID:    c.BatchID,
		Nullifier:  req.Nullifier,
		Domain:     registry.DomainLegacy,
	}, nil
}

// AuthorizeZK runs the zero-knowledge path.
func (a *Authorizer) AuthorizeZK(ctx context.Context, req ZKRequest) (Authorization, error) {
	amount, err := denom.Amount(req.Tier)
	if err != nil {
		return Authorization{}, err
	}
	if a.verifier == nil {
		return Authorization{}, fmt.Errorf("%w: no proof verifier configured", ErrInvalidConfig)
	}

	c, err := a.registry.CommitmentByZK(ctx, req.ZKCommitment)
	if err != nil {
		return Authorization{}, err
	}

	pub, err := a.verifier.Verify(ctx, req.Proof)
	if err != nil {
		return Authorization{}, err
	}

	// Replay prevention: the proof's embedded public inputs must equal what
	// the caller claims, after reducing wide values into the circuit field.
	if pub.ZKCommitment != note.ReduceToField(req.ZKCommitment) ||
		pub.ZKNullifier != note.ReduceToField(req.ZKNullifier) ||
		pub.Tier != req.Tier {
		return Authorization{}, ErrPublicInputMismatch
	}

	share, err := a.commonChecks(ctx, c, req.Tier, amount, req.Path, registry.DomainZK, req.ZKNullifier)
	if err != nil {
		return Authorization{}, err
	}

	return Authorization{
		Commitment: c,
		Amount:     amount,
		Share:      share,
		BatchID:    c.BatchID,
		Nullifier:  req.ZKNullifier,
		Domain:     registry.DomainZK,
	}, nil
}

// commonChecks runs the read-only steps shared by both paths.
func (a *Authorizer) commonChecks(ctx context.Context, c registry.Commitment, tier denom.Tier, amount uint64, path [][32]byte, domain registry.Domain, nullifier [32]byte) (uint64, error) {
	// The claimed tier must be the one the deposit paid for. The commitment
	// value is opaque to the pool and cannot be trusted to encode it.
	if tier != c.Tier {
		return 0, fmt.Errorf("%w: claimed %s, deposit is %s", ErrTierMismatch, tier, c.Tier)
	}

	leaf := note.ReduceToField(c.Value)
	root, err := merkle.PathRoot(leaf, c.LeafIndex, path, a.depth)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	known, err := a.registry.HasRoot(ctx, root)
	if err != nil {
		return 0, err
	}
	if !known {
		return 0, ErrInvalidProof
	}

	result, err := a.batches.Result(ctx, c.BatchID)
	if err != nil {
		return 0, err
	}
	if !result.Finalized {
		return 0, fmt.Errorf("%w: batch %d", batch.ErrBatchNotSettled, c.BatchID)
	}

	if a.now().UTC().Before(result.SettledAt.Add(a.minDelay)) {
		return 0, fmt.Errorf("%w: batch %d settled at %s", ErrTooEarly, c.BatchID, result.SettledAt.Format(time.RFC3339))
	}

	share, err := Share(amount, result.TotalOut, result.TotalIn)
	if err != nil {
		return 0, err
	}

	spent, err := a.registry.NullifierSpent(ctx, domain, nullifier)
	if err != nil {
		return 0, err
	}
	if spent {
		return 0, registry.ErrAlreadySpent
	}
	return share, nil
}

// Spend burns the authorization's nullifier. The store rejects a duplicate
// spend atomically, so two racing callers holding the same authorization
// cannot both succeed.
func (a *Authorizer) Spend(ctx context.Context, auth Authorization) error {
	return a.registry.SpendNullifier(ctx, auth.Domain, auth.Nullifier)
}

// Share computes floor(amount * totalOut / totalIn). The floor guarantees
// that the sum of shares over a batch never exceeds its total output.
func Share(amount, totalOut, totalIn uint64) (uint64, error) {
	if totalIn == 0 {
		return 0, fmt.Errorf("%w: zero batch input", ErrInvalidConfig)
	}

	v := new(big.Int).SetUint64(amount)
	v.Mul(v, new(big.Int).SetUint64(totalOut))
	v.Div(v, new(big.Int).SetUint64(totalIn))
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: share overflows uint64", ErrInvalidConfig)
	}
	share := v.Uint64()
	if share == 0 {
		return 0, ErrShareRoundsToZero
	}
	return share, nil
}

// SplitFee divides an authorized share between a relayer and the recipient.
// A zero fee yields no relayer transfer.
func SplitFee(share uint64, feeBps uint32) (relayerFee, remainder uint64, err error) {
	if feeBps > MaxRelayerFeeBps {
		return 0, 0, fmt.Errorf("%w: %d bps > %d", ErrFeeTooHigh, feeBps, MaxRelayerFeeBps)
	}

	v := new(big.Int).SetUint64(share)
	v.Mul(v, new(big.Int).SetUint64(uint64(feeBps)))
	v.Div(v, big.NewInt(feeDenominatorBps))
	fee := v.Uint64()
	return fee, share - fee, nil
}
