package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/umbra-cash/umbra/internal/denom"
	"github.com/umbra-cash/umbra/internal/events"
	"github.com/umbra-cash/umbra/internal/merkle"
	"github.com/umbra-cash/umbra/internal/note"
	"github.com/umbra-cash/umbra/internal/registry"
)

// DepositRequest carries a client-computed commitment into the pool. The
// engine never sees the secret or blinder behind it. ZKCommitment is
// optional; when set it binds a circuit-domain commitment to the deposit for
// a later private withdrawal.
type DepositRequest struct {
	Depositor    common.Address
	Tier         denom.Tier
	Commitment   [32]byte
	ZKCommitment [32]byte
}

// DepositReceipt reports where the deposit landed.
type DepositReceipt struct {
	LeafIndex uint64
	BatchID   uint64
	Root      [32]byte
	Tier      denom.Tier
	Amount    uint64
}

// Deposit accepts a fixed-tier deposit: funds move into the engine account,
// the commitment becomes a tree leaf, and the open batch grows by the tier
// amount.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (DepositReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	amount, err := denom.Amount(req.Tier)
	if err != nil {
		return DepositReceipt{}, err
	}
	if req.Commitment == ([32]byte{}) {
		return DepositReceipt{}, fmt.Errorf("%w: zero commitment", ErrInvalidInput)
	}
	if req.Depositor == (common.Address{}) {
		return DepositReceipt{}, fmt.Errorf("%w: zero depositor", ErrInvalidInput)
	}
	if e.tree.LeafCount() >= uint64(1)<<e.tree.Depth() {
		return DepositReceipt{}, merkle.ErrTreeFull
	}

	// Uniqueness checks run before any funds move.
	if _, err := e.registry.GetCommitment(ctx, req.Commitment); err == nil {
		return DepositReceipt{}, registry.ErrDuplicateCommitment
	} else if !errors.Is(err, registry.ErrUnknownCommitment) {
		return DepositReceipt{}, err
	}
	if req.ZKCommitment != ([32]byte{}) {
		if _, err := e.registry.CommitmentByZK(ctx, req.ZKCommitment); err == nil {
			return DepositReceipt{}, registry.ErrZKAlreadyMapped
		} else if !errors.Is(err, registry.ErrUnknownZKCommitment) {
			return DepositReceipt{}, err
		}
	}

	if err := e.deposits.TransferFrom(ctx, req.Depositor, e.account, amount); err != nil {
		return DepositReceipt{}, err
	}

	batchID, err := e.batches.AddDeposit(ctx, amount)
	if err != nil {
		return DepositReceipt{}, err
	}

	// Durable writes land before the in-memory accumulator mutates. A crash
	// or store failure in between leaves a registered commitment whose leaf
	// has not been appended yet, which the startup replay repairs; the
	// reverse order would leave an orphan leaf no replay can explain.
	index := e.tree.LeafCount()
	if err := e.registry.InsertCommitment(ctx, registry.Commitment{
		Value:     req.Commitment,
		LeafIndex: index,
		BatchID:   batchID,
		Tier:      req.Tier,
		Depositor: req.Depositor,
	}); err != nil {
		return DepositReceipt{}, err
	}
	if req.ZKCommitment != ([32]byte{}) {
		if err := e.registry.MapZKCommitment(ctx, req.ZKCommitment, req.Commitment); err != nil {
			return DepositReceipt{}, err
		}
	}
	if _, err := e.registry.IncrementTierCount(ctx, req.Tier); err != nil {
		return DepositReceipt{}, err
	}

	// Cannot fail: capacity was checked above and the reduced leaf is
	// always a canonical field element.
	_, root, err := e.tree.Append(note.ReduceToField(req.Commitment))
	if err != nil {
		return DepositReceipt{}, err
	}
	if err := e.registry.AddRoot(ctx, root); err != nil {
		return DepositReceipt{}, err
	}

	e.emit(ctx, events.TypeDepositCommitted, events.DepositCommittedV1{
		Commitment: common.Hash(req.Commitment),
		BatchID:    batchID,
		LeafIndex:  index,
		Tier:       uint8(req.Tier),
	})
	e.emit(ctx, events.TypeRootUpdated, events.RootUpdatedV1{
		Root:      common.Hash(root),
		LeafCount: e.tree.LeafCount(),
	})

	return DepositReceipt{
		LeafIndex: index,
		BatchID:   batchID,
		Root:      root,
		Tier:      req.Tier,
		Amount:    amount,
	}, nil
}
