package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/umbra-cash/umbra/internal/events"
)

// RegisterViewKey stores a selective-disclosure hash on a commitment. Only
// the original depositor or the administrator may annotate a deposit.
func (e *Engine) RegisterViewKey(ctx context.Context, caller common.Address, commitment, disclosure [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if disclosure == ([32]byte{}) {
		return fmt.Errorf("%w: zero disclosure hash", ErrInvalidInput)
	}
	if err := e.requireDepositorOrAdmin(ctx, caller, commitment); err != nil {
		return err
	}
	if err := e.registry.SetViewKey(ctx, commitment, disclosure); err != nil {
		return err
	}
	e.emit(ctx, events.TypeViewKeyRegistered, events.ViewKeyRegisteredV1{
		Commitment: common.Hash(commitment),
	})
	return nil
}

// ViewKey returns the disclosure hash registered on a commitment.
func (e *Engine) ViewKey(ctx context.Context, commitment [32]byte) ([32]byte, error) {
	return e.registry.ViewKey(ctx, commitment)
}

// LinkIdentity stores an external identity hash on a commitment, under the
// same depositor-or-admin gate as view keys.
func (e *Engine) LinkIdentity(ctx context.Context, caller common.Address, commitment, identity [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if identity == ([32]byte{}) {
		return fmt.Errorf("%w: zero identity hash", ErrInvalidInput)
	}
	if err := e.requireDepositorOrAdmin(ctx, caller, commitment); err != nil {
		return err
	}
	if err := e.registry.SetIdentityHash(ctx, commitment, identity); err != nil {
		return err
	}
	e.emit(ctx, events.TypeIdentityLinked, events.IdentityLinkedV1{
		Commitment: common.Hash(commitment),
	})
	return nil
}

// IdentityHash returns the identity hash linked to a commitment.
func (e *Engine) IdentityHash(ctx context.Context, commitment [32]byte) ([32]byte, error) {
	return e.registry.IdentityHash(ctx, commitment)
}

func (e *Engine) requireDepositorOrAdmin(ctx context.Context, caller common.Address, commitment [32]byte) error {
	c, err := e.registry.GetCommitment(ctx, commitment)
	if err != nil {
		return err
	}
	if caller != c.Depositor && caller != e.admin {
		return fmt.Errorf("%w: %s", ErrNotDepositor, caller.Hex())
	}
	return nil
}
