package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/umbra-cash/umbra/internal/events"
	"github.com/umbra-cash/umbra/internal/intent"
)

// GetIntent returns the escrow record for id.
func (e *Engine) GetIntent(ctx context.Context, id uint64) (intent.Intent, error) {
	return e.intents.Get(ctx, id)
}

// OracleConfig returns the current oracle configuration.
func (e *Engine) OracleConfig(ctx context.Context) (intent.OracleConfig, error) {
	return e.intents.Config(ctx)
}

// ClaimIntent records solver as the party responsible for the off-ledger
// payment. Open to anyone; no collateral is required.
func (e *Engine) ClaimIntent(ctx context.Context, id uint64, solver common.Address) (intent.Intent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	in, err := e.intents.Claim(ctx, id, solver)
	if err != nil {
		return intent.Intent{}, err
	}
	e.emit(ctx, events.TypeIntentClaimed, events.IntentClaimedV1{
		IntentID: in.ID,
		Solver:   in.Solver,
	})
	return in, nil
}

// ConfirmIntent records one oracle attestation, authenticated by a 65-byte
// signature over the intent's confirmation digest. Reaching the threshold
// settles the intent and pays the solver in the same call.
func (e *Engine) ConfirmIntent(ctx context.Context, id uint64, sig []byte) (intent.Intent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	in, err := e.intents.Get(ctx, id)
	if err != nil {
		return intent.Intent{}, err
	}
	oracle, err := intent.RecoverConfirmer(id, in.DestinationHash, sig)
	if err != nil {
		return intent.Intent{}, err
	}

	in, err = e.intents.Confirm(ctx, id, oracle)
	if err != nil {
		return intent.Intent{}, err
	}
	e.emit(ctx, events.TypeIntentConfirmed, events.IntentConfirmedV1{
		IntentID:      in.ID,
		Oracle:        oracle,
		Confirmations: in.Confirmations,
	})

	cfg, err := e.intents.Config(ctx)
	if err != nil {
		return intent.Intent{}, err
	}
	if cfg.Threshold >= 1 && in.Confirmations >= cfg.Threshold {
		return e.settleIntent(ctx, id)
	}
	return in, nil
}

// ReleaseIntent is the public settle trigger for an intent whose threshold
// is already met.
func (e *Engine) ReleaseIntent(ctx context.Context, id uint64) (intent.Intent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settleIntent(ctx, id)
}

// settleIntent moves CLAIMED to SETTLED and pays the recorded solver.
// Callers hold e.mu.
func (e *Engine) settleIntent(ctx context.Context, id uint64) (intent.Intent, error) {
	in, err := e.intents.Settle(ctx, id)
	if err != nil {
		return intent.Intent{}, err
	}
	if err := e.payouts.Transfer(ctx, in.Solver, in.Amount); err != nil {
		return intent.Intent{}, err
	}
	e.emit(ctx, events.TypeIntentSettled, events.IntentSettledV1{
		IntentID: in.ID,
		Solver:   in.Solver,
		Amount:   in.Amount,
	})
	return in, nil
}

// ExpireIntent refunds a timed-out escrow to its original recipient.
func (e *Engine) ExpireIntent(ctx context.Context, id uint64) (intent.Intent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	in, err := e.intents.Expire(ctx, id, e.now().UTC())
	if err != nil {
		return intent.Intent{}, err
	}
	if err := e.payouts.Transfer(ctx, in.Recipient, in.Amount); err != nil {
		return intent.Intent{}, err
	}
	e.emit(ctx, events.TypeIntentExpired, events.IntentExpiredV1{
		IntentID:  in.ID,
		Recipient: in.Recipient,
		Amount:    in.Amount,
	})
	return in, nil
}

// SetOracleConfig atomically replaces the oracle signer set. Administrator
// only.
func (e *Engine) SetOracleConfig(ctx context.Context, caller common.Address, cfg intent.OracleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.admin {
		return fmt.Errorf("%w: %s", ErrNotAdmin, caller.Hex())
	}
	if err := e.intents.SetConfig(ctx, cfg); err != nil {
		return err
	}
	e.emit(ctx, events.TypeOracleConfigUpdated, events.OracleConfigUpdatedV1{
		Signers:        cfg.Signers,
		Threshold:      cfg.Threshold,
		TimeoutSeconds: int64(cfg.Timeout.Seconds()),
	})
	return nil
}
