package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/umbra-cash/umbra/internal/events"
	"github.com/umbra-cash/umbra/internal/registry"
	"github.com/umbra-cash/umbra/internal/token"
	"github.com/umbra-cash/umbra/internal/withdraw"
)

// WithdrawalRequest carries the payout routing shared by both proof paths.
// When DestinationHash is set the share is escrowed under an intent instead
// of being transferred to the recipient; FeeBps, when nonzero, pays the
// relayer that submitted the request on the withdrawer's behalf.
type WithdrawalRequest struct {
	Recipient       common.Address
	Relayer         common.Address
	FeeBps          uint32
	DestinationHash [32]byte
}

// WithdrawalReceipt reports where an authorized share went.
type WithdrawalReceipt struct {
	Share      uint64
	RelayerFee uint64
	Paid       uint64
	BatchID    uint64

	// IntentID is set when the share was escrowed instead of paid out.
	IntentID uint64
}

func (r WithdrawalRequest) validate() error {
	if r.Recipient == (common.Address{}) {
		return fmt.Errorf("%w: zero recipient", ErrInvalidInput)
	}
	if r.FeeBps > withdraw.MaxRelayerFeeBps {
		return fmt.Errorf("%w: %d bps", withdraw.ErrFeeTooHigh, r.FeeBps)
	}
	if r.FeeBps > 0 && r.Relayer == (common.Address{}) {
		return fmt.Errorf("%w: fee without relayer", ErrInvalidInput)
	}
	return nil
}

// WithdrawLegacy runs the revealed-secret exit path.
func (e *Engine) WithdrawLegacy(ctx context.Context, proof withdraw.LegacyRequest, req WithdrawalRequest) (WithdrawalReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Routing is validated before any authorization work happens.
	if err := req.validate(); err != nil {
		return WithdrawalReceipt{}, err
	}

	auth, err := e.auth.AuthorizeLegacy(ctx, proof)
	if err != nil {
		return WithdrawalReceipt{}, err
	}
	return e.payout(ctx, auth, req)
}

// WithdrawZK runs the zero-knowledge exit path.
func (e *Engine) WithdrawZK(ctx context.Context, proof withdraw.ZKRequest, req WithdrawalRequest) (WithdrawalReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := req.validate(); err != nil {
		return WithdrawalReceipt{}, err
	}

	auth, err := e.auth.AuthorizeZK(ctx, proof)
	if err != nil {
		return WithdrawalReceipt{}, err
	}
	return e.payout(ctx, auth, req)
}

// payout burns the nullifier and distributes an authorized share: relayer
// fee first, then either a direct transfer or an escrow lock for cross-asset
// exits. The share must be payable before the burn; a spend followed by a
// failed transfer would strand the deposit with nothing paid out.
func (e *Engine) payout(ctx context.Context, auth withdraw.Authorization, req WithdrawalRequest) (WithdrawalReceipt, error) {
	fee, rest, err := withdraw.SplitFee(auth.Share, req.FeeBps)
	if err != nil {
		return WithdrawalReceipt{}, err
	}

	balance, err := e.payouts.BalanceOf(ctx, e.account)
	if err != nil {
		return WithdrawalReceipt{}, err
	}
	if balance < auth.Share {
		return WithdrawalReceipt{}, fmt.Errorf("%w: pool holds %d, share is %d", token.ErrInsufficientBalance, balance, auth.Share)
	}

	if err := e.auth.Spend(ctx, auth); err != nil {
		return WithdrawalReceipt{}, err
	}

	if fee > 0 {
		if err := e.payouts.Transfer(ctx, req.Relayer, fee); err != nil {
			return WithdrawalReceipt{}, err
		}
	}

	receipt := WithdrawalReceipt{
		Share:      auth.Share,
		RelayerFee: fee,
		BatchID:    auth.BatchID,
	}

	if req.DestinationHash != ([32]byte{}) {
		in, err := e.intents.Create(ctx, rest, req.DestinationHash, req.Recipient, e.now().UTC())
		if err != nil {
			return WithdrawalReceipt{}, err
		}
		receipt.IntentID = in.ID

		e.emit(ctx, events.TypeWithdrawalIntent, events.WithdrawalIntentV1{
			IntentID:        in.ID,
			Amount:          in.Amount,
			DestinationHash: common.Hash(in.DestinationHash),
		})
		e.emit(ctx, events.TypeIntentCreated, events.IntentCreatedV1{
			IntentID: in.ID,
			Amount:   in.Amount,
		})
	} else {
		if err := e.payouts.Transfer(ctx, req.Recipient, rest); err != nil {
			return WithdrawalReceipt{}, err
		}
		receipt.Paid = rest

		eventType := events.TypeWithdrawal
		if auth.Domain == registry.DomainZK {
			eventType = events.TypePrivateWithdrawal
		}
		e.emit(ctx, eventType, events.WithdrawalV1{
			Nullifier: common.Hash(auth.Nullifier),
			Recipient: req.Recipient,
			Amount:    rest,
			BatchID:   auth.BatchID,
		})
	}
	return receipt, nil
}
