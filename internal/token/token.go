// Package token defines the asset-transfer boundary the engine consumes.
//
// The engine never trusts amounts reported by collaborators; it reads
// balances before and after an external call and works with the delta.
package token

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrTransferRejected      = errors.New("token: transfer rejected")
)

// Ledger is a single-asset transfer interface. One Ledger instance exists per
// asset; the engine holds one for the deposit asset and one for the converted
// asset. Implementations must treat every failed transfer as a hard error
// with no partial movement.
type Ledger interface {
	// TransferFrom moves amount from `from` to `to` using an allowance the
	// holder granted to the engine account.
	TransferFrom(ctx context.Context, from, to common.Address, amount uint64) error

	// Transfer moves amount out of the engine account.
	Transfer(ctx context.Context, to common.Address, amount uint64) error

	// Approve grants spender an allowance over the engine account's funds.
	Approve(ctx context.Context, spender common.Address, amount uint64) error

	BalanceOf(ctx context.Context, owner common.Address) (uint64, error)
}
