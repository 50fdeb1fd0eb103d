// Package exchange defines the batch-swap boundary.
//
// The engine hands the whole pending input of a batch to an Adapter and
// measures the actual output by reading the recipient balance before and
// after; the adapter's own accounting is never trusted.
package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidConfig = errors.New("exchange: invalid config")
	ErrSwapFailed    = errors.New("exchange: swap failed")
)

// Swap describes one batch conversion.
type Swap struct {
	InputToken  common.Address
	OutputToken common.Address
	InputAmount uint64
	MinOutput   uint64
	Recipient   common.Address

	// Route is opaque routing data interpreted by the adapter (multi-hop
	// paths, venue selection, deadline). The engine passes it through.
	Route []byte
}

func (s Swap) Validate() error {
	if s.InputAmount == 0 {
		return fmt.Errorf("%w: zero input amount", ErrInvalidConfig)
	}
	if s.Recipient == (common.Address{}) {
		return fmt.Errorf("%w: zero recipient", ErrInvalidConfig)
	}
	return nil
}

// Adapter executes a swap. Implementations must be all-or-nothing: on error
// no input may have been consumed and no output produced.
type Adapter interface {
	Execute(ctx context.Context, s Swap) error
}
