package exchange

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Minter credits freshly converted output to an account. The memory token
// ledger satisfies this in tests and dev deployments.
type Minter interface {
	Mint(owner common.Address, amount uint64)
}

// FixedRate converts at out = in * RateNum / RateDen, rounding down. It backs
// dev deployments and tests where no real venue exists.
type FixedRate struct {
	Out     Minter
	RateNum uint64
	RateDen uint64
}

func NewFixedRate(out Minter, num, den uint64) (*FixedRate, error) {
	if out == nil {
		return nil, fmt.Errorf("%w: nil output minter", ErrInvalidConfig)
	}
	if den == 0 {
		return nil, fmt.Errorf("%w: zero rate denominator", ErrInvalidConfig)
	}
	return &FixedRate{Out: out, RateNum: num, RateDen: den}, nil
}

func (f *FixedRate) Execute(_ context.Context, s Swap) error {
	if err := s.Validate(); err != nil {
		return err
	}

	out := new(big.Int).SetUint64(s.InputAmount)
	out.Mul(out, new(big.Int).SetUint64(f.RateNum))
	out.Div(out, new(big.Int).SetUint64(f.RateDen))
	if !out.IsUint64() {
		return fmt.Errorf("%w: output overflows uint64", ErrSwapFailed)
	}

	amount := out.Uint64()
	if amount < s.MinOutput {
		return fmt.Errorf("%w: output %d below min %d", ErrSwapFailed, amount, s.MinOutput)
	}

	f.Out.Mint(s.Recipient, amount)
	return nil
}

var _ Adapter = (*FixedRate)(nil)
