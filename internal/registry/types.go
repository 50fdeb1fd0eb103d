package registry

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/umbra-cash/umbra/internal/denom"
)

// Commitment is the durable record of one accepted deposit. It is written
// once at deposit time and never mutated; the leaf index and owning batch id
// are assigned at insertion and bind the deposit forever.
type Commitment struct {
	Value     [32]byte
	LeafIndex uint64
	BatchID   uint64
	Tier      denom.Tier
	Depositor common.Address
}

func (c Commitment) Validate() error {
	if c.Value == ([32]byte{}) {
		return fmt.Errorf("%w: zero commitment", ErrInvalidInput)
	}
	if _, err := denom.Amount(c.Tier); err != nil {
		return err
	}
	if c.Depositor == (common.Address{}) {
		return fmt.Errorf("%w: zero depositor", ErrInvalidInput)
	}
	return nil
}

// Domain selects one of the two independent nullifier spaces. The legacy and
// private withdrawal paths derive their spend tokens differently, so a spend
// in one space never blocks the other.
type Domain uint8

const (
	DomainLegacy Domain = iota + 1
	DomainZK
)

func (d Domain) String() string {
	switch d {
	case DomainLegacy:
		return "legacy"
	case DomainZK:
		return "zk"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(d))
	}
}
