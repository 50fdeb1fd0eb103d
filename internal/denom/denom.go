// Package denom defines the fixed denomination tiers accepted by the pool.
//
// Deposits never carry free-form amounts; every deposit resolves one of a
// small number of tiers so that deposits within a tier are indistinguishable.
package denom

import (
	"errors"
	"fmt"
)

var ErrInvalidTier = errors.New("denom: invalid tier")

type Tier uint8

const (
	TierUnknown Tier = iota
	Tier1
	Tier2
	Tier3
	Tier4
)

// amounts is the canonical tier table in base units of the input asset.
var amounts = map[Tier]uint64{
	Tier1: 100,
	Tier2: 1_000,
	Tier3: 10_000,
	Tier4: 100_000,
}

// Amount resolves a tier to its fixed deposit amount.
func Amount(t Tier) (uint64, error) {
	amt, ok := amounts[t]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTier, uint8(t))
	}
	return amt, nil
}

// Tiers returns all valid tiers in ascending amount order.
func Tiers() []Tier {
	return []Tier{Tier1, Tier2, Tier3, Tier4}
}

func (t Tier) String() string {
	if _, ok := amounts[t]; !ok {
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
	return fmt.Sprintf("tier-%d", uint8(t))
}
