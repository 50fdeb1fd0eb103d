package denom

import (
	"errors"
	"testing"
)

func TestAmount(t *testing.T) {
	t.Parallel()

	got, err := Amount(Tier1)
	if err != nil {
		t.Fatalf("Amount(Tier1): %v", err)
	}
	if got != 100 {
		t.Fatalf("Amount(Tier1): got %d want 100", got)
	}

	if _, err := Amount(Tier(9)); !errors.Is(err, ErrInvalidTier) {
		t.Fatalf("expected ErrInvalidTier, got %v", err)
	}
	if _, err := Amount(TierUnknown); !errors.Is(err, ErrInvalidTier) {
		t.Fatalf("expected ErrInvalidTier for zero tier, got %v", err)
	}
}

func TestTiersAscending(t *testing.T) {
	t.Parallel()

	var prev uint64
	for _, tier := range Tiers() {
		amt, err := Amount(tier)
		if err != nil {
			t.Fatalf("Amount(%v): %v", tier, err)
		}
		if amt <= prev {
			t.Fatalf("tier amounts not ascending: %d after %d", amt, prev)
		}
		prev = amt
	}
}
