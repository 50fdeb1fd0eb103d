package intent

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists escrow records and the oracle configuration. Every
// transition is a compare-and-set: the store checks the current status
// inside its own synchronization, so two racing callers can never both win
// the same transition.
type Store interface {
	// Create allocates the next intent id and stores a CREATED record.
	Create(ctx context.Context, amount uint64, destinationHash [32]byte, recipient common.Address, at time.Time) (Intent, error)

	// Get returns the record for id, ErrNotFound otherwise.
	Get(ctx context.Context, id uint64) (Intent, error)

	// Claim moves CREATED to CLAIMED and records the solver. Fails with
	// ErrNotClaimable for any other status.
	Claim(ctx context.Context, id uint64, solver common.Address) (Intent, error)

	// Confirm records one oracle's attestation on a CLAIMED intent and
	// returns the updated record. The oracle must be in the current signer
	// set (ErrNotAnOracle) and must not have confirmed this intent before
	// (ErrAlreadyConfirmed).
	Confirm(ctx context.Context, id uint64, oracle common.Address) (Intent, error)

	// Confirmed reports whether oracle already attested intent id.
	Confirmed(ctx context.Context, id uint64, oracle common.Address) (bool, error)

	// Settle moves CLAIMED to SETTLED once the confirmation count has
	// reached the configured threshold. ErrThresholdNotMet below it,
	// ErrNotClaimed or ErrFinalized for wrong status.
	Settle(ctx context.Context, id uint64) (Intent, error)

	// Expire moves CREATED or CLAIMED to EXPIRED once at is past the
	// record's creation time plus the configured timeout. ErrNotExpired
	// when too early, ErrFinalized when already terminal.
	Expire(ctx context.Context, id uint64, at time.Time) (Intent, error)

	// Config returns the current oracle configuration. When none was ever
	// installed it returns a zero-signer config with DefaultTimeout.
	Config(ctx context.Context) (OracleConfig, error)

	// SetConfig validates cfg and replaces the whole configuration
	// atomically. Confirmations already recorded on open intents are kept;
	// only signers in the new set may add more.
	SetConfig(ctx context.Context, cfg OracleConfig) error
}
