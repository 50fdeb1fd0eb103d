// Package intent is the escrow sub-protocol for cross-asset exits.
//
// A withdrawal that names a destination hash does not pay out directly.
// Instead the share is locked under an intent record that a solver claims,
// and released to the solver once a threshold of configured oracle signers
// attest that the off-ledger payment happened. If no attestation quorum
// forms before the timeout, the lock expires and the original recipient is
// refunded.
package intent

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// MinTimeout is the floor for the escrow timeout. A shorter timeout
	// would let locks expire before any oracle could plausibly observe and
	// attest the off-ledger payment.
	MinTimeout = 5 * time.Minute

	// DefaultTimeout applies when no oracle configuration was installed.
	DefaultTimeout = 24 * time.Hour

	confirmDomainTag = "umbra/intent-confirm/v1"
)

var (
	ErrInvalidInput     = errors.New("intent: invalid input")
	ErrInvalidConfig    = errors.New("intent: invalid oracle config")
	ErrInvalidSignature = errors.New("intent: invalid signature")
	ErrNotFound         = errors.New("intent: not found")
	ErrNotClaimable     = errors.New("intent: not claimable")
	ErrNotClaimed       = errors.New("intent: not claimed")
	ErrNotAnOracle      = errors.New("intent: not an oracle")
	ErrAlreadyConfirmed = errors.New("intent: oracle already confirmed")
	ErrThresholdNotMet  = errors.New("intent: confirmation threshold not met")
	ErrNotExpired       = errors.New("intent: timeout not elapsed")
	ErrFinalized        = errors.New("intent: already finalized")
)

// Status is the escrow lifecycle state. SETTLED and EXPIRED are terminal.
type Status uint8

const (
	StatusCreated Status = iota + 1
	StatusClaimed
	StatusSettled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusClaimed:
		return "CLAIMED"
	case StatusSettled:
		return "SETTLED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Intent is one escrow record. Amount stays held by the engine until the
// record reaches a terminal state.
type Intent struct {
	ID              uint64
	Amount          uint64
	DestinationHash [32]byte
	Recipient       common.Address
	Solver          common.Address
	CreatedAt       time.Time
	Status          Status
	Confirmations   int
}

// OracleConfig is the trusted attestation set. Updates replace the whole
// signer set at once so a revoked signer never retains authority.
type OracleConfig struct {
	Signers   []common.Address
	Threshold int
	Timeout   time.Duration
}

func (c OracleConfig) Validate() error {
	if len(c.Signers) == 0 {
		return fmt.Errorf("%w: signers must be non-empty", ErrInvalidConfig)
	}
	seen := make(map[common.Address]struct{}, len(c.Signers))
	for i, s := range c.Signers {
		if s == (common.Address{}) {
			return fmt.Errorf("%w: signer at index %d is zero", ErrInvalidConfig, i)
		}
		if _, ok := seen[s]; ok {
			return fmt.Errorf("%w: duplicate signer %s", ErrInvalidConfig, s.Hex())
		}
		seen[s] = struct{}{}
	}
	if c.Threshold < 1 || c.Threshold > len(c.Signers) {
		return fmt.Errorf("%w: threshold %d outside [1, %d]", ErrInvalidConfig, c.Threshold, len(c.Signers))
	}
	if c.Timeout < MinTimeout {
		return fmt.Errorf("%w: timeout %s below floor %s", ErrInvalidConfig, c.Timeout, MinTimeout)
	}
	return nil
}

// IsSigner reports whether addr is in the configured signer set.
func (c OracleConfig) IsSigner(addr common.Address) bool {
	for _, s := range c.Signers {
		if s == addr {
			return true
		}
	}
	return false
}

// ConfirmationDigest is what an oracle signs to attest an intent's
// off-ledger payment: a domain-separated hash over the intent id and its
// destination hash.
func ConfirmationDigest(id uint64, destinationHash [32]byte) common.Hash {
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], id)
	return crypto.Keccak256Hash([]byte(confirmDomainTag), idb[:], destinationHash[:])
}

// SignConfirmation produces a 65-byte signature r(32) || s(32) || v(1) over
// the confirmation digest, with v normalized to 27/28.
func SignConfirmation(key *ecdsa.PrivateKey, id uint64, destinationHash [32]byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil private key", ErrInvalidInput)
	}
	digest := ConfirmationDigest(id, destinationHash)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("intent: sign confirmation: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// RecoverConfirmer returns the address that signed a confirmation for the
// given intent. sig must be 65 bytes with v in {0,1,27,28}.
func RecoverConfirmer(id uint64, destinationHash [32]byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	s := make([]byte, 65)
	copy(s, sig)
	switch s[64] {
	case 0, 1:
	case 27, 28:
		s[64] -= 27
	default:
		return common.Address{}, fmt.Errorf("%w: bad v %d", ErrInvalidSignature, s[64])
	}

	digest := ConfirmationDigest(id, destinationHash)
	pub, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
