// Package zkproof is the proving-system boundary for the private withdrawal
// path.
//
// The engine treats the prover as an opaque black box: a proof either
// verifies and yields its embedded public inputs, or it is rejected. The
// engine then equality-checks those public inputs against what the caller
// claims, so a valid proof for different parameters can never be replayed.
package zkproof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/umbra-cash/umbra/internal/denom"
)

const EnvelopeVersionV1 = "zkproof.envelope.v1"

var (
	ErrInvalidConfig   = errors.New("zkproof: invalid config")
	ErrInvalidEnvelope = errors.New("zkproof: invalid envelope")
	ErrProofRejected   = errors.New("zkproof: proof rejected")
)

// PublicInputs are the values a verified proof attests to. Wide field values
// are reduced into the BN254 scalar field before they land here, so they can
// be compared byte-for-byte with caller-supplied values after the same
// reduction.
type PublicInputs struct {
	ZKCommitment [32]byte
	ZKNullifier  [32]byte
	Tier         denom.Tier
}

// Verifier validates an opaque proof blob and returns its public inputs.
type Verifier interface {
	Verify(ctx context.Context, proof []byte) (PublicInputs, error)
}

// Envelope is the wire format for a proof blob: the raw Groth16 proof plus
// the public inputs the prover committed to.
type Envelope struct {
	Version string          `json:"version"`
	Proof   []byte          `json:"proof"`
	Public  envelopePublics `json:"public"`
}

type envelopePublics struct {
	ZKCommitment common.Hash `json:"zkCommitment"`
	ZKNullifier  common.Hash `json:"zkNullifier"`
	Tier         uint8       `json:"tier"`
}

// EncodeEnvelope serializes a proof and its public inputs.
func EncodeEnvelope(proof []byte, pub PublicInputs) ([]byte, error) {
	if len(proof) == 0 {
		return nil, fmt.Errorf("%w: empty proof", ErrInvalidEnvelope)
	}
	return json.Marshal(Envelope{
		Version: EnvelopeVersionV1,
		Proof:   proof,
		Public: envelopePublics{
			ZKCommitment: common.Hash(pub.ZKCommitment),
			ZKNullifier:  common.Hash(pub.ZKNullifier),
			Tier:         uint8(pub.Tier),
		},
	})
}

// DecodeEnvelope parses and validates the wire format.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Version != EnvelopeVersionV1 {
		return Envelope{}, fmt.Errorf("%w: unexpected version %q", ErrInvalidEnvelope, env.Version)
	}
	if len(env.Proof) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty proof", ErrInvalidEnvelope)
	}
	if _, err := denom.Amount(denom.Tier(env.Public.Tier)); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}

func (e Envelope) PublicInputs() PublicInputs {
	return PublicInputs{
		ZKCommitment: [32]byte(e.Public.ZKCommitment),
		ZKNullifier:  [32]byte(e.Public.ZKNullifier),
		Tier:         denom.Tier(e.Public.Tier),
	}
}
