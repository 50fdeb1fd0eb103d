package zkproof

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"

	"github.com/umbra-cash/umbra/internal/note"
)

// GnarkVerifier validates Groth16 proofs for the membership circuit against
// a fixed verifying key.
type GnarkVerifier struct {
	vk groth16.VerifyingKey
}

// NewGnarkVerifier parses a serialized verifying key (the output of a
// trusted setup for MembershipCircuit).
func NewGnarkVerifier(vkBytes []byte) (*GnarkVerifier, error) {
	if len(vkBytes) == 0 {
		return nil, fmt.Errorf("%w: empty verifying key", ErrInvalidConfig)
	}
	vk := groth16.NewVerifyingKey(Curve())
	if _, err := vk.ReadFrom(bytes.NewReader(vkBytes)); err != nil {
		return nil, fmt.Errorf("%w: parse verifying key: %v", ErrInvalidConfig, err)
	}
	return &GnarkVerifier{vk: vk}, nil
}

func (v *GnarkVerifier) Verify(_ context.Context, raw []byte) (PublicInputs, error) {
	if v == nil || v.vk == nil {
		return PublicInputs{}, fmt.Errorf("%w: nil verifier", ErrInvalidConfig)
	}

	env, err := DecodeEnvelope(raw)
	if err != nil {
		return PublicInputs{}, err
	}
	pub := env.PublicInputs()

	proof := groth16.NewProof(Curve())
	if _, err := proof.ReadFrom(bytes.NewReader(env.Proof)); err != nil {
		return PublicInputs{}, fmt.Errorf("%w: parse proof: %v", ErrProofRejected, err)
	}

	// Public witness values live in the scalar field; reduce before binding.
	cm := note.ReduceToField(pub.ZKCommitment)
	nf := note.ReduceToField(pub.ZKNullifier)
	assignment := &MembershipCircuit{
		ZKCommitment: new(big.Int).SetBytes(cm[:]),
		ZKNullifier:  new(big.Int).SetBytes(nf[:]),
		Tier:         uint64(pub.Tier),
	}
	pubWitness, err := frontend.NewWitness(assignment, Curve().ScalarField(), frontend.PublicOnly())
	if err != nil {
		return PublicInputs{}, fmt.Errorf("%w: build public witness: %v", ErrProofRejected, err)
	}

	if err := groth16.Verify(proof, v.vk, pubWitness); err != nil {
		return PublicInputs{}, fmt.Errorf("%w: %v", ErrProofRejected, err)
	}

	return PublicInputs{
		ZKCommitment: cm,
		ZKNullifier:  nf,
		Tier:         pub.Tier,
	}, nil
}

var _ Verifier = (*GnarkVerifier)(nil)
