package zkproof

import (
	"context"

	"github.com/umbra-cash/umbra/internal/note"
)

// Stub is a Verifier for unit tests. It accepts any envelope whose proof
// bytes it was configured to trust and returns the envelope's own public
// inputs, reduced the same way the real verifier reduces them.
type Stub struct {
	// RejectAll forces every proof to fail verification.
	RejectAll bool

	// Fn, when set, replaces the default behavior entirely.
	Fn func(raw []byte) (PublicInputs, error)
}

func (s *Stub) Verify(_ context.Context, raw []byte) (PublicInputs, error) {
	if s.Fn != nil {
		return s.Fn(raw)
	}
	if s.RejectAll {
		return PublicInputs{}, ErrProofRejected
	}
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return PublicInputs{}, err
	}
	pub := env.PublicInputs()
	return PublicInputs{
		ZKCommitment: note.ReduceToField(pub.ZKCommitment),
		ZKNullifier:  note.ReduceToField(pub.ZKNullifier),
		Tier:         pub.Tier,
	}, nil
}

var _ Verifier = (*Stub)(nil)
