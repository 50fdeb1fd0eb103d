package zkproof

import (
	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// Curve returns the curve the membership circuit is compiled over.
func Curve() ecc.ID { return ecc.BN254 }

// MembershipCircuit proves knowledge of the secret and blinder behind a
// registered circuit-domain commitment without revealing them.
//
//	zkCommitment = MiMC(tier, secret, blinder)
//	zkNullifier  = MiMC(secret)
//
// Merkle membership is deliberately not proven in-circuit: the engine checks
// the supplied sibling path against its known-roots set itself, which keeps
// the circuit small and lets one proving key serve every historical root.
type MembershipCircuit struct {
	ZKCommitment frontend.Variable `gnark:",public"`
	ZKNullifier  frontend.Variable `gnark:",public"`
	Tier         frontend.Variable `gnark:",public"`

	Secret  frontend.Variable
	Blinder frontend.Variable
}

func (c *MembershipCircuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	h.Write(c.Tier, c.Secret, c.Blinder)
	api.AssertIsEqual(c.ZKCommitment, h.Sum())

	h.Reset()
	h.Write(c.Secret)
	api.AssertIsEqual(c.ZKNullifier, h.Sum())

	return nil
}
