// Package note derives the commitment and nullifier values that bind a
// deposit to its withdrawal.
//
// Two cryptographic domains are in play. The legacy withdrawal path derives
// both values with keccak256 over tagged preimages. The private withdrawal
// path operates over the BN254 scalar field, so wide 32-byte values must be
// reduced into that field before they can be compared with circuit outputs.
package note

import (
	"encoding/binary"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"golang.org/x/crypto/sha3"
)

const (
	commitmentPrefixV1 = "umbra/commitment/v1"
	nullifierPrefixV1  = "umbra/nullifier/v1"
)

// Commitment computes the canonical legacy commitment.
//
//	commitment = keccak256("umbra/commitment/v1" || amountBE8 || secret || blinder)
//
// The same derivation runs at deposit time (client side) and at withdrawal
// time (engine side); the engine never learns secret or blinder until the
// depositor chooses the revealed-secret exit.
func Commitment(amount uint64, secret, blinder [32]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(commitmentPrefixV1))

	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], amount)
	_, _ = h.Write(amt[:])
	_, _ = h.Write(secret[:])
	_, _ = h.Write(blinder[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Nullifier computes the one-time spend token for the legacy path.
//
//	nullifier = keccak256("umbra/nullifier/v1" || secret)
func Nullifier(secret [32]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(nullifierPrefixV1))
	_, _ = h.Write(secret[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ReduceToField reduces a wide 32-byte big-endian value into the BN254 scalar
// field and returns its canonical 32-byte encoding. Keccak outputs exceed the
// field modulus roughly five times in six, so every value that crosses into
// the proving domain (tree leaves, public-input comparisons) goes through
// this reduction.
func ReduceToField(v [32]byte) [32]byte {
	var e fr.Element
	e.SetBytes(v[:])
	return e.Bytes()
}

// InField reports whether v is already a canonical BN254 scalar encoding.
func InField(v [32]byte) bool {
	return ReduceToField(v) == v
}
