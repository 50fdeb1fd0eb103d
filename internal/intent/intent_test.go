package intent

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestOracleConfigValidate(t *testing.T) {
	t.Parallel()

	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")

	tests := []struct {
		name string
		cfg  OracleConfig
		ok   bool
	}{
		{name: "valid", cfg: OracleConfig{Signers: []common.Address{a, b}, Threshold: 2, Timeout: time.Hour}, ok: true},
		{name: "threshold one", cfg: OracleConfig{Signers: []common.Address{a}, Threshold: 1, Timeout: MinTimeout}, ok: true},
		{name: "no signers", cfg: OracleConfig{Threshold: 1, Timeout: time.Hour}},
		{name: "zero signer", cfg: OracleConfig{Signers: []common.Address{{}}, Threshold: 1, Timeout: time.Hour}},
		{name: "duplicate signer", cfg: OracleConfig{Signers: []common.Address{a, a}, Threshold: 1, Timeout: time.Hour}},
		{name: "threshold zero", cfg: OracleConfig{Signers: []common.Address{a}, Threshold: 0, Timeout: time.Hour}},
		{name: "threshold above count", cfg: OracleConfig{Signers: []common.Address{a, b}, Threshold: 3, Timeout: time.Hour}},
		{name: "timeout below floor", cfg: OracleConfig{Signers: []common.Address{a}, Threshold: 1, Timeout: MinTimeout - time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("validate: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfirmationSignRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey)

	var dest [32]byte
	dest[0] = 0xab

	sig, err := SignConfirmation(key, 7, dest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("v = %d, want 27 or 28", sig[64])
	}

	got, err := RecoverConfirmer(7, dest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != want {
		t.Fatalf("recovered %s, want %s", got.Hex(), want.Hex())
	}

	// A signature over intent 7 must not recover to the same signer for
	// intent 8.
	other, err := RecoverConfirmer(8, dest, sig)
	if err == nil && other == want {
		t.Fatalf("signature valid across intent ids")
	}
}

func TestRecoverConfirmerRejectsMalformed(t *testing.T) {
	t.Parallel()

	var dest [32]byte
	if _, err := RecoverConfirmer(1, dest, make([]byte, 64)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("short sig err = %v, want ErrInvalidSignature", err)
	}

	bad := make([]byte, 65)
	bad[64] = 99
	if _, err := RecoverConfirmer(1, dest, bad); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("bad v err = %v, want ErrInvalidSignature", err)
	}
}

func TestConfirmationDigestDomainSeparated(t *testing.T) {
	t.Parallel()

	var a, b [32]byte
	a[0], b[0] = 1, 2

	if ConfirmationDigest(1, a) == ConfirmationDigest(2, a) {
		t.Fatalf("digest ignores intent id")
	}
	if ConfirmationDigest(1, a) == ConfirmationDigest(1, b) {
		t.Fatalf("digest ignores destination hash")
	}
}
