package secrets

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParsePrivateKey parses a secp256k1 private key from hex, with or without a
// 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if hexKey == "" {
		return nil, fmt.Errorf("%w: empty private key", ErrInvalidConfig)
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: parse private key: %w", err)
	}
	return key, nil
}

// LoadPrivateKey resolves ref through the resolver and parses the result as a
// private key.
func LoadPrivateKey(ctx context.Context, r *Resolver, ref string) (*ecdsa.PrivateKey, error) {
	v, err := r.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(v)
}

// KeyAddress returns the Ethereum-style address for a private key.
func KeyAddress(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// EnsurePrivateKeyFile loads a private key from path, generating one if the
// file does not exist. Keys are stored as lowercase hex without 0x prefix,
// mode 0600. The second return reports whether a new key was generated.
func EnsurePrivateKeyFile(path string) (*ecdsa.PrivateKey, bool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false, fmt.Errorf("%w: key path required", ErrInvalidConfig)
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, parseErr := ParsePrivateKey(string(raw))
		if parseErr != nil {
			return nil, false, fmt.Errorf("secrets: parse key file %s: %w", path, parseErr)
		}
		return key, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("secrets: read key file %s: %w", path, err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, false, fmt.Errorf("secrets: generate key: %w", err)
	}
	keyHex := strings.ToLower(common.Bytes2Hex(crypto.FromECDSA(key)))

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("secrets: create key dir: %w", err)
	}
	if err := writeFile0600(path, []byte(keyHex+"\n")); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

func writeFile0600(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("secrets: open key for write %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("secrets: write key %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("secrets: sync key %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("secrets: close key %s: %w", path, err)
	}
	return nil
}
