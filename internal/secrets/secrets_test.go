package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type fakeAWSClient struct {
	out *secretsmanager.GetSecretValueOutput
	err error
}

func (c *fakeAWSClient) GetSecretValue(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

func TestEnvProvider(t *testing.T) {
	const key = "UMBRA_KEY_TEST_ENV"
	t.Setenv(key, "  super-secret  ")
	p := NewEnv()
	got, err := p.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "super-secret" {
		t.Fatalf("value mismatch: got %q", got)
	}

	if _, err := p.Get(context.Background(), "MISSING_ENV_KEY_XYZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAWSProvider(t *testing.T) {
	t.Parallel()

	p, err := NewAWSWithClient(&fakeAWSClient{
		out: &secretsmanager.GetSecretValueOutput{
			SecretString: strPtr(" secret "),
		},
	})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	got, err := p.Get(context.Background(), "arn:aws:secretsmanager:us-east-1:123:secret:test")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "secret" {
		t.Fatalf("secret mismatch: got %q", got)
	}

	p2, err := NewAWSWithClient(&fakeAWSClient{out: &secretsmanager.GetSecretValueOutput{}})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	if _, err := p2.Get(context.Background(), "empty"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolver(t *testing.T) {
	const key = "UMBRA_RESOLVER_TEST_ENV"
	t.Setenv(key, "from-env")

	r := NewResolver(NewEnv(), mustAWS(t, &fakeAWSClient{
		out: &secretsmanager.GetSecretValueOutput{SecretString: strPtr("from-aws")},
	}))

	got, err := r.Resolve(context.Background(), "env:"+key)
	if err != nil || got != "from-env" {
		t.Fatalf("env resolve = (%q, %v)", got, err)
	}

	// Bare references default to env.
	got, err = r.Resolve(context.Background(), key)
	if err != nil || got != "from-env" {
		t.Fatalf("bare resolve = (%q, %v)", got, err)
	}

	got, err = r.Resolve(context.Background(), "aws:some-secret-id")
	if err != nil || got != "from-aws" {
		t.Fatalf("aws resolve = (%q, %v)", got, err)
	}

	if _, err := r.Resolve(context.Background(), "vault:x"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unknown scheme err = %v, want ErrInvalidConfig", err)
	}
}

func TestParsePrivateKey(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	hexKey := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))

	parsed, err := ParsePrivateKey(hexKey)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if KeyAddress(parsed) != KeyAddress(key) {
		t.Fatalf("address mismatch after round trip")
	}

	if _, err := ParsePrivateKey(""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty key err = %v, want ErrInvalidConfig", err)
	}
	if _, err := ParsePrivateKey("zz"); err == nil {
		t.Fatalf("expected error for bad hex")
	}
}

func TestEnsurePrivateKeyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys", "operator.key")

	key, generated, err := EnsurePrivateKeyFile(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !generated {
		t.Fatalf("expected fresh key to be generated")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	// Second call loads the same key.
	again, generated, err := EnsurePrivateKeyFile(path)
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if generated {
		t.Fatalf("expected existing key to be loaded")
	}
	if KeyAddress(again) != KeyAddress(key) {
		t.Fatalf("loaded key differs from generated key")
	}
}

func mustAWS(t *testing.T, client awsClient) *AWSProvider {
	t.Helper()
	p, err := NewAWSWithClient(client)
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	return p
}

func strPtr(v string) *string { return &v }
