// Package secrets resolves deployment credentials - operator and oracle key
// material - from AWS Secrets Manager or the process environment.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", key, err)
	}
	if out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "" {
		return strings.TrimSpace(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Resolver dispatches a reference of the form "env:NAME" or "aws:SECRET_ID"
// to the matching provider. A bare reference defaults to env.
type Resolver struct {
	Env Provider
	AWS Provider
}

func NewResolver(env, aws Provider) *Resolver {
	return &Resolver{Env: env, AWS: aws}
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil resolver", ErrInvalidConfig)
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty secret reference", ErrInvalidConfig)
	}

	scheme, key := "env", ref
	if i := strings.Index(ref, ":"); i > 0 {
		scheme, key = strings.ToLower(ref[:i]), ref[i+1:]
	}

	switch scheme {
	case "env":
		if r.Env == nil {
			return "", fmt.Errorf("%w: no env provider configured", ErrInvalidConfig)
		}
		return r.Env.Get(ctx, key)
	case "aws":
		if r.AWS == nil {
			return "", fmt.Errorf("%w: no aws provider configured", ErrInvalidConfig)
		}
		return r.AWS.Get(ctx, key)
	default:
		return "", fmt.Errorf("%w: unknown secret scheme %q", ErrInvalidConfig, scheme)
	}
}
