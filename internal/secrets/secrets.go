package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	DriverEnv = "env"
	DriverAWS = "aws"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

// Provider resolves a secret reference to its value. References are
// provider-specific: an env var name, or an AWS secret id optionally
// suffixed with "#field" to select one key of a JSON secret.
type Provider interface {
	Get(ctx context.Context, ref string) (string, error)
}

// New returns the provider for driver. The aws driver loads the default AWS
// config chain (env, shared config, instance role).
func New(ctx context.Context, driver string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverEnv:
		return NewEnv(), nil
	case DriverAWS:
		return NewAWS(ctx)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
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

func (p *AWSProvider) Get(ctx context.Context, ref string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	id, field, _ := strings.Cut(strings.TrimSpace(ref), "#")
	if id == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}

	var raw string
	switch {
	case out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "":
		raw = *out.SecretString
	case len(out.SecretBinary) > 0:
		raw = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}
	if field == "" {
		return strings.TrimSpace(raw), nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("secrets: secret %q is not a JSON object: %w", id, err)
	}
	v, ok := fields[field].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: secret %q has no string field %q", ErrNotFound, id, field)
	}
	return strings.TrimSpace(v), nil
}

type EnvProvider struct {
	lookup func(string) (string, bool)
}

func NewEnv() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

func (p *EnvProvider) Get(_ context.Context, ref string) (string, error) {
	if p == nil || p.lookup == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v, _ := p.lookup(ref)
	if v = strings.TrimSpace(v); v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, ref)
	}
	return v, nil
}
