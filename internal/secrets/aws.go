package secrets

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type secretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type awsProvider struct {
	client secretsManagerClient
}

func newAWSProvider(ctx context.Context) (Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return awsProvider{client: secretsmanager.NewFromConfig(cfg)}, nil
}

func (p awsProvider) Get(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty secret ref", ErrInvalidConfig)
	}

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &ref})
	if err != nil {
		return "", fmt.Errorf("secrets: get %q: %w", ref, err)
	}
	if out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "" {
		return strings.TrimSpace(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, ref)
}
