package secrets

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWSSecretsManagerProvider reads secrets from AWS Secrets Manager under a name prefix.
type AWSSecretsManagerProvider struct {
	client *secretsmanager.Client
	prefix string
}

func NewAWSSecretsManagerProvider(ctx context.Context, region, prefix string) (*AWSSecretsManagerProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AWSSecretsManagerProvider{
		client: secretsmanager.NewFromConfig(cfg),
		prefix: prefix,
	}, nil
}

func (p *AWSSecretsManagerProvider) GetSecret(ctx context.Context, key string) (string, error) {
	result, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.prefix + key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", key)
	}
	return *result.SecretString, nil
}
