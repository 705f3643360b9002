// Package mainconfig holds setup shared by the cmd entrypoints.
package mainconfig

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	appconfig "github.com/wellnest/marketplace-api/internal/config"
)

// LoadAWSConfig builds the SDK config used for SQS and SES. Static keys win
// over the default chain, and AWS_ENDPOINT_OVERRIDE points every client at
// LocalStack.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	if cfg == nil {
		return aws.Config{}, fmt.Errorf("mainconfig: config is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}

	keyID := strings.TrimSpace(cfg.AWSAccessKeyID)
	secret := strings.TrimSpace(cfg.AWSSecretAccessKey)
	if keyID != "" && secret != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(keyID, secret, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("mainconfig: load aws config: %w", err)
	}
	if endpoint := strings.TrimSpace(cfg.AWSEndpointOverride); endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(endpoint)
	}
	return awsCfg, nil
}
