// Package awsauth handles per-request role assumption. Image requests may
// name separate IAM roles for reading imagery and for invoking the model;
// both resolve to derived AWS configs here.
package awsauth

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// AssumeRole returns a copy of base whose credentials come from assuming the
// given role. An empty role ARN returns base unchanged.
func AssumeRole(base aws.Config, roleARN string) aws.Config {
	if roleARN == "" {
		return base
	}
	stsClient := sts.NewFromConfig(base)
	provider := stscreds.NewAssumeRoleProvider(stsClient, roleARN)
	cfg := base.Copy()
	cfg.Credentials = aws.NewCredentialsCache(provider)
	return cfg
}

// GDALCredentialEnv resolves the config's credentials into the GDAL
// configuration options that make /vsis3/ reads use them. Returns nil when
// the config has no credentials provider.
func GDALCredentialEnv(ctx context.Context, cfg aws.Config) ([]string, error) {
	if cfg.Credentials == nil {
		return nil, nil
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve credentials: %w", err)
	}
	env := []string{
		"AWS_ACCESS_KEY_ID=" + creds.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY=" + creds.SecretAccessKey,
	}
	if creds.SessionToken != "" {
		env = append(env, "AWS_SESSION_TOKEN="+creds.SessionToken)
	}
	if cfg.Region != "" {
		env = append(env, "AWS_REGION="+cfg.Region)
	}
	return env, nil
}
