// Package secrets resolves database passwords referenced from connect
// options. A password may live in AWS Secrets Manager, an environment
// variable, or inline plaintext (development only). Secrets Manager
// payloads are fetched once per ARN and cached for the life of the
// Cache.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretRef identifies a secret value from one of several sources.
// Exactly one of AwsSecretArn, InsecureValue, or EnvVar must be set.
type SecretRef struct {
	// AwsSecretArn is the ARN of an AWS Secrets Manager secret holding a
	// JSON object, the layout Secrets Manager uses for database
	// credentials. Key selects the field to extract, typically "password".
	AwsSecretArn string `json:"aws_secret_arn,omitempty"`
	Key          string `json:"key,omitempty"`

	// InsecureValue is a plaintext secret value. Use only for development.
	InsecureValue string `json:"insecure_value,omitempty"`

	// EnvVar is the name of an environment variable containing the secret.
	EnvVar string `json:"env_var,omitempty"`
}

// Validate checks that exactly one secret source is configured.
func (r SecretRef) Validate() error {
	sources := 0
	if r.AwsSecretArn != "" {
		sources++
	}
	if r.InsecureValue != "" {
		sources++
	}
	if r.EnvVar != "" {
		sources++
	}

	if sources == 0 {
		return errors.New("secret ref must have one of: aws_secret_arn, insecure_value, or env_var")
	}
	if sources > 1 {
		return errors.New("secret ref must have only one of: aws_secret_arn, insecure_value, or env_var")
	}

	if r.AwsSecretArn != "" && r.Key == "" {
		return errors.New("aws_secret_arn requires key to be set")
	}

	return nil
}

// SecretsManagerClient is the interface for AWS Secrets Manager
// operations. It allows injecting a mock for testing.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Cache resolves SecretRefs. Raw Secrets Manager payloads are cached by
// ARN; key extraction happens per lookup.
type Cache struct {
	mu     sync.Mutex
	raw    map[string]string
	client SecretsManagerClient
}

// NewCache creates a Cache with the given Secrets Manager client. The
// client may be nil if no refs use aws_secret_arn.
func NewCache(client SecretsManagerClient) *Cache {
	return &Cache{
		raw:    make(map[string]string),
		client: client,
	}
}

// NewCacheFromEnv creates a Cache using AWS config from the environment.
func NewCacheFromEnv(ctx context.Context) (*Cache, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewCache(secretsmanager.NewFromConfig(cfg)), nil
}

// Get retrieves the value for the given SecretRef.
func (sc *Cache) Get(ctx context.Context, ref SecretRef) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}

	if ref.InsecureValue != "" {
		return ref.InsecureValue, nil
	}

	if ref.EnvVar != "" {
		val, ok := os.LookupEnv(ref.EnvVar)
		if !ok {
			return "", fmt.Errorf("environment variable %q not set", ref.EnvVar)
		}
		return val, nil
	}

	payload, err := sc.payload(ctx, ref.AwsSecretArn)
	if err != nil {
		return "", err
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return "", fmt.Errorf("failed to parse secret %s as JSON: %w", ref.AwsSecretArn, err)
	}
	val, ok := data[ref.Key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret %s", ref.Key, ref.AwsSecretArn)
	}
	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("value at key %q is not a string (got %T)", ref.Key, val)
	}
	return str, nil
}

// payload returns the raw secret string for arn, fetching it at most
// once.
func (sc *Cache) payload(ctx context.Context, arn string) (string, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if payload, ok := sc.raw[arn]; ok {
		return payload, nil
	}

	if sc.client == nil {
		return "", fmt.Errorf("no secrets manager client configured for secret %s", arn)
	}

	output, err := sc.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", arn, err)
	}
	if output.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", arn)
	}

	sc.raw[arn] = *output.SecretString
	return *output.SecretString, nil
}
