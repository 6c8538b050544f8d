package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/goccy/go-json"
)

// SecretsClient is the part of the Secrets Manager API used here
type SecretsClient interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsClient creates a Secrets Manager client from the default AWS
// credential chain
func NewSecretsClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// secret is the JSON stored in Secrets Manager. Credentials may be the
// service account file as an object or as a string.
type secret struct {
	BearerToken    string          `json:"bearer_token"`
	Credentials    json.RawMessage `json:"credentials"`
	VaultURL       string          `json:"vault_url"`
	VaultID        string          `json:"vault_id"`
	AccountID      string          `json:"account_id"`
	TableName      string          `json:"table_name"`
	InputPassword  string          `json:"input_password"`
	OutputPassword string          `json:"output_password"`
}

// ResolveSecrets fills empty fields of cfg from the secret named in
// skyflow.secret_name. It does nothing when no secret is configured.
func ResolveSecrets(ctx context.Context, cfg *Config, client SecretsClient) error {
	name := cfg.Skyflow.SecretName
	if name == "" {
		return nil
	}

	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("failed to get secret %s: %w", name, err)
	}
	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", name)
	}

	var sec secret
	if err := json.Unmarshal([]byte(*result.SecretString), &sec); err != nil {
		return fmt.Errorf("failed to parse secret JSON: %w", err)
	}

	s := &cfg.Skyflow
	fill(&s.VaultURL, sec.VaultURL)
	fill(&s.VaultID, sec.VaultID)
	fill(&s.AccountID, sec.AccountID)
	fill(&s.TableName, sec.TableName)
	fill(&cfg.Input.Password, sec.InputPassword)
	fill(&cfg.Output.Password, sec.OutputPassword)

	// A token or credentials already in the config win over the secret
	if s.BearerToken != "" || s.CredentialsPath != "" {
		return nil
	}
	if sec.BearerToken != "" {
		s.BearerToken = sec.BearerToken
		return nil
	}
	if len(sec.Credentials) > 0 && string(sec.Credentials) != "null" {
		var asString string
		if err := json.Unmarshal(sec.Credentials, &asString); err == nil {
			s.CredentialsJSON = asString
		} else {
			s.CredentialsJSON = string(sec.Credentials)
		}
	}
	return nil
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}
