package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyflow-batch-tokenizer/internal/skyflow"
	"skyflow-batch-tokenizer/pkg/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() *Config {
	cfg := Defaults()
	cfg.Skyflow.VaultURL = "abc.vault.skyflowapis.com"
	cfg.Skyflow.VaultID = "v1"
	cfg.Skyflow.TableName = "persons"
	cfg.Skyflow.BearerToken = "token"
	cfg.Input.Path = "in.csv"
	cfg.Output.Path = "out.csv"
	return cfg
}

func TestWriteTemplate(t *testing.T) {
	g := goldie.New(t)
	for _, kind := range TemplateKinds {
		t.Run(kind, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteTemplate(&buf, kind))
			g.Assert(t, "TestWriteTemplate_"+kind, buf.Bytes())

			// every template loads and validates as written
			path := filepath.Join(t.TempDir(), "config.ini")
			require.NoError(t, WriteTemplateFile(path, kind))
			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, kind, cfg.Input.Type)
			assert.Equal(t, kind, cfg.Output.Type)
			assert.Equal(t, 25, cfg.Performance.RowsPerChunk)
			assert.Equal(t, "credentials.json", cfg.Skyflow.CredentialsPath)
			assert.NoError(t, cfg.Validate())
		})
	}
}

func TestWriteTemplate_Errors(t *testing.T) {
	assert.Error(t, WriteTemplate(&bytes.Buffer{}, "oracle"))

	path := writeFile(t, "exists.ini", "keep")
	require.Error(t, WriteTemplateFile(path, CSV))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestLoad_INI(t *testing.T) {
	path := writeFile(t, "config.ini", `
[skyflow]
vault_url = abc.vault.skyflowapis.com
vault_id = v1
table_name = persons
bearer_token = secret

[performance]
rows_per_chunk = 10
max_parallel_tasks = 3

[input]
type = postgres
host = db
port = 5433
dbname = crm
user = loader
table = public.customers

[output]
type = sqlite
path = out.db
table = tokens
create_table = true

[columns]
skip_columns = id, created_at
write_skip_columns_as_is = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Performance.RowsPerChunk)
	assert.Equal(t, 3, cfg.Performance.MaxParallelTasks)
	// unset values keep their defaults
	assert.Equal(t, 70, cfg.Performance.MaxCallsPerMinute)
	assert.Equal(t, "failed_records.csv", cfg.Failures.Path)
	assert.Equal(t, 5433, cfg.Input.Port)
	assert.True(t, cfg.Input.IsDatabase())
	assert.True(t, cfg.Output.CreateTable)
	assert.Equal(t, []string{"id", "created_at"}, cfg.Columns.SkipColumns)
	assert.True(t, cfg.Columns.WriteSkipColumnsAsIs)
}

func TestLoad_YAMLAndJSON(t *testing.T) {
	yamlPath := writeFile(t, "config.yaml", `
skyflow:
  vault_url: https://abc.vault.skyflowapis.com
  vault_id: v1
  table_name: persons
  bearer_token: secret
performance:
  max_calls_per_minute: 120
input:
  type: csv
  path: in.csv
output:
  type: csv
  path: out.csv
columns:
  skip_columns: [id]
`)
	jsonPath := writeFile(t, "config.json", `{
  "skyflow": {"vault_url": "https://abc.vault.skyflowapis.com", "vault_id": "v1", "table_name": "persons", "bearer_token": "secret"},
  "performance": {"max_calls_per_minute": 120},
  "input": {"type": "csv", "path": "in.csv"},
  "output": {"type": "csv", "path": "out.csv"},
  "columns": {"skip_columns": ["id"]}
}`)

	for _, path := range []string{yamlPath, jsonPath} {
		cfg, err := Load(path)
		require.NoError(t, err, path)
		require.NoError(t, cfg.Validate(), path)
		assert.Equal(t, 120, cfg.Performance.MaxCallsPerMinute)
		assert.Equal(t, 25, cfg.Performance.RowsPerChunk)
		assert.Equal(t, []string{"id"}, cfg.Columns.SkipColumns)
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.ErrorContains(t, err, "failed to open config file")

	_, err = Load(writeFile(t, "config.toml", ""))
	assert.ErrorContains(t, err, "unsupported config file extension")

	_, err = Load(writeFile(t, "config.json", "{"))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SKYFLOW_BEARER_TOKEN", "from-env")
	t.Setenv("SKYFLOW_VAULT_ID", "env-vault")
	t.Setenv("OUTPUT_DB_PASSWORD", "pw")

	path := writeFile(t, "config.yaml", "skyflow:\n  vault_id: file-vault\n  bearer_token: from-file\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Skyflow.BearerToken)
	assert.Equal(t, "env-vault", cfg.Skyflow.VaultID)
	assert.Equal(t, "pw", cfg.Output.Password)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SKYFLOW_VAULT_URL", "abc.vault.skyflowapis.com")
	t.Setenv("SKYFLOW_VAULT_ID", "v1")
	t.Setenv("SKYFLOW_TABLE", "persons")
	t.Setenv("SKYFLOW_BEARER_TOKEN", "token")
	t.Setenv("ROWS_PER_CHUNK", "20")
	t.Setenv("MAX_PARALLEL_TASKS", "not-a-number")
	t.Setenv("SKIP_COLUMNS", "id, notes")
	t.Setenv("WRITE_SKIP_COLUMNS_AS_IS", "true")

	cfg, err := LoadFromEnvironment()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Memory, cfg.Input.Type)
	assert.Equal(t, 20, cfg.Performance.RowsPerChunk)
	assert.Equal(t, 5, cfg.Performance.MaxParallelTasks)
	assert.Equal(t, []string{"id", "notes"}, cfg.Columns.SkipColumns)
	assert.True(t, cfg.Columns.WriteSkipColumnsAsIs)

	t.Setenv("USE_SECRETS_MANAGER", "true")
	_, err = LoadFromEnvironment()
	assert.ErrorContains(t, err, "SECRET_NAME")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing vault url", func(c *Config) { c.Skyflow.VaultURL = "" }, "skyflow.vault_url"},
		{"no auth", func(c *Config) { c.Skyflow.BearerToken = "" }, "skyflow.bearer_token"},
		{"both auth", func(c *Config) { c.Skyflow.CredentialsPath = "creds.json" }, "skyflow.bearer_token"},
		{"chunk above service max", func(c *Config) { c.Performance.RowsPerChunk = 26 }, "performance.rows_per_chunk"},
		{"zero chunk", func(c *Config) { c.Performance.RowsPerChunk = 0 }, "performance.rows_per_chunk"},
		{"too many workers", func(c *Config) { c.Performance.MaxParallelTasks = 8 }, "performance.max_parallel_tasks"},
		{"zero rate", func(c *Config) { c.Performance.MaxCallsPerMinute = 0 }, "performance.max_calls_per_minute"},
		{"zero retries", func(c *Config) { c.Performance.MaxRetries = 0 }, "performance.max_retries"},
		{"negative delay", func(c *Config) { c.Performance.RetryDelayMs = -1 }, "performance.retry_delay_ms"},
		{"unknown input", func(c *Config) { c.Input.Type = "oracle" }, "input.type"},
		{"csv without path", func(c *Config) { c.Output.Path = "" }, "output.path"},
		{"table without name", func(c *Config) {
			c.Output = Endpoint{Type: SQLite, Path: "out.db"}
		}, "output.table"},
		{"no failure file", func(c *Config) { c.Failures.Path = "" }, "failures.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			var cfgErr *types.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.ErrorIs(t, err, types.ErrConfig)
		})
	}
	assert.NoError(t, validConfig().Validate())
}

func TestConfig_EngineAndClient(t *testing.T) {
	cfg := validConfig()
	cfg.Columns.SkipColumns = []string{"id"}
	e := cfg.Engine()
	assert.Equal(t, 25, e.RowsPerChunk)
	assert.Equal(t, 25, e.RowsPerChunkLimit)
	assert.Equal(t, 7, e.ParallelLimit)
	assert.Equal(t, 3, e.MaxAttempts)
	assert.Equal(t, time.Second, e.RetryDelay)
	assert.Equal(t, []string{"id"}, e.SkipColumns)

	c := cfg.Client()
	assert.Equal(t, "persons", c.Table)
	assert.Equal(t, skyflow.DefaultTimeout, c.Timeout)

	tokens, err := cfg.Skyflow.TokenProvider()
	require.NoError(t, err)
	assert.Equal(t, skyflow.StaticToken("token"), tokens)

	_, err = Skyflow{}.TokenProvider()
	assert.Error(t, err)
}

type fakeSecrets struct {
	value *string
	err   error
	asked string
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput,
	_ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.asked = aws.ToString(in.SecretId)
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: f.value}, nil
}

func TestResolveSecrets(t *testing.T) {
	t.Run("no secret configured", func(t *testing.T) {
		cfg := Defaults()
		require.NoError(t, ResolveSecrets(context.Background(), cfg, &fakeSecrets{err: errors.New("unused")}))
	})

	t.Run("bearer token and coordinates", func(t *testing.T) {
		cfg := Defaults()
		cfg.Skyflow.SecretName = "prod/skyflow"
		cfg.Skyflow.VaultID = "keep"
		sm := &fakeSecrets{value: aws.String(`{"bearer_token":"tok","vault_url":"u","vault_id":"other","input_password":"pw"}`)}
		require.NoError(t, ResolveSecrets(context.Background(), cfg, sm))
		assert.Equal(t, "prod/skyflow", sm.asked)
		assert.Equal(t, "tok", cfg.Skyflow.BearerToken)
		assert.Equal(t, "u", cfg.Skyflow.VaultURL)
		assert.Equal(t, "keep", cfg.Skyflow.VaultID)
		assert.Equal(t, "pw", cfg.Input.Password)
	})

	t.Run("credentials object", func(t *testing.T) {
		cfg := Defaults()
		cfg.Skyflow.SecretName = "prod/skyflow"
		sm := &fakeSecrets{value: aws.String(`{"credentials":{"clientID":"c"}}`)}
		require.NoError(t, ResolveSecrets(context.Background(), cfg, sm))
		assert.JSONEq(t, `{"clientID":"c"}`, cfg.Skyflow.CredentialsJSON)
	})

	t.Run("credentials string", func(t *testing.T) {
		cfg := Defaults()
		cfg.Skyflow.SecretName = "prod/skyflow"
		sm := &fakeSecrets{value: aws.String(`{"credentials":"{\"clientID\":\"c\"}"}`)}
		require.NoError(t, ResolveSecrets(context.Background(), cfg, sm))
		assert.JSONEq(t, `{"clientID":"c"}`, cfg.Skyflow.CredentialsJSON)
	})

	t.Run("errors", func(t *testing.T) {
		cfg := Defaults()
		cfg.Skyflow.SecretName = "prod/skyflow"
		err := ResolveSecrets(context.Background(), cfg, &fakeSecrets{err: errors.New("access denied")})
		assert.ErrorContains(t, err, "access denied")
		err = ResolveSecrets(context.Background(), cfg, &fakeSecrets{})
		assert.ErrorContains(t, err, "no string value")
		err = ResolveSecrets(context.Background(), cfg, &fakeSecrets{value: aws.String("nope")})
		assert.ErrorContains(t, err, "failed to parse secret JSON")
	})
}
