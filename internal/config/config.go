// Package config loads run configuration from INI, JSON or YAML files, the
// environment and AWS Secrets Manager.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"skyflow-batch-tokenizer/internal/database"
	"skyflow-batch-tokenizer/internal/engine"
	"skyflow-batch-tokenizer/internal/logging"
	"skyflow-batch-tokenizer/internal/skyflow"
)

// Input and output types
const (
	CSV       = "csv"
	Postgres  = database.Postgres
	Snowflake = database.Snowflake
	SQLite    = database.SQLite
	// Memory is used by the Lambda handler, records travel in the request
	Memory = "memory"
)

// Config is the full configuration of a run
type Config struct {
	Skyflow     Skyflow     `json:"skyflow" yaml:"skyflow" ini:"skyflow"`
	Performance Performance `json:"performance" yaml:"performance" ini:"performance"`
	Input       Endpoint    `json:"input" yaml:"input" ini:"input"`
	Output      Endpoint    `json:"output" yaml:"output" ini:"output"`
	Failures    Failures    `json:"failures" yaml:"failures" ini:"failures"`
	Columns     Columns     `json:"columns" yaml:"columns" ini:"columns"`
	Logging     Logging     `json:"logging" yaml:"logging" ini:"logging"`
}

type Skyflow struct {
	AccountID       string `json:"account_id" yaml:"account_id" ini:"account_id"`
	VaultURL        string `json:"vault_url" yaml:"vault_url" ini:"vault_url"`
	VaultID         string `json:"vault_id" yaml:"vault_id" ini:"vault_id"`
	TableName       string `json:"table_name" yaml:"table_name" ini:"table_name"`
	CredentialsPath string `json:"credentials_path" yaml:"credentials_path" ini:"credentials_path"`
	BearerToken     string `json:"bearer_token" yaml:"bearer_token" ini:"bearer_token"`
	// CredentialsJSON holds service account credentials read from a secret
	CredentialsJSON string `json:"-" yaml:"-" ini:"-"`
	SecretName      string `json:"secret_name" yaml:"secret_name" ini:"secret_name"`
	Region          string `json:"region" yaml:"region" ini:"region"`
}

type Performance struct {
	RowsPerChunk            int `json:"rows_per_chunk" yaml:"rows_per_chunk" ini:"rows_per_chunk"`
	MaxParallelTasks        int `json:"max_parallel_tasks" yaml:"max_parallel_tasks" ini:"max_parallel_tasks"`
	MaxCallsPerMinute       int `json:"max_calls_per_minute" yaml:"max_calls_per_minute" ini:"max_calls_per_minute"`
	MaxRetries              int `json:"max_retries" yaml:"max_retries" ini:"max_retries"`
	RetryDelayMs            int `json:"retry_delay_ms" yaml:"retry_delay_ms" ini:"retry_delay_ms"`
	MaxRetryDelayMs         int `json:"max_retry_delay_ms" yaml:"max_retry_delay_ms" ini:"max_retry_delay_ms"`
	RequestTimeoutS         int `json:"request_timeout_s" yaml:"request_timeout_s" ini:"request_timeout_s"`
	ServiceMaxRowsPerChunk  int `json:"service_max_rows_per_chunk" yaml:"service_max_rows_per_chunk" ini:"service_max_rows_per_chunk"`
	ServiceMaxParallelTasks int `json:"service_max_parallel_tasks" yaml:"service_max_parallel_tasks" ini:"service_max_parallel_tasks"`
}

// Endpoint is a record source or destination
type Endpoint struct {
	Type      string `json:"type" yaml:"type" ini:"type"`
	Path      string `json:"path" yaml:"path" ini:"path"`
	Host      string `json:"host" yaml:"host" ini:"host"`
	Port      int    `json:"port" yaml:"port" ini:"port"`
	User      string `json:"user" yaml:"user" ini:"user"`
	Password  string `json:"password" yaml:"password" ini:"password"`
	DBName    string `json:"dbname" yaml:"dbname" ini:"dbname"`
	Table     string `json:"table" yaml:"table" ini:"table"`
	Account   string `json:"account" yaml:"account" ini:"account"`
	Warehouse string `json:"warehouse" yaml:"warehouse" ini:"warehouse"`
	Schema    string `json:"schema" yaml:"schema" ini:"schema"`
	Role      string `json:"role" yaml:"role" ini:"role"`
	SSLMode   string `json:"sslmode" yaml:"sslmode" ini:"sslmode"`
	// OrderBy is used by table sources to read in a stable order
	OrderBy string `json:"order_by" yaml:"order_by" ini:"order_by"`
	// CreateTable creates a missing output table
	CreateTable bool `json:"create_table" yaml:"create_table" ini:"create_table"`
	BatchRows   int  `json:"batch_rows" yaml:"batch_rows" ini:"batch_rows"`
}

type Failures struct {
	Path string `json:"path" yaml:"path" ini:"path"`
}

type Columns struct {
	SkipColumns          []string `json:"skip_columns" yaml:"skip_columns" ini:"skip_columns" delim:","`
	WriteSkipColumnsAsIs bool     `json:"write_skip_columns_as_is" yaml:"write_skip_columns_as_is" ini:"write_skip_columns_as_is"`
}

type Logging struct {
	Level string `json:"level" yaml:"level" ini:"level"`
	File  string `json:"file" yaml:"file" ini:"file"`
}

// Defaults returns the configuration used for every value not set elsewhere
func Defaults() *Config {
	return &Config{
		Skyflow: Skyflow{Region: "us-east-1"},
		Performance: Performance{
			RowsPerChunk:            25,
			MaxParallelTasks:        5,
			MaxCallsPerMinute:       70,
			MaxRetries:              3,
			RetryDelayMs:            1000,
			MaxRetryDelayMs:         30000,
			RequestTimeoutS:         int(skyflow.DefaultTimeout / time.Second),
			ServiceMaxRowsPerChunk:  25,
			ServiceMaxParallelTasks: 7,
		},
		Input:    Endpoint{Type: CSV},
		Output:   Endpoint{Type: CSV},
		Failures: Failures{Path: "failed_records.csv"},
		Logging:  Logging{Level: "info", File: logging.DefaultFile},
	}
}

// Load reads a configuration file over the defaults and applies environment
// overrides. The format is chosen by extension: .ini, .json, .yaml or .yml.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg := Defaults()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// LoadFromEnvironment builds a configuration from environment variables
// only, for the Lambda handler. Records are read from and written to memory.
func LoadFromEnvironment() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg := Defaults()
	cfg.Input.Type = Memory
	cfg.Output.Type = Memory
	applyEnv(cfg)

	p := &cfg.Performance
	p.RowsPerChunk = getEnvInt("ROWS_PER_CHUNK", p.RowsPerChunk)
	p.MaxParallelTasks = getEnvInt("MAX_PARALLEL_TASKS", p.MaxParallelTasks)
	p.MaxCallsPerMinute = getEnvInt("MAX_CALLS_PER_MINUTE", p.MaxCallsPerMinute)
	p.MaxRetries = getEnvInt("MAX_RETRIES", p.MaxRetries)
	p.RetryDelayMs = getEnvInt("RETRY_DELAY_MS", p.RetryDelayMs)
	p.RequestTimeoutS = getEnvInt("REQUEST_TIMEOUT_S", p.RequestTimeoutS)
	if getEnv("USE_SECRETS_MANAGER", "false") == "true" {
		cfg.Skyflow.SecretName = getEnv("SECRET_NAME", cfg.Skyflow.SecretName)
		if cfg.Skyflow.SecretName == "" {
			return nil, errors.New("SECRET_NAME environment variable is required when USE_SECRETS_MANAGER=true")
		}
	}
	if skip := os.Getenv("SKIP_COLUMNS"); skip != "" {
		cfg.Columns.SkipColumns = splitList(skip)
	}
	cfg.Columns.WriteSkipColumnsAsIs = getEnv("WRITE_SKIP_COLUMNS_AS_IS", "false") == "true"
	return cfg, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".ini", ".cfg", ".conf":
		f, err := ini.Load(data)
		if err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
		err = f.MapTo(cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config file extension %q (use .ini, .json or .yaml)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyEnv overrides credentials and vault coordinates from the environment
func applyEnv(cfg *Config) {
	s := &cfg.Skyflow
	s.BearerToken = getEnv("SKYFLOW_BEARER_TOKEN", s.BearerToken)
	s.VaultURL = getEnv("SKYFLOW_VAULT_URL", s.VaultURL)
	s.VaultID = getEnv("SKYFLOW_VAULT_ID", s.VaultID)
	s.AccountID = getEnv("SKYFLOW_ACCOUNT_ID", s.AccountID)
	s.TableName = getEnv("SKYFLOW_TABLE", s.TableName)
	s.CredentialsPath = getEnv("SKYFLOW_CREDENTIALS_PATH", s.CredentialsPath)
	s.Region = getEnv("AWS_REGION", s.Region)
	cfg.Input.Password = getEnv("INPUT_DB_PASSWORD", cfg.Input.Password)
	cfg.Output.Password = getEnv("OUTPUT_DB_PASSWORD", cfg.Output.Password)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Engine returns the engine tuning values
func (c *Config) Engine() engine.Config {
	p := c.Performance
	return engine.Config{
		RowsPerChunk:      p.RowsPerChunk,
		RowsPerChunkLimit: p.ServiceMaxRowsPerChunk,
		MaxParallel:       p.MaxParallelTasks,
		ParallelLimit:     p.ServiceMaxParallelTasks,
		MaxCallsPerMinute: p.MaxCallsPerMinute,
		MaxAttempts:       p.MaxRetries,
		RetryDelay:        time.Duration(p.RetryDelayMs) * time.Millisecond,
		MaxRetryDelay:     time.Duration(p.MaxRetryDelayMs) * time.Millisecond,
		SkipColumns:       c.Columns.SkipColumns,
		WriteSkipAsIs:     c.Columns.WriteSkipColumnsAsIs,
	}
}

// Client returns the vault client settings
func (c *Config) Client() skyflow.ClientConfig {
	return skyflow.ClientConfig{
		VaultURL:  c.Skyflow.VaultURL,
		VaultID:   c.Skyflow.VaultID,
		AccountID: c.Skyflow.AccountID,
		Table:     c.Skyflow.TableName,
		Timeout:   time.Duration(c.Performance.RequestTimeoutS) * time.Second,
	}
}

// TokenProvider returns the bearer token source: the static token when one
// is configured, otherwise the service account credentials.
func (s Skyflow) TokenProvider() (skyflow.TokenProvider, error) {
	if s.BearerToken != "" {
		return skyflow.StaticToken(s.BearerToken), nil
	}
	var (
		creds *skyflow.Credentials
		err   error
	)
	switch {
	case s.CredentialsJSON != "":
		creds, err = skyflow.ParseCredentials([]byte(s.CredentialsJSON))
	case s.CredentialsPath != "":
		creds, err = skyflow.LoadCredentials(s.CredentialsPath)
	default:
		return nil, errors.New("either bearer_token or credentials_path must be provided")
	}
	if err != nil {
		return nil, err
	}
	return skyflow.NewServiceAccount(creds, nil)
}

// Database returns the connection settings of a database endpoint
func (e Endpoint) Database() database.Config {
	return database.Config{
		Type:      e.Type,
		Host:      e.Host,
		Port:      e.Port,
		User:      e.User,
		Password:  e.Password,
		Database:  e.DBName,
		Schema:    e.Schema,
		Account:   e.Account,
		Warehouse: e.Warehouse,
		Role:      e.Role,
		SSLMode:   e.SSLMode,
		Path:      e.Path,
	}
}

// IsDatabase reports whether the endpoint is a database table
func (e Endpoint) IsDatabase() bool {
	switch e.Type {
	case Postgres, Snowflake, SQLite:
		return true
	}
	return false
}
