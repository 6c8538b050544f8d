package config

import (
	"skyflow-batch-tokenizer/pkg/types"
)

// Validate checks the configuration before any record is read. The first
// problem found is returned as a *types.ConfigError.
func (c *Config) Validate() error {
	if err := c.validateSkyflow(); err != nil {
		return err
	}
	if err := c.validatePerformance(); err != nil {
		return err
	}
	if err := validateEndpoint("input", c.Input); err != nil {
		return err
	}
	if err := validateEndpoint("output", c.Output); err != nil {
		return err
	}
	if c.Output.Type != Memory && c.Failures.Path == "" {
		return types.NewConfigError("failures.path", "is required")
	}
	return nil
}

func (c *Config) validateSkyflow() error {
	s := c.Skyflow
	switch {
	case s.VaultURL == "":
		return types.NewConfigError("skyflow.vault_url", "is required")
	case s.VaultID == "":
		return types.NewConfigError("skyflow.vault_id", "is required")
	case s.TableName == "":
		return types.NewConfigError("skyflow.table_name", "is required")
	}
	hasCreds := s.CredentialsPath != "" || s.CredentialsJSON != ""
	if s.BearerToken == "" && !hasCreds {
		return types.NewConfigError("skyflow.bearer_token", "either bearer_token or credentials_path must be provided")
	}
	if s.BearerToken != "" && hasCreds {
		return types.NewConfigError("skyflow.bearer_token", "bearer_token and credentials_path are mutually exclusive")
	}
	return nil
}

func (c *Config) validatePerformance() error {
	p := c.Performance
	if p.ServiceMaxRowsPerChunk <= 0 {
		return types.NewConfigError("performance.service_max_rows_per_chunk", "must be > 0, got %d", p.ServiceMaxRowsPerChunk)
	}
	if p.ServiceMaxParallelTasks <= 0 {
		return types.NewConfigError("performance.service_max_parallel_tasks", "must be > 0, got %d", p.ServiceMaxParallelTasks)
	}
	if p.RowsPerChunk <= 0 || p.RowsPerChunk > p.ServiceMaxRowsPerChunk {
		return types.NewConfigError("performance.rows_per_chunk",
			"must be between 1 and %d, got %d", p.ServiceMaxRowsPerChunk, p.RowsPerChunk)
	}
	if p.MaxParallelTasks <= 0 || p.MaxParallelTasks > p.ServiceMaxParallelTasks {
		return types.NewConfigError("performance.max_parallel_tasks",
			"must be between 1 and %d, got %d", p.ServiceMaxParallelTasks, p.MaxParallelTasks)
	}
	if p.MaxCallsPerMinute <= 0 {
		return types.NewConfigError("performance.max_calls_per_minute", "must be > 0, got %d", p.MaxCallsPerMinute)
	}
	if p.MaxRetries < 1 {
		return types.NewConfigError("performance.max_retries", "must be >= 1, got %d", p.MaxRetries)
	}
	if p.RetryDelayMs < 0 {
		return types.NewConfigError("performance.retry_delay_ms", "must be >= 0, got %d", p.RetryDelayMs)
	}
	if p.MaxRetryDelayMs < p.RetryDelayMs {
		return types.NewConfigError("performance.max_retry_delay_ms",
			"must be >= retry_delay_ms (%d), got %d", p.RetryDelayMs, p.MaxRetryDelayMs)
	}
	if p.RequestTimeoutS <= 0 {
		return types.NewConfigError("performance.request_timeout_s", "must be > 0, got %d", p.RequestTimeoutS)
	}
	return nil
}

func validateEndpoint(name string, e Endpoint) error {
	switch e.Type {
	case Memory:
		return nil
	case CSV, SQLite:
		if e.Path == "" {
			return types.NewConfigError(name+".path", "is required for %s", e.Type)
		}
	case Postgres:
		if e.Host == "" || e.DBName == "" || e.User == "" {
			return types.NewConfigError(name+".host", "host, dbname and user are required for postgres")
		}
	case Snowflake:
		if e.Account == "" || e.DBName == "" || e.User == "" {
			return types.NewConfigError(name+".account", "account, dbname and user are required for snowflake")
		}
	case "":
		return types.NewConfigError(name+".type", "is required")
	default:
		return types.NewConfigError(name+".type", "unknown type %q (use csv, postgres, snowflake or sqlite)", e.Type)
	}
	if e.IsDatabase() && e.Table == "" {
		return types.NewConfigError(name+".table", "is required for %s", e.Type)
	}
	return nil
}
