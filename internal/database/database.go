// Package database opens the SQL connections used for table input and output.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/snowflakedb/gosnowflake"

	"skyflow-batch-tokenizer/pkg/types"
)

// Supported database types
const (
	Postgres  = "postgres"
	Snowflake = "snowflake"
	SQLite    = "sqlite"
)

// Config describes a database connection. Path is only used by SQLite.
type Config struct {
	Type      string
	Host      string
	Port      int
	User      string
	Password  string
	Database  string
	Schema    string
	Account   string
	Warehouse string
	Role      string
	SSLMode   string
	Path      string
}

// Dialect hides the SQL differences between the supported databases
type Dialect struct {
	Name string
	// TextType is the column type used when creating output tables
	TextType    string
	placeholder func(n int) string
	quote       func(ident string) string
}

// Placeholder returns the bind parameter for the n-th argument (1-based)
func (d Dialect) Placeholder(n int) string {
	return d.placeholder(n)
}

// Quote quotes an identifier, qualified names are quoted per part
func (d Dialect) Quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = d.quote(p)
	}
	return strings.Join(parts, ".")
}

func questionMark(int) string { return "?" }

func doubleQuote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// DialectFor returns the dialect of a database type
func DialectFor(kind string) (Dialect, error) {
	switch kind {
	case Postgres:
		return Dialect{
			Name:        Postgres,
			TextType:    "TEXT",
			placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
			quote:       pq.QuoteIdentifier,
		}, nil
	case Snowflake:
		return Dialect{Name: Snowflake, TextType: "VARCHAR", placeholder: questionMark, quote: doubleQuote}, nil
	case SQLite:
		return Dialect{Name: SQLite, TextType: "TEXT", placeholder: questionMark, quote: doubleQuote}, nil
	default:
		return Dialect{}, types.NewConfigError("type", "unsupported database type %q", kind)
	}
}

// DSN builds the driver name and connection string for cfg
func DSN(cfg Config) (driver, dsn string, err error) {
	switch cfg.Type {
	case Postgres:
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		sslmode := cfg.SSLMode
		if sslmode == "" {
			sslmode = "disable"
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			quoteValue(cfg.Host), port, quoteValue(cfg.User), quoteValue(cfg.Password),
			quoteValue(cfg.Database), sslmode)
		return "postgres", dsn, nil
	case Snowflake:
		dsn, err = gosnowflake.DSN(&gosnowflake.Config{
			Account:   cfg.Account,
			User:      cfg.User,
			Password:  cfg.Password,
			Database:  cfg.Database,
			Schema:    cfg.Schema,
			Warehouse: cfg.Warehouse,
			Role:      cfg.Role,
		})
		if err != nil {
			return "", "", fmt.Errorf("failed to build Snowflake DSN: %w", err)
		}
		return "snowflake", dsn, nil
	case SQLite:
		if cfg.Path == "" {
			return "", "", types.NewConfigError("path", "sqlite requires a database path")
		}
		// WAL lets a table be streamed while another connection writes
		return "sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", cfg.Path), nil
	default:
		return "", "", types.NewConfigError("type", "unsupported database type %q", cfg.Type)
	}
}

// quoteValue quotes a libpq connection string value
func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Open connects to the database described by cfg and verifies the
// connection with a ping.
func Open(ctx context.Context, cfg Config) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(cfg.Type)
	if err != nil {
		return nil, Dialect{}, err
	}
	driver, dsn, err := DSN(cfg)
	if err != nil {
		return nil, Dialect{}, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("failed to open %s connection: %w", cfg.Type, err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Dialect{}, fmt.Errorf("failed to ping %s: %w", cfg.Type, err)
	}
	return db, dialect, nil
}
