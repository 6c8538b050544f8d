package datasink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"skyflow-batch-tokenizer/internal/database"
	"skyflow-batch-tokenizer/pkg/types"
)

// DefaultBatchRows is the number of rows inserted per transaction
const DefaultBatchRows = 500

// Table inserts output records into a database table in batches
type Table struct {
	db        *sql.DB
	insert    string
	columns   []string
	batchRows int
	pending   [][]any
}

// TableOptions control output table creation and batching
type TableOptions struct {
	// Create issues CREATE TABLE IF NOT EXISTS with text columns
	Create    bool
	BatchRows int
}

// OpenTable prepares inserts into table for the given output columns
func OpenTable(ctx context.Context, db *sql.DB, dialect database.Dialect, table string, columns []string, opts TableOptions) (*Table, error) {
	quoted := make([]string, len(columns))
	holders := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = dialect.Quote(c)
		holders[i] = dialect.Placeholder(i + 1)
	}

	if opts.Create {
		defs := make([]string, len(columns))
		for i, q := range quoted {
			defs[i] = q + " " + dialect.TextType
		}
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", dialect.Quote(table), strings.Join(defs, ", "))
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return nil, fmt.Errorf("failed to create output table %s: %w", table, err)
		}
	}

	batch := opts.BatchRows
	if batch <= 0 {
		batch = DefaultBatchRows
	}
	return &Table{
		db: db,
		insert: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			dialect.Quote(table), strings.Join(quoted, ", "), strings.Join(holders, ", ")),
		columns:   columns,
		batchRows: batch,
	}, nil
}

func (t *Table) Write(ctx context.Context, rec types.OutputRecord) error {
	row := outputRow(t.columns, rec)
	args := make([]any, len(row))
	for i, v := range row {
		args[i] = v
	}
	t.pending = append(t.pending, args)
	if len(t.pending) >= t.batchRows {
		return t.Flush(ctx)
	}
	return nil
}

// Flush inserts buffered rows in one transaction
func (t *Table) Flush(ctx context.Context) error {
	if len(t.pending) == 0 {
		return nil
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin insert: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, t.insert)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, args := range t.pending {
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insert: %w", err)
	}
	t.pending = t.pending[:0]
	return nil
}

// Close writes any remaining rows. The connection belongs to the caller.
func (t *Table) Close() error {
	return t.Flush(context.Background())
}
