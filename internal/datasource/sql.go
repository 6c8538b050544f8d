package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"time"

	"skyflow-batch-tokenizer/internal/columns"
	"skyflow-batch-tokenizer/internal/database"
	"skyflow-batch-tokenizer/pkg/types"
)

// Table streams every row of a database table. The skyflow_id column, if the
// table has one, is not read as input.
type Table struct {
	db      *sql.DB
	dialect database.Dialect
	table   string
	rows    *sql.Rows
	names   []string
	keep    []bool
	header  []string
	next    int64
}

// OpenTable starts a SELECT over table, optionally ordered by orderBy so the
// origin index is stable across runs.
func OpenTable(ctx context.Context, db *sql.DB, dialect database.Dialect, table, orderBy string) (*Table, error) {
	query := fmt.Sprintf("SELECT * FROM %s", dialect.Quote(table))
	if orderBy != "" {
		query += " ORDER BY " + dialect.Quote(orderBy)
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	names, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	t := &Table{db: db, dialect: dialect, table: table, rows: rows, names: make([]string, len(names)), keep: make([]bool, len(names))}
	for i, n := range names {
		n = columns.Normalize(n)
		t.names[i] = n
		if n != types.SkyflowIDColumn {
			t.keep[i] = true
			t.header = append(t.header, n)
		}
	}
	return t, nil
}

func (t *Table) Columns() []string { return t.header }

// Read returns the next row with every value rendered as text. NULL becomes
// the empty string.
func (t *Table) Read(ctx context.Context) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return types.Record{}, err
	}
	if !t.rows.Next() {
		if err := t.rows.Err(); err != nil {
			return types.Record{}, fmt.Errorf("error reading row %d: %w", t.next, err)
		}
		return types.Record{}, io.EOF
	}

	values := make([]any, len(t.names))
	ptrs := make([]any, len(t.names))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := t.rows.Scan(ptrs...); err != nil {
		return types.Record{}, fmt.Errorf("error scanning row %d: %w", t.next, err)
	}

	fields := make(map[string]string, len(t.header))
	for i, v := range values {
		if t.keep[i] {
			fields[t.names[i]] = text(v)
		}
	}
	rec := types.Record{Index: t.next, Fields: fields}
	t.next++
	return rec, nil
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

// Count runs SELECT COUNT(*) on the table
func (t *Table) Count(ctx context.Context) (int64, error) {
	var n int64
	err := t.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", t.dialect.Quote(t.table))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", t.table, err)
	}
	return n, nil
}

// Close releases the result set; the connection belongs to the caller
func (t *Table) Close() error {
	return t.rows.Close()
}
