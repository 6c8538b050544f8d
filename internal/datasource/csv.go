// Package datasource reads source rows as indexed records.
package datasource

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"skyflow-batch-tokenizer/internal/columns"
	"skyflow-batch-tokenizer/pkg/types"
)

// CSV reads records from a CSV file with a header row. Header names are
// lower-cased and trimmed; a source skyflow_id column is ignored.
type CSV struct {
	path   string
	file   *os.File
	reader *csv.Reader
	header []string
	next   int64
}

// OpenCSV opens path and reads its header
func OpenCSV(path string) (*CSV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("input file %s is empty", path)
		}
		return nil, fmt.Errorf("failed to read headers: %w", err)
	}
	for i, h := range header {
		header[i] = columns.Normalize(strings.TrimPrefix(h, "\ufeff"))
	}
	return &CSV{path: path, file: f, reader: r, header: header}, nil
}

// Columns returns the normalized header without skyflow_id
func (c *CSV) Columns() []string {
	out := make([]string, 0, len(c.header))
	for _, h := range c.header {
		if h != types.SkyflowIDColumn {
			out = append(out, h)
		}
	}
	return out
}

// Read returns the next row. Rows with a different field count than the
// header are an error.
func (c *CSV) Read(ctx context.Context) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return types.Record{}, err
	}
	row, err := c.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return types.Record{}, io.EOF
		}
		return types.Record{}, fmt.Errorf("error reading row %d: %w", c.next, err)
	}
	fields := make(map[string]string, len(c.header))
	for i, h := range c.header {
		if h == types.SkyflowIDColumn {
			continue
		}
		fields[h] = row[i]
	}
	rec := types.Record{Index: c.next, Fields: fields}
	c.next++
	return rec, nil
}

// Count returns the number of data rows without disturbing the reader
func (c *CSV) Count(ctx context.Context) (int64, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true
	r.FieldsPerRecord = -1
	var n int64
	for {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		_, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("error counting rows: %w", err)
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	// header row
	return n - 1, nil
}

// Close closes the file
func (c *CSV) Close() error {
	return c.file.Close()
}
