// Package datasink writes reconciled records and failed records.
package datasink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"skyflow-batch-tokenizer/pkg/types"
)

// CSV writes output records under a fixed header whose first column is
// skyflow_id.
type CSV struct {
	file    *os.File
	writer  *csv.Writer
	columns []string
}

// CreateCSV truncates path and writes the header. columns must start with
// skyflow_id, as returned by columns.Spec.OutputColumns.
func CreateCSV(path string, columns []string) (*CSV, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return &CSV{file: f, writer: w, columns: columns}, nil
}

func (c *CSV) Write(_ context.Context, rec types.OutputRecord) error {
	return c.writer.Write(outputRow(c.columns, rec))
}

// Close flushes buffered rows and closes the file
func (c *CSV) Close() error {
	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		c.file.Close()
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return c.file.Close()
}

func outputRow(columns []string, rec types.OutputRecord) []string {
	row := make([]string, len(columns))
	for i, col := range columns {
		if col == types.SkyflowIDColumn {
			row[i] = rec.SkyflowID
			continue
		}
		row[i] = rec.Values[col]
	}
	return row
}

// Failure column names appended to the source columns
const (
	ErrorColumn    = "error"
	AttemptsColumn = "attempts"
)

// FailureCSV appends failed records with their error and attempt count. The
// file is truncated when created, so it only holds failures of the current
// run.
type FailureCSV struct {
	file    *os.File
	writer  *csv.Writer
	columns []string
}

// CreateFailureCSV truncates path and writes columns plus error and attempts
func CreateFailureCSV(path string, columns []string) (*FailureCSV, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create failures file: %w", err)
	}
	w := csv.NewWriter(f)
	header := append(append([]string(nil), columns...), ErrorColumn, AttemptsColumn)
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	w.Flush()
	return &FailureCSV{file: f, writer: w, columns: columns}, nil
}

// WriteFailure writes one failed record and flushes it, so failures survive
// a crash later in the run
func (c *FailureCSV) WriteFailure(_ context.Context, rec types.FailureRecord) error {
	row := make([]string, 0, len(c.columns)+2)
	for _, col := range c.columns {
		row = append(row, originalValue(rec.Record, col))
	}
	msg := ""
	if rec.Err != nil {
		msg = rec.Err.Error()
	}
	row = append(row, msg, strconv.Itoa(rec.Attempts))
	if err := c.writer.Write(row); err != nil {
		return err
	}
	c.writer.Flush()
	return c.writer.Error()
}

func (c *FailureCSV) Close() error {
	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		c.file.Close()
		return err
	}
	return c.file.Close()
}

func originalValue(rec types.Record, col string) string {
	if v, ok := rec.Fields[col]; ok {
		return v
	}
	return rec.Passthrough[col]
}
