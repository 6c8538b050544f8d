package datasource

import (
	"context"
	"io"
	"maps"
	"slices"

	"skyflow-batch-tokenizer/internal/columns"
	"skyflow-batch-tokenizer/pkg/types"
)

// Memory serves rows held in memory, used by the Lambda handler and tests
type Memory struct {
	header []string
	rows   []map[string]string
	next   int
}

// NewMemory returns a source over rows. When header is empty the columns are
// taken from the rows: rows in order, each row's keys sorted by name, and a
// column already seen in an earlier row keeps its position.
func NewMemory(header []string, rows []map[string]string) *Memory {
	if len(header) == 0 {
		seen := make(map[string]struct{})
		for _, row := range rows {
			for _, name := range slices.Sorted(maps.Keys(row)) {
				name = columns.Normalize(name)
				if _, ok := seen[name]; !ok {
					seen[name] = struct{}{}
					header = append(header, name)
				}
			}
		}
	}
	norm := make([]string, 0, len(header))
	for _, h := range header {
		if h = columns.Normalize(h); h != types.SkyflowIDColumn {
			norm = append(norm, h)
		}
	}
	return &Memory{header: norm, rows: rows}
}

func (m *Memory) Columns() []string { return m.header }

func (m *Memory) Read(ctx context.Context) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return types.Record{}, err
	}
	if m.next >= len(m.rows) {
		return types.Record{}, io.EOF
	}
	fields := make(map[string]string, len(m.rows[m.next]))
	for name, v := range m.rows[m.next] {
		if name = columns.Normalize(name); name != types.SkyflowIDColumn {
			fields[name] = v
		}
	}
	rec := types.Record{Index: int64(m.next), Fields: fields}
	m.next++
	return rec, nil
}

func (m *Memory) Count(context.Context) (int64, error) { return int64(len(m.rows)), nil }

func (m *Memory) Close() error { return nil }
