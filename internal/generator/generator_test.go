package generator

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_UniqueRows(t *testing.T) {
	var buf bytes.Buffer
	var progress []int
	n, err := Generate(context.Background(), &buf, Options{
		Rows:          1003,
		Workers:       4,
		Seed:          42,
		ProgressEvery: 500,
		Progress:      func(done int) { progress = append(progress, done) },
	})
	require.NoError(t, err)
	assert.Equal(t, 1003, n)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1004)
	assert.Equal(t, Header, rows[0])

	ssn := regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`)
	dob := regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	ids := make(map[string]struct{})
	emails := make(map[string]struct{})
	for _, row := range rows[1:] {
		require.Len(t, row, len(Header))
		ids[row[0]] = struct{}{}
		emails[row[2]] = struct{}{}
		assert.Regexp(t, ssn, row[4])
		assert.Regexp(t, dob, row[3])
	}
	assert.Len(t, ids, 1003)
	assert.Len(t, emails, 1003)
	assert.Contains(t, ids, "1")
	assert.Contains(t, ids, "1003")
	assert.ElementsMatch(t, []int{500, 1000}, progress)
}

func TestGenerate_SmallerThanWorkers(t *testing.T) {
	var buf bytes.Buffer
	n, err := Generate(context.Background(), &buf, Options{Rows: 3, Workers: 8, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestGenerate_InvalidRows(t *testing.T) {
	_, err := Generate(context.Background(), &bytes.Buffer{}, Options{})
	assert.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestGenerate_WriteError(t *testing.T) {
	_, err := Generate(context.Background(), failingWriter{}, Options{Rows: 20000, Seed: 1})
	assert.ErrorContains(t, err, "disk full")
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "0", FormatNumber(0))
	assert.Equal(t, "999", FormatNumber(999))
	assert.Equal(t, "1,000", FormatNumber(1000))
	assert.Equal(t, "1,234,567", FormatNumber(1234567))
	assert.Equal(t, "-12,345", FormatNumber(-12345))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.50 KB", FormatBytes(1536))
	assert.Equal(t, "2.00 MB", FormatBytes(2*1024*1024))
}
