package cli

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyflow-batch-tokenizer/internal/config"
	"skyflow-batch-tokenizer/internal/database"
	"skyflow-batch-tokenizer/internal/mockvault"
	"skyflow-batch-tokenizer/pkg/types"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func startVault(t *testing.T, b mockvault.Behavior) (*mockvault.Server, string) {
	t.Helper()
	vault := mockvault.New(b)
	srv := httptest.NewServer(vault.Handler())
	t.Cleanup(srv.Close)
	return vault, srv.URL
}

// writeConfig writes a YAML config whose input, output and failures sections
// are given by the caller
func writeConfig(t *testing.T, dir, vaultURL, endpoints string) string {
	t.Helper()
	content := fmt.Sprintf(`skyflow:
  vault_url: %s
  vault_id: vault1
  account_id: acc1
  table_name: persons
  bearer_token: test-token
performance:
  retry_delay_ms: 1
  max_retry_delay_ms: 5
logging:
  level: warn
  file: %s
%s`, vaultURL, filepath.Join(dir, "error.log"), endpoints)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "skyflow-tokenizer", cmd.Use)
	for _, name := range []string{"run", "gen-config", "generate", "mock-vault", "clear"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitConfigError, GetExitCode(types.NewConfigError("rows_per_chunk", "too big")))
	assert.Equal(t, ExitConfigError, GetExitCode(fmt.Errorf("wrapped: %w", WrapExitError(ExitConfigError, "bad", nil))))
}

func TestRun_CSVEndToEnd(t *testing.T) {
	dir := t.TempDir()
	vault, url := startVault(t, mockvault.Behavior{
		EchoRequestIndex: true,
		RejectValues:     []string{"user7@example.com"},
	})

	var in strings.Builder
	in.WriteString("ID,Email,Name\n")
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&in, "%d,user%d@example.com,Name %d\n", i, i, i)
	}
	input := filepath.Join(dir, "input.csv")
	require.NoError(t, os.WriteFile(input, []byte(in.String()), 0o600))
	output := filepath.Join(dir, "output.csv")
	failed := filepath.Join(dir, "failed.csv")

	cfgPath := writeConfig(t, dir, url, fmt.Sprintf(`input:
  type: csv
  path: %s
output:
  type: csv
  path: %s
failures:
  path: %s
`, input, output, failed))

	out, err := execute(t, "", "run", "--config", cfgPath, "--skip-columns", "id", "--write-skip-as-is", "--rows-per-chunk", "10")
	require.NoError(t, err, out)
	assert.Contains(t, out, "TOKENIZATION SUMMARY")
	assert.Contains(t, out, "1 records failed")
	assert.Equal(t, 3, vault.Inserts())
	assert.LessOrEqual(t, vault.MaxBatch(), 10)

	rows := readCSV(t, output)
	assert.Equal(t, []string{"skyflow_id", "id", "email", "name"}, rows[0])
	require.Len(t, rows, 30)
	prev := -1
	for _, row := range rows[1:] {
		var id int
		_, err := fmt.Sscan(row[1], &id)
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
		assert.NotEmpty(t, row[0])
		assert.NotContains(t, row[2], "@example.com")
	}

	failures := readCSV(t, failed)
	assert.Equal(t, []string{"id", "email", "name", "error", "attempts"}, failures[0])
	require.Len(t, failures, 2)
	assert.Equal(t, "7", failures[1][0])
	assert.Contains(t, failures[1][3], "value rejected")
	assert.Equal(t, "1", failures[1][4])
}

func TestRun_SQLiteEndToEnd(t *testing.T) {
	dir := t.TempDir()
	_, url := startVault(t, mockvault.Behavior{EchoRequestIndex: true, Gzip: true})

	srcPath := filepath.Join(dir, "src.db")
	db, _, err := database.Open(context.Background(), database.Config{Type: database.SQLite, Path: srcPath})
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE customers (id INTEGER, email TEXT)`)
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		_, err = db.Exec(`INSERT INTO customers VALUES (?, ?)`, 12-i, fmt.Sprintf("c%d@example.com", 12-i))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	outPath := filepath.Join(dir, "out.db")
	cfgPath := writeConfig(t, dir, url, fmt.Sprintf(`input:
  type: sqlite
  path: %s
  table: customers
  order_by: id
output:
  type: sqlite
  path: %s
  table: tokens
  create_table: true
  batch_rows: 5
failures:
  path: %s
columns:
  skip_columns: [id]
  write_skip_columns_as_is: true
`, srcPath, outPath, filepath.Join(dir, "failed.csv")))

	out, err := execute(t, "", "run", "--config", cfgPath)
	require.NoError(t, err, out)

	db, _, err = database.Open(context.Background(), database.Config{Type: database.SQLite, Path: outPath})
	require.NoError(t, err)
	defer db.Close()
	rows, err := db.Query(`SELECT skyflow_id, id, email FROM tokens`)
	require.NoError(t, err)
	defer rows.Close()
	n := 0
	for rows.Next() {
		var sid, id, email string
		require.NoError(t, rows.Scan(&sid, &id, &email))
		n++
		assert.Equal(t, fmt.Sprint(n), id)
		assert.NotEmpty(t, sid)
		assert.NotEqual(t, fmt.Sprintf("c%d@example.com", n), email)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, 12, n)
}

func TestRun_InvalidConfigExitCode(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "http://127.0.0.1:1", `input:
  type: csv
  path: in.csv
output:
  type: csv
  path: out.csv
`)
	_, err := execute(t, "", "run", "--config", cfgPath, "--rows-per-chunk", "26")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, GetExitCode(err))
	assert.ErrorIs(t, err, types.ErrConfig)

	_, err = execute(t, "", "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestFillPasswords(t *testing.T) {
	cfg := config.Defaults()
	cfg.Input = config.Endpoint{Type: config.Postgres, User: "loader"}
	cfg.Output = config.Endpoint{Type: config.Postgres, User: "writer", Password: "set"}

	var prompts []string
	err := fillPasswords(cfg, func(p string) (string, error) {
		prompts = append(prompts, p)
		return "secret", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Input.Password)
	assert.Equal(t, "set", cfg.Output.Password)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "loader")

	cfg.Input.Password = ""
	err = fillPasswords(cfg, func(string) (string, error) { return "", errors.New("stdin is not a terminal") })
	assert.ErrorContains(t, err, "INPUT_DB_PASSWORD")
}

func TestGenConfig(t *testing.T) {
	out, err := execute(t, "", "gen-config", "--type", "postgres", "--out", "-")
	require.NoError(t, err)
	var want bytes.Buffer
	require.NoError(t, config.WriteTemplate(&want, config.Postgres))
	assert.Equal(t, want.String(), out)

	path := filepath.Join(t.TempDir(), "config.ini")
	out, err = execute(t, "", "gen-config", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.FileExists(t, path)

	_, err = execute(t, "", "gen-config", "--out", path)
	assert.Error(t, err)

	_, err = execute(t, "", "gen-config", "--type", "oracle", "--out", "-")
	assert.Equal(t, ExitConfigError, GetExitCode(err))
}

func TestGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "mock.csv")
	out, err := execute(t, "", "generate", "--rows", "50", "--seed", "7", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Generated 50 records")
	assert.Len(t, readCSV(t, path), 51)

	_, err = execute(t, "", "generate", "--rows", "0", "--out", path)
	assert.Equal(t, ExitConfigError, GetExitCode(err))
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	vault, url := startVault(t, mockvault.Behavior{})
	input := filepath.Join(dir, "input.csv")
	require.NoError(t, os.WriteFile(input, []byte("email\na@example.com\nb@example.com\n"), 0o600))
	cfgPath := writeConfig(t, dir, url, fmt.Sprintf(`input:
  type: csv
  path: %s
output:
  type: csv
  path: %s
failures:
  path: %s
`, input, filepath.Join(dir, "out.csv"), filepath.Join(dir, "failed.csv")))

	_, err := execute(t, "", "run", "--config", cfgPath)
	require.NoError(t, err)
	require.Len(t, vault.Rows("persons"), 2)

	out, err := execute(t, "wrong\n", "clear", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted")
	assert.Len(t, vault.Rows("persons"), 2)

	out, err = execute(t, "persons\n", "clear", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 2 records")
	assert.Empty(t, vault.Rows("persons"))
}
