package cli

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"skyflow-batch-tokenizer/internal/config"
	"skyflow-batch-tokenizer/internal/database"
	"skyflow-batch-tokenizer/internal/datasink"
	"skyflow-batch-tokenizer/internal/datasource"
	"skyflow-batch-tokenizer/pkg/types"
)

// openSource opens the configured input. The returned close func releases
// the source and its database connection.
func openSource(ctx context.Context, e config.Endpoint) (types.RecordSource, func() error, error) {
	switch {
	case e.Type == config.CSV:
		src, err := datasource.OpenCSV(e.Path)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	case e.IsDatabase():
		db, dialect, err := database.Open(ctx, e.Database())
		if err != nil {
			return nil, nil, err
		}
		src, err := datasource.OpenTable(ctx, db, dialect, e.Table, e.OrderBy)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return src, closeBoth(src.Close, db), nil
	default:
		return nil, nil, fmt.Errorf("input type %q is not available from the command line", e.Type)
	}
}

// openSink opens the configured output with the given header
func openSink(ctx context.Context, e config.Endpoint, columns []string) (types.RecordSink, func() error, error) {
	switch {
	case e.Type == config.CSV:
		out, err := datasink.CreateCSV(e.Path, columns)
		if err != nil {
			return nil, nil, err
		}
		return out, out.Close, nil
	case e.IsDatabase():
		db, dialect, err := database.Open(ctx, e.Database())
		if err != nil {
			return nil, nil, err
		}
		out, err := datasink.OpenTable(ctx, db, dialect, e.Table, columns, datasink.TableOptions{
			Create:    e.CreateTable,
			BatchRows: e.BatchRows,
		})
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return out, closeBoth(out.Close, db), nil
	default:
		return nil, nil, fmt.Errorf("output type %q is not available from the command line", e.Type)
	}
}

func closeBoth(closeFn func() error, db *sql.DB) func() error {
	return func() error {
		return errors.Join(closeFn(), db.Close())
	}
}

// PasswordPrompt asks for a secret without echo
type PasswordPrompt func(prompt string) (string, error)

// promptForPassword prompts the user for a password securely (without echo)
func promptForPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	bytePassword, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr) // Print newline after password input
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bytePassword)), nil
}

// promptForInput reads one line of text input
func promptForInput(in io.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	reader := bufio.NewReader(in)
	input, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// fillPasswords prompts for database passwords that are neither in the
// config nor in the environment
func fillPasswords(cfg *config.Config, prompt PasswordPrompt) error {
	for _, ep := range []struct {
		name string
		env  string
		e    *config.Endpoint
	}{
		{"input", "INPUT_DB_PASSWORD", &cfg.Input},
		{"output", "OUTPUT_DB_PASSWORD", &cfg.Output},
	} {
		if !ep.e.IsDatabase() || ep.e.Type == config.SQLite || ep.e.Password != "" {
			continue
		}
		pw, err := prompt(fmt.Sprintf("Enter %s database password for %s: ", ep.name, ep.e.User))
		if err != nil {
			return fmt.Errorf("%s database password is required (set %s): %w", ep.name, ep.env, err)
		}
		ep.e.Password = pw
	}
	return nil
}
