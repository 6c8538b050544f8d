package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"skyflow-batch-tokenizer/internal/config"
	"skyflow-batch-tokenizer/internal/generator"
	"skyflow-batch-tokenizer/internal/logging"
	"skyflow-batch-tokenizer/internal/mockvault"
	"skyflow-batch-tokenizer/internal/skyflow"
)

// NewGenConfigCommand creates the gen-config command.
func NewGenConfigCommand(_ *RootOptions) *cobra.Command {
	var kind, out string

	cmd := &cobra.Command{
		Use:   "gen-config",
		Short: "Write a commented configuration template",
		Long: `Write a commented INI configuration template for CSV, PostgreSQL or
Snowflake input and output. An existing file is never overwritten.

Example:
  skyflow-tokenizer gen-config --type postgres --out config_pgsql.ini
  skyflow-tokenizer gen-config --type csv --out -`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "-" {
				if err := config.WriteTemplate(cmd.OutOrStdout(), kind); err != nil {
					return WrapExitError(ExitConfigError, "failed to write template", err)
				}
				return nil
			}
			if out == "" {
				out = fmt.Sprintf("config_%s.ini", kind)
			}
			if err := config.WriteTemplateFile(out, kind); err != nil {
				return WrapExitError(ExitConfigError, "failed to write template", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Wrote %s configuration template to %s\n", kind, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "type", config.CSV, "template type ("+strings.Join(config.TemplateKinds, "|")+")")
	cmd.Flags().StringVar(&out, "out", "", "output file, - for stdout (default config_<type>.ini)")
	return cmd
}

// NewGenerateCommand creates the generate command.
func NewGenerateCommand(_ *RootOptions) *cobra.Command {
	var (
		rows, workers int
		seed          int64
		out           string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a mock PII CSV file for test runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateData(cmd, out, generator.Options{Rows: rows, Workers: workers, Seed: seed})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().IntVar(&rows, "rows", 20, "number of records to generate")
	cmd.Flags().IntVar(&workers, "workers", 8, "generator goroutines")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed, 0 uses the clock")
	cmd.Flags().StringVar(&out, "out", filepath.Join("data", "mock_data.csv"), "output CSV file")
	return cmd
}

func generateData(cmd *cobra.Command, out string, opts generator.Options) error {
	w := cmd.OutOrStdout()
	if opts.Rows <= 0 {
		return WrapExitError(ExitConfigError, "invalid --rows", fmt.Errorf("must be > 0, got %d", opts.Rows))
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return WrapExitError(ExitFailure, "failed to create output directory", err)
		}
	}
	f, err := os.Create(out)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create output file", err)
	}

	fmt.Fprintf(w, "🔄 Generating %s records...\n", generator.FormatNumber(int64(opts.Rows)))
	opts.Progress = func(done int) {
		fmt.Fprintf(w, "  Generated %s/%s records...\n",
			generator.FormatNumber(int64(done)), generator.FormatNumber(int64(opts.Rows)))
	}
	start := time.Now()
	n, err := generator.Generate(commandContext(cmd), f, opts)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to generate data", err)
	}
	elapsed := time.Since(start)

	var size int64
	if info, err := os.Stat(out); err == nil {
		size = info.Size()
	}
	fmt.Fprintf(w, "✅ Generated %s records in %.3f seconds (%s records/sec)\n",
		generator.FormatNumber(int64(n)), elapsed.Seconds(),
		generator.FormatNumber(int64(float64(n)/max(elapsed.Seconds(), 1e-9))))
	fmt.Fprintf(w, "  File: %s (%s)\n", out, generator.FormatBytes(size))
	return nil
}

// NewMockVaultCommand creates the mock-vault command.
func NewMockVaultCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		addr        string
		behavior    mockvault.Behavior
		noEchoIndex bool
	)

	cmd := &cobra.Command{
		Use:   "mock-vault",
		Short: "Serve an in-memory vault for local dry runs",
		Long: `Serve an in-memory imitation of the vault record API. Point vault_url at it
to try a configuration without a real vault. Any bearer token is accepted.

Example:
  skyflow-tokenizer mock-vault --addr :8080 --untokenized city --reject invalid@example.com`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			behavior.EchoRequestIndex = !noEchoIndex
			return serveMockVault(cmd, rootOpts, addr, behavior)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringSliceVar(&behavior.Untokenized, "untokenized", nil, "columns returned without a token")
	cmd.Flags().StringSliceVar(&behavior.RejectValues, "reject", nil, "values rejected with a per-record error")
	cmd.Flags().BoolVar(&behavior.Gzip, "gzip", false, "gzip responses")
	cmd.Flags().BoolVar(&noEchoIndex, "no-request-index", false, "omit request_index from insert responses")
	return cmd
}

func serveMockVault(cmd *cobra.Command, rootOpts *RootOptions, addr string, behavior mockvault.Behavior) error {
	log, closeLog, err := logging.New(logging.Options{Level: rootOpts.LogLevel, File: rootOpts.LogFile})
	if err != nil {
		return WrapExitError(ExitConfigError, "failed to set up logging", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           mockvault.New(behavior).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.WithField("addr", addr).Info("mock vault listening")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "mock vault stopped", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info("shutting down mock vault")
	return srv.Shutdown(shutdownCtx)
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		cfgPath string
		yes     bool
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every record of the configured vault table (TEST USE ONLY)",
		Long: `Delete every record of the vault table named in the configuration.
This is meant for resetting test vaults between load runs. Unless --yes is
given, the table name must be typed to confirm.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clearVault(cmd, rootOpts, cfgPath, yes)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the configuration file")
	cmd.Flags().BoolVar(&yes, "yes", false, "do not ask for confirmation")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func clearVault(cmd *cobra.Command, rootOpts *RootOptions, cfgPath string, yes bool) error {
	ctx := commandContext(cmd)
	cfg, err := prepare(ctx, cfgPath, func(c *config.Config) { applyLogFlags(rootOpts, c) }, nil)
	if err != nil {
		return err
	}
	log, closeLog, err := logging.New(logging.Options{Level: cfg.Logging.Level, File: cfg.Logging.File})
	if err != nil {
		return WrapExitError(ExitConfigError, "failed to set up logging", err)
	}
	defer closeLog()

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "\n%s\n", strings.Repeat("=", 60))
	fmt.Fprintf(w, "CLEARING VAULT DATA (TEST USE ONLY)\n")
	fmt.Fprintf(w, "%s\n", strings.Repeat("=", 60))

	table := cfg.Skyflow.TableName
	if !yes {
		answer, err := promptForInput(cmd.InOrStdin(), w,
			fmt.Sprintf("Type the table name (%s) to delete all of its records: ", table))
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read confirmation", err)
		}
		if answer != table {
			fmt.Fprintln(w, "Aborted.")
			return nil
		}
	}

	tokens, err := cfg.Skyflow.TokenProvider()
	if err != nil {
		return WrapExitError(ExitConfigError, "failed to set up vault authentication", err)
	}
	deleted, err := skyflow.NewClient(cfg.Client(), tokens).Clear(ctx, log)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to clear vault", err)
	}
	fmt.Fprintf(w, "✅ Deleted %s records from %s\n", generator.FormatNumber(int64(deleted)), table)
	return nil
}
