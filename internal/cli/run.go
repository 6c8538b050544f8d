package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"skyflow-batch-tokenizer/internal/columns"
	"skyflow-batch-tokenizer/internal/config"
	"skyflow-batch-tokenizer/internal/datasink"
	"skyflow-batch-tokenizer/internal/engine"
	"skyflow-batch-tokenizer/internal/generator"
	"skyflow-batch-tokenizer/internal/logging"
	"skyflow-batch-tokenizer/internal/skyflow"
	"skyflow-batch-tokenizer/pkg/types"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config string

	RowsPerChunk   int
	MaxParallel    int
	CallsPerMinute int
	SkipColumns    []string
	WriteSkipAsIs  bool
	Token          string
	Input          string
	Output         string
	FailedFile     string

	// Prompt reads missing database passwords; nil uses the terminal
	Prompt PasswordPrompt
	// LogOutput replaces stderr for the text log, for tests
	LogOutput io.Writer
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Tokenize every record of the configured input",
		Long: `Tokenize every record of the configured input and write the tokens to the
configured output in input order.

Example:
  skyflow-tokenizer run --config config.ini
  skyflow-tokenizer run --config config.yaml --rows-per-chunk 10 --skip-columns id,created_at`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenize(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Config, "config", "c", "", "path to the configuration file (.ini, .json or .yaml)")
	f.IntVar(&opts.RowsPerChunk, "rows-per-chunk", 0, "records per vault call (overrides config)")
	f.IntVar(&opts.MaxParallel, "max-parallel", 0, "concurrent vault calls (overrides config)")
	f.IntVar(&opts.CallsPerMinute, "calls-per-minute", 0, "vault calls allowed per minute (overrides config)")
	f.StringSliceVar(&opts.SkipColumns, "skip-columns", nil, "columns never sent to the vault (overrides config)")
	f.BoolVar(&opts.WriteSkipAsIs, "write-skip-as-is", false, "copy skipped columns to the output (overrides config)")
	f.StringVar(&opts.Token, "token", "", "bearer token (overrides config)")
	f.StringVar(&opts.Input, "input", "", "input CSV file or database path (overrides config)")
	f.StringVar(&opts.Output, "output", "", "output CSV file or database path (overrides config)")
	f.StringVar(&opts.FailedFile, "failed-file", "", "failed records CSV (overrides config)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func applyRunFlags(cmd *cobra.Command, opts *RunOptions, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("rows-per-chunk") {
		cfg.Performance.RowsPerChunk = opts.RowsPerChunk
	}
	if f.Changed("max-parallel") {
		cfg.Performance.MaxParallelTasks = opts.MaxParallel
	}
	if f.Changed("calls-per-minute") {
		cfg.Performance.MaxCallsPerMinute = opts.CallsPerMinute
	}
	if f.Changed("skip-columns") {
		cfg.Columns.SkipColumns = opts.SkipColumns
	}
	if f.Changed("write-skip-as-is") {
		cfg.Columns.WriteSkipColumnsAsIs = opts.WriteSkipAsIs
	}
	if opts.Token != "" {
		cfg.Skyflow.BearerToken = opts.Token
		cfg.Skyflow.CredentialsPath = ""
	}
	if opts.Input != "" {
		cfg.Input.Path = opts.Input
	}
	if opts.Output != "" {
		cfg.Output.Path = opts.Output
	}
	if opts.FailedFile != "" {
		cfg.Failures.Path = opts.FailedFile
	}
	applyLogFlags(opts.RootOptions, cfg)
}

func applyLogFlags(opts *RootOptions, cfg *config.Config) {
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogFile != "" {
		cfg.Logging.File = opts.LogFile
	}
}

// prepare loads, completes and validates the configuration
func prepare(ctx context.Context, path string, apply func(*config.Config), prompt PasswordPrompt) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitConfigError, "failed to load configuration", err)
	}
	apply(cfg)

	if cfg.Skyflow.SecretName != "" {
		sm, err := config.NewSecretsClient(ctx, cfg.Skyflow.Region)
		if err != nil {
			return nil, WrapExitError(ExitConfigError, "failed to reach Secrets Manager", err)
		}
		if err := config.ResolveSecrets(ctx, cfg, sm); err != nil {
			return nil, WrapExitError(ExitConfigError, "failed to read secret", err)
		}
	}
	if prompt != nil {
		if err := fillPasswords(cfg, prompt); err != nil {
			return nil, WrapExitError(ExitConfigError, "missing password", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitConfigError, "invalid configuration", err)
	}
	return cfg, nil
}

func runTokenize(cmd *cobra.Command, opts *RunOptions) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prompt := opts.Prompt
	if prompt == nil {
		prompt = promptForPassword
	}
	cfg, err := prepare(ctx, opts.Config, func(c *config.Config) { applyRunFlags(cmd, opts, c) }, prompt)
	if err != nil {
		return err
	}

	log, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		File:   cfg.Logging.File,
		Output: opts.LogOutput,
	})
	if err != nil {
		return WrapExitError(ExitConfigError, "failed to set up logging", err)
	}
	defer closeLog()

	tokens, err := cfg.Skyflow.TokenProvider()
	if err != nil {
		return WrapExitError(ExitConfigError, "failed to set up vault authentication", err)
	}
	client := skyflow.NewClient(cfg.Client(), tokens)
	eng, err := engine.New(cfg.Engine(), client, log)
	if err != nil {
		return WrapExitError(ExitConfigError, "invalid configuration", err)
	}

	src, closeSrc, err := openSource(ctx, cfg.Input)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open input", err)
	}
	defer func() {
		if cerr := closeSrc(); cerr != nil {
			log.WithError(cerr).Warn("error closing input")
		}
	}()

	spec := columns.NewSpec(cfg.Columns.SkipColumns, cfg.Columns.WriteSkipColumnsAsIs)
	outColumns := spec.OutputColumns(src.Columns())
	out, closeOut, err := openSink(ctx, cfg.Output, outColumns)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open output", err)
	}
	failures, err := datasink.CreateFailureCSV(cfg.Failures.Path, outColumns[1:])
	if err != nil {
		closeOut()
		return WrapExitError(ExitFailure, "failed to open failures file", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "\n%s\n", strings.Repeat("=", 60))
	fmt.Fprintf(w, "🚀 Tokenizing %s into vault %s (table %s)\n", describe(cfg.Input), cfg.Skyflow.VaultID, cfg.Skyflow.TableName)
	fmt.Fprintf(w, "%s\n", strings.Repeat("=", 60))

	summary, runErr := eng.Run(ctx, src, out, failures)
	closeErr := errors.Join(closeOut(), failures.Close())

	summary.Metrics.WriteSummary(w)
	fmt.Fprintf(w, "  Run ID:                %s\n", summary.RunID)
	fmt.Fprintf(w, "  Output:                %s\n", describe(cfg.Output))
	if summary.Failed > 0 {
		fmt.Fprintf(w, "  ⚠️  %s records failed, see %s\n", generator.FormatNumber(summary.Failed), cfg.Failures.Path)
	}

	if runErr != nil {
		log.WithError(runErr).WithField("run_id", summary.RunID).Error("run failed")
		code := ExitFailure
		if errors.Is(runErr, types.ErrConfig) {
			code = ExitConfigError
		}
		return WrapExitError(code, "run failed", runErr)
	}
	if closeErr != nil {
		return WrapExitError(ExitFailure, "failed to finish output", closeErr)
	}
	log.WithFields(logrus.Fields{"run_id": summary.RunID, "chunks": summary.Chunks}).Debug("output closed")
	fmt.Fprintf(w, "\n🎉 Tokenized %s of %s records\n", generator.FormatNumber(summary.Succeeded), generator.FormatNumber(summary.Read))
	return nil
}

func describe(e config.Endpoint) string {
	switch {
	case e.Type == config.CSV:
		return e.Path
	case e.Type == config.SQLite:
		return fmt.Sprintf("%s:%s", e.Path, e.Table)
	case e.IsDatabase():
		return fmt.Sprintf("%s %s.%s", e.Type, e.DBName, e.Table)
	default:
		return e.Type
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
