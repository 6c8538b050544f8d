// Package engine runs a tokenization job end to end: source, column filter,
// chunker, dispatcher, reconciler and sinks.
package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"skyflow-batch-tokenizer/internal/chunker"
	"skyflow-batch-tokenizer/internal/columns"
	"skyflow-batch-tokenizer/internal/dispatch"
	"skyflow-batch-tokenizer/internal/metrics"
	"skyflow-batch-tokenizer/internal/ratelimit"
	"skyflow-batch-tokenizer/internal/reconcile"
	"skyflow-batch-tokenizer/pkg/types"
)

// Config holds the tuning values of a run
type Config struct {
	RowsPerChunk      int
	RowsPerChunkLimit int
	MaxParallel       int
	ParallelLimit     int
	MaxCallsPerMinute int
	MaxAttempts       int
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
	SkipColumns       []string
	WriteSkipAsIs     bool
}

// Summary describes a finished run
type Summary struct {
	RunID     string
	Read      int64
	Succeeded int64
	Failed    int64
	Chunks    int
	Metrics   *metrics.Collector
}

// Engine executes runs with a fixed configuration and vault client
type Engine struct {
	cfg       Config
	tokenizer types.Tokenizer
	log       logrus.FieldLogger

	gate     dispatch.Gate
	sleep    func(ctx context.Context, d time.Duration) error
	progress func(done, total int)
}

// Option customizes an Engine
type Option func(*Engine)

// WithGate replaces the per-run rate limiter, e.g. to share one across runs
func WithGate(g dispatch.Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithRetrySleep replaces the wait between attempts
func WithRetrySleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithProgress is called after each chunk with the number of chunks done
// and the expected total (0 if unknown)
func WithProgress(fn func(done, total int)) Option {
	return func(e *Engine) { e.progress = fn }
}

// New validates cfg. Configuration errors are returned before any record is
// read or any vault call is made.
func New(cfg Config, tokenizer types.Tokenizer, log logrus.FieldLogger, opts ...Option) (*Engine, error) {
	if err := chunker.Validate(cfg.RowsPerChunk, cfg.RowsPerChunkLimit); err != nil {
		return nil, err
	}
	if cfg.MaxParallel <= 0 {
		return nil, types.NewConfigError("max_parallel_tasks", "must be > 0, got %d", cfg.MaxParallel)
	}
	if cfg.ParallelLimit > 0 && cfg.MaxParallel > cfg.ParallelLimit {
		return nil, types.NewConfigError("max_parallel_tasks",
			"%d exceeds the service maximum of %d", cfg.MaxParallel, cfg.ParallelLimit)
	}
	if cfg.MaxCallsPerMinute <= 0 {
		return nil, types.NewConfigError("max_calls_per_minute", "must be > 0, got %d", cfg.MaxCallsPerMinute)
	}
	if cfg.MaxAttempts <= 0 {
		return nil, types.NewConfigError("max_retries", "must be > 0, got %d", cfg.MaxAttempts)
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	e := &Engine{cfg: cfg, tokenizer: tokenizer, log: log}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run processes every record of src. Output records reach out in source
// order; records that could not be tokenized reach failures. The caller owns
// and closes the source and sinks.
//
// A failed chunk does not fail the run. The returned error is non-nil for a
// source read error, a sink error, cancellation, or a reconciliation gap; the
// Summary is returned in every case.
func (e *Engine) Run(ctx context.Context, src types.RecordSource, out types.RecordSink, failures types.FailureSink) (*Summary, error) {
	runID := uuid.NewString()
	log := e.log.WithField("run_id", runID)
	m := metrics.New()
	summary := &Summary{RunID: runID, Metrics: m}
	defer m.Finish()

	spec := columns.NewSpec(e.cfg.SkipColumns, e.cfg.WriteSkipAsIs)
	reader := &countingReader{src: columns.NewReader(src, spec), metrics: m}
	chunks, err := chunker.New(reader, e.cfg.RowsPerChunk, e.cfg.RowsPerChunkLimit)
	if err != nil {
		return summary, err
	}

	total := 0
	if counter, ok := src.(types.Counter); ok {
		n, err := counter.Count(ctx)
		if err != nil {
			log.WithError(err).Warn("could not count source records; progress total unknown")
		} else {
			total = chunker.Count(n, e.cfg.RowsPerChunk)
			log.WithFields(logrus.Fields{"records": n, "chunks": total}).Info("source counted")
		}
	}

	gate := e.gate
	if gate == nil {
		limiter, err := ratelimit.New(e.cfg.MaxCallsPerMinute, ratelimit.DefaultWindow)
		if err != nil {
			return summary, err
		}
		gate = limiter
	}

	progress := e.progress
	if progress == nil {
		progress = logProgress(log, m)
	}
	disp, err := dispatch.New(e.tokenizer, gate, dispatch.Options{
		MaxParallel:   e.cfg.MaxParallel,
		ParallelLimit: e.cfg.ParallelLimit,
		MaxAttempts:   e.cfg.MaxAttempts,
		BaseDelay:     e.cfg.RetryDelay,
		MaxDelay:      e.cfg.MaxRetryDelay,
		TotalChunks:   total,
		Progress:      progress,
		Metrics:       m,
		Sleep:         e.sleep,
	}, log)
	if err != nil {
		return summary, err
	}

	log.WithFields(logrus.Fields{
		"rows_per_chunk": e.cfg.RowsPerChunk,
		"workers":        e.cfg.MaxParallel,
		"calls_per_min":  e.cfg.MaxCallsPerMinute,
		"skipped":        spec.Skipped(),
	}).Info("starting run")

	ledger := reconcile.NewLedger()
	rec := reconcile.New(ledger, out, failures, log, reconcile.WithMetrics(m))

	g, gctx := errgroup.WithContext(ctx)
	// A sink error cancels gctx, which stops the dispatcher from pulling more
	// chunks.
	streams := disp.Run(gctx, chunks, ledger)
	var counts reconcile.Counts
	g.Go(func() error {
		var err error
		// Results that were produced are written even after cancellation
		counts, err = rec.Run(context.WithoutCancel(gctx), streams.Success, streams.Failure)
		return err
	})
	runErr := g.Wait()

	summary.Read = reader.n
	summary.Succeeded = counts.Succeeded
	summary.Failed = counts.Failed
	summary.Chunks = ledger.Chunks()

	if runErr != nil {
		return summary, runErr
	}
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("run cancelled: %w", err)
	}
	if err := streams.Err(); err != nil {
		return summary, fmt.Errorf("failed to read source: %w", err)
	}
	if counts.Total() != summary.Read {
		return summary, &reconcile.GapError{
			Reason: fmt.Sprintf("%d records read but %d resolved", summary.Read, counts.Total()),
		}
	}

	log.WithFields(logrus.Fields{
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	}).Info("run complete")
	return summary, nil
}

// countingReader counts records handed to the chunker and times source reads
type countingReader struct {
	src     types.RecordReader
	metrics *metrics.Collector
	n       int64
}

func (r *countingReader) Read(ctx context.Context) (types.Record, error) {
	start := time.Now()
	rec, err := r.src.Read(ctx)
	r.metrics.AddTime(metrics.SourceRead, time.Since(start))
	if err != nil {
		return rec, err
	}
	r.n++
	r.metrics.AddRead()
	return rec, nil
}

// logProgress reports progress roughly every tenth of the run
func logProgress(log logrus.FieldLogger, m *metrics.Collector) func(done, total int) {
	return func(done, total int) {
		step := total / 10
		if step == 0 {
			step = 1
		}
		if total > 0 && done%step != 0 && done != total {
			return
		}
		fields := logrus.Fields{
			"chunks":      done,
			"records_sec": fmt.Sprintf("%.0f", m.Throughput()),
		}
		if total > 0 {
			fields["total"] = total
			fields["percent"] = fmt.Sprintf("%.1f", float64(done)/float64(total)*100)
		}
		log.WithFields(fields).Info("progress")
	}
}
