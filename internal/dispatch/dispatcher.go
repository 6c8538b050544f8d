// Package dispatch submits chunks to the vault with a bounded pool of workers.
// Every chunk pulled from the source is resolved exactly once: its records
// come out on the success stream, the failure stream, or split between them
// when the vault rejects individual records.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"skyflow-batch-tokenizer/internal/metrics"
	"skyflow-batch-tokenizer/pkg/types"
)

// Gate admits vault calls; implemented by ratelimit.Limiter
type Gate interface {
	Acquire(ctx context.Context) error
}

// ChunkSource yields chunks and returns io.EOF after the last one
type ChunkSource interface {
	Next(ctx context.Context) (types.Chunk, error)
}

// Registrar is told about every chunk before it is handed to a worker
type Registrar interface {
	Register(chunk types.Chunk)
}

// Options tune the worker pool and the retry policy
type Options struct {
	MaxParallel   int
	ParallelLimit int // service maximum for MaxParallel, 0 for none
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// TotalChunks is passed to Progress; 0 when the source size is unknown
	TotalChunks int
	Progress    func(done, total int)
	Metrics     *metrics.Collector
	// Sleep waits between attempts; nil uses a timer
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() float64
}

// Streams carries the outcome of a run. Both channels are closed once every
// chunk has been resolved.
type Streams struct {
	Success <-chan types.TokenResult
	Failure <-chan types.FailureRecord

	feedErr *error
}

// Err returns the error that stopped reading chunks, if any. It is only valid
// after both channels have been closed.
func (s Streams) Err() error {
	if s.feedErr == nil {
		return nil
	}
	return *s.feedErr
}

// Dispatcher runs chunks through the tokenizer
type Dispatcher struct {
	tokenizer types.Tokenizer
	gate      Gate
	opts      Options
	backoff   Backoff
	log       logrus.FieldLogger
	metrics   *metrics.Collector
}

// New validates opts and returns a Dispatcher
func New(tokenizer types.Tokenizer, gate Gate, opts Options, log logrus.FieldLogger) (*Dispatcher, error) {
	if tokenizer == nil {
		return nil, errors.New("dispatch: nil tokenizer")
	}
	if gate == nil {
		return nil, errors.New("dispatch: nil gate")
	}
	if opts.MaxParallel <= 0 {
		return nil, types.NewConfigError("max_parallel_tasks", "must be positive, got %d", opts.MaxParallel)
	}
	if opts.ParallelLimit > 0 && opts.MaxParallel > opts.ParallelLimit {
		return nil, types.NewConfigError("max_parallel_tasks",
			"%d exceeds the service maximum of %d", opts.MaxParallel, opts.ParallelLimit)
	}
	if opts.MaxAttempts <= 0 {
		return nil, types.NewConfigError("max_retries", "must be at least 1, got %d", opts.MaxAttempts)
	}
	if opts.BaseDelay < 0 {
		return nil, types.NewConfigError("retry_delay_ms", "must not be negative")
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Dispatcher{
		tokenizer: tokenizer,
		gate:      gate,
		opts:      opts,
		backoff:   Backoff{Base: opts.BaseDelay, Max: opts.MaxDelay, Jitter: opts.Jitter},
		log:       log,
		metrics:   m,
	}, nil
}

// Run starts the feeder and the workers and returns immediately. Chunks are
// registered with reg (if not nil) before they are queued.
func (d *Dispatcher) Run(ctx context.Context, chunks ChunkSource, reg Registrar) Streams {
	success := make(chan types.TokenResult, d.opts.MaxParallel*2)
	failure := make(chan types.FailureRecord, d.opts.MaxParallel*2)
	// Buffered channel for pipelining
	jobs := make(chan types.Chunk, d.opts.MaxParallel*2)

	feedErr := new(error)
	go func() {
		defer close(jobs)
		// The source sees ctx: after cancellation it hands back what it already
		// buffered and then the context error, so nothing read is left behind.
		for {
			chunk, err := chunks.Next(ctx)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					*feedErr = err
				}
				return
			}
			if chunk.Len() == 0 {
				continue
			}
			if reg != nil {
				reg.Register(chunk)
			}
			// Workers drain jobs until it is closed, so this never blocks forever
			jobs <- chunk
		}
	}()

	var done atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < d.opts.MaxParallel; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			log := d.log.WithField("worker", worker)
			for chunk := range jobs {
				d.process(ctx, log, chunk, success, failure)
				n := int(done.Add(1))
				if d.opts.Progress != nil {
					d.opts.Progress(n, d.opts.TotalChunks)
				}
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(success)
		close(failure)
	}()

	return Streams{Success: success, Failure: failure, feedErr: feedErr}
}

type attemptState int

const (
	statePending attemptState = iota
	stateInFlight
	stateTransientFail
	statePermanentFail
	stateAborted
)

// process drives one chunk to a terminal state
func (d *Dispatcher) process(ctx context.Context, log logrus.FieldLogger, chunk types.Chunk,
	success chan<- types.TokenResult, failure chan<- types.FailureRecord) {
	log = log.WithField("chunk", chunk.Seq)

	state := statePending
	attempt := 0
	var lastErr error
	for {
		switch state {
		case statePending:
			if err := ctx.Err(); err != nil {
				lastErr = abortError(err, lastErr)
				state = stateAborted
				continue
			}
			waitStart := time.Now()
			if err := d.gate.Acquire(ctx); err != nil {
				lastErr = abortError(err, lastErr)
				state = stateAborted
				continue
			}
			d.metrics.AddTime(metrics.RateWait, time.Since(waitStart))
			attempt++
			state = stateInFlight

		case stateInFlight:
			// In-flight calls are allowed to finish after cancellation; the
			// client timeout bounds them.
			callStart := time.Now()
			recs, err := d.tokenizer.Tokenize(context.WithoutCancel(ctx), chunk)
			d.metrics.AddTime(metrics.APICall, time.Since(callStart))
			if err == nil {
				var results []types.TokenResult
				var rejected []types.FailureRecord
				results, rejected, err = correlate(chunk, recs, attempt)
				if err == nil {
					d.emit(chunk, results, rejected, success, failure)
					if len(rejected) > 0 {
						log.WithField("rejected", len(rejected)).Warn("vault rejected records in chunk")
					}
					return
				}
			}
			lastErr = err
			switch {
			case !Retryable(err):
				state = statePermanentFail
			case attempt >= d.opts.MaxAttempts:
				lastErr = fmt.Errorf("retries exhausted after %d attempts: %w", attempt, err)
				state = statePermanentFail
			default:
				state = stateTransientFail
			}

		case stateTransientFail:
			delay := d.backoff.Delay(attempt, lastErr)
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   lastErr.Error(),
			}).Warn("retrying chunk")
			d.metrics.AddRetry()
			sleepStart := time.Now()
			err := d.opts.Sleep(ctx, delay)
			d.metrics.AddTime(metrics.RetryDelay, time.Since(sleepStart))
			if err != nil {
				lastErr = abortError(err, lastErr)
				state = stateAborted
				continue
			}
			state = statePending

		case statePermanentFail:
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"records": chunk.Len(),
				"error":   lastErr.Error(),
			}).Error("chunk failed")
			d.fail(chunk, fmt.Errorf("%w: %w", types.ErrPermanentChunk, lastErr), attempt, failure)
			return

		case stateAborted:
			log.WithField("error", lastErr.Error()).Warn("chunk abandoned")
			d.fail(chunk, fmt.Errorf("%w: %w", types.ErrPermanentChunk, lastErr), attempt, failure)
			return
		}
	}
}

func abortError(cause, lastErr error) error {
	if lastErr == nil {
		return fmt.Errorf("chunk not sent: %w", cause)
	}
	return fmt.Errorf("chunk not retried: %w (last error: %v)", cause, lastErr)
}

func (d *Dispatcher) emit(chunk types.Chunk, results []types.TokenResult, rejected []types.FailureRecord,
	success chan<- types.TokenResult, failure chan<- types.FailureRecord) {
	untouched := 0
	for _, res := range results {
		for _, fv := range res.Fields {
			if fv.Kind == types.Untouched {
				untouched++
			}
		}
		success <- res
	}
	for _, f := range rejected {
		failure <- f
	}
	d.metrics.AddSucceeded(len(results))
	d.metrics.AddUntouchedFields(untouched)
	if len(rejected) > 0 {
		d.metrics.AddFailed(len(rejected))
		d.metrics.AddPartialChunk()
		return
	}
	d.metrics.AddSuccessfulChunk()
}

func (d *Dispatcher) fail(chunk types.Chunk, err error, attempts int, failure chan<- types.FailureRecord) {
	for _, rec := range chunk.Records {
		failure <- types.FailureRecord{Record: rec, Err: err, Attempts: attempts}
	}
	d.metrics.AddFailed(chunk.Len())
	d.metrics.AddFailedChunk()
}
