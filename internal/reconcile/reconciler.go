// Package reconcile merges vault results back into source order.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"skyflow-batch-tokenizer/internal/metrics"
	"skyflow-batch-tokenizer/pkg/types"
)

// maxReported bounds the indices listed in a GapError message
const maxReported = 10

// GapError reports records that were lost, duplicated or never dispatched
type GapError struct {
	Reason  string
	Indices []int64
}

func (e *GapError) Error() string {
	idx := e.Indices
	more := ""
	if len(idx) > maxReported {
		more = fmt.Sprintf(" and %d more", len(idx)-maxReported)
		idx = idx[:maxReported]
	}
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = fmt.Sprint(v)
	}
	return fmt.Sprintf("%s: %s: indices [%s]%s", types.ErrReconciliationGap, e.Reason, strings.Join(parts, " "), more)
}

func (e *GapError) Unwrap() error {
	return types.ErrReconciliationGap
}

// Counts is the outcome of a reconciliation
type Counts struct {
	Succeeded int64
	Failed    int64
}

// Total returns the number of resolved records
func (c Counts) Total() int64 {
	return c.Succeeded + c.Failed
}

// Reconciler writes results in strictly increasing origin index order
type Reconciler struct {
	ledger   *Ledger
	out      types.RecordSink
	failures types.FailureSink
	log      logrus.FieldLogger
	metrics  *metrics.Collector
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithMetrics records sink timings in m
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New creates a Reconciler draining results registered in ledger
func New(ledger *Ledger, out types.RecordSink, failures types.FailureSink, log logrus.FieldLogger, opts ...Option) *Reconciler {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	r := &Reconciler{ledger: ledger, out: out, failures: failures, log: log, metrics: metrics.New()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// slot is a buffered outcome: either an output record or a failed marker
type slot struct {
	rec    types.OutputRecord
	failed bool
}

type state struct {
	next     int64
	buffered map[int64]slot
	counts   Counts
	err      error
}

// Run consumes both streams until they are closed. The streams are always
// drained, even after a sink error, so producers never block; the first error
// is returned.
func (r *Reconciler) Run(ctx context.Context, success <-chan types.TokenResult, failure <-chan types.FailureRecord) (Counts, error) {
	st := &state{buffered: make(map[int64]slot)}

	for success != nil || failure != nil {
		select {
		case res, ok := <-success:
			if !ok {
				success = nil
				continue
			}
			r.accept(ctx, st, res)
		case f, ok := <-failure:
			if !ok {
				failure = nil
				continue
			}
			r.reject(ctx, st, f)
		}
	}

	if st.err != nil {
		return st.counts, st.err
	}
	if conflicts := r.ledger.Conflicts(); len(conflicts) > 0 {
		return st.counts, &GapError{Reason: "records dispatched more than once", Indices: conflicts}
	}
	if missing := r.ledger.Outstanding(); len(missing) > 0 {
		return st.counts, &GapError{Reason: "records never resolved", Indices: missing}
	}
	if len(st.buffered) > 0 {
		held := make([]int64, 0, len(st.buffered))
		for idx := range st.buffered {
			held = append(held, idx)
		}
		sort.Slice(held, func(i, j int) bool { return held[i] < held[j] })
		return st.counts, &GapError{
			Reason:  fmt.Sprintf("output stalled at index %d", st.next),
			Indices: held,
		}
	}
	return st.counts, nil
}

func (r *Reconciler) accept(ctx context.Context, st *state, res types.TokenResult) {
	passthrough, ok := r.ledger.Take(res.Index)
	if !ok {
		r.setErr(st, &GapError{Reason: "result for unknown or already resolved record", Indices: []int64{res.Index}})
		return
	}
	st.counts.Succeeded++
	st.buffered[res.Index] = slot{rec: merge(res, passthrough)}
	r.flush(ctx, st)
}

func (r *Reconciler) reject(ctx context.Context, st *state, f types.FailureRecord) {
	if _, ok := r.ledger.Take(f.Record.Index); !ok {
		r.setErr(st, &GapError{Reason: "failure for unknown or already resolved record", Indices: []int64{f.Record.Index}})
		return
	}
	st.counts.Failed++
	if st.err == nil {
		start := time.Now()
		if err := r.failures.WriteFailure(ctx, f); err != nil {
			r.setErr(st, fmt.Errorf("write failed record %d: %w", f.Record.Index, err))
		}
		r.metrics.AddTime(metrics.FailureWrite, time.Since(start))
	}
	st.buffered[f.Record.Index] = slot{failed: true}
	r.flush(ctx, st)
}

// flush emits every buffered record that is next in order
func (r *Reconciler) flush(ctx context.Context, st *state) {
	for {
		s, ok := st.buffered[st.next]
		if !ok {
			return
		}
		delete(st.buffered, st.next)
		st.next++
		if s.failed || st.err != nil {
			continue
		}
		start := time.Now()
		if err := r.out.Write(ctx, s.rec); err != nil {
			r.setErr(st, fmt.Errorf("write record %d: %w", s.rec.Index, err))
		}
		r.metrics.AddTime(metrics.SinkWrite, time.Since(start))
	}
}

func (r *Reconciler) setErr(st *state, err error) {
	if st.err != nil {
		return
	}
	r.log.WithError(err).Error("reconciliation stopped writing")
	st.err = err
}

// merge combines vault values with the passthrough fields of the record
func merge(res types.TokenResult, passthrough map[string]string) types.OutputRecord {
	values := make(map[string]string, len(res.Fields)+len(passthrough))
	for name, fv := range res.Fields {
		values[name] = fv.Value
	}
	for name, v := range passthrough {
		values[name] = v
	}
	return types.OutputRecord{Index: res.Index, SkyflowID: res.SkyflowID, Values: values}
}
