package metrics

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

// Component names used with AddTime / GetDuration
const (
	SourceRead   = "source_read"
	RateWait     = "rate_wait"
	APICall      = "api_call"
	RetryDelay   = "retry_delay"
	SinkWrite    = "sink_write"
	FailureWrite = "failure_write"
)

var components = []string{SourceRead, RateWait, APICall, RetryDelay, SinkWrite, FailureWrite}

// Collector holds run metrics with atomic operations for thread safety
type Collector struct {
	RecordsRead      int64
	RecordsSucceeded int64
	RecordsFailed    int64
	SuccessfulChunks int64
	FailedChunks     int64
	PartialChunks    int64
	Retries          int64
	UntouchedFields  int64

	timings   map[string]*int64
	StartTime time.Time
	EndTime   time.Time
}

// New creates a Collector and starts its clock
func New() *Collector {
	m := &Collector{
		timings:   make(map[string]*int64, len(components)),
		StartTime: time.Now(),
	}
	for _, c := range components {
		m.timings[c] = new(int64)
	}
	return m
}

func (m *Collector) AddRead()                 { atomic.AddInt64(&m.RecordsRead, 1) }
func (m *Collector) AddSucceeded(n int)       { atomic.AddInt64(&m.RecordsSucceeded, int64(n)) }
func (m *Collector) AddFailed(n int)          { atomic.AddInt64(&m.RecordsFailed, int64(n)) }
func (m *Collector) AddSuccessfulChunk()      { atomic.AddInt64(&m.SuccessfulChunks, 1) }
func (m *Collector) AddFailedChunk()          { atomic.AddInt64(&m.FailedChunks, 1) }
func (m *Collector) AddPartialChunk()         { atomic.AddInt64(&m.PartialChunks, 1) }
func (m *Collector) AddRetry()                { atomic.AddInt64(&m.Retries, 1) }
func (m *Collector) AddUntouchedFields(n int) { atomic.AddInt64(&m.UntouchedFields, int64(n)) }

// AddTime accumulates time spent in a component. Unknown names are ignored.
func (m *Collector) AddTime(component string, d time.Duration) {
	if p, ok := m.timings[component]; ok {
		atomic.AddInt64(p, d.Nanoseconds())
	}
}

// GetDuration returns the cumulative time of a component across all workers
func (m *Collector) GetDuration(component string) time.Duration {
	if p, ok := m.timings[component]; ok {
		return time.Duration(atomic.LoadInt64(p))
	}
	return 0
}

// Finish stops the run clock
func (m *Collector) Finish() {
	m.EndTime = time.Now()
}

func (m *Collector) Duration() time.Duration {
	end := m.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(m.StartTime)
}

func (m *Collector) Throughput() float64 {
	duration := m.Duration().Seconds()
	if duration > 0 {
		return float64(atomic.LoadInt64(&m.RecordsSucceeded)) / duration
	}
	return 0
}

// WriteSummary prints the end-of-run report
func (m *Collector) WriteSummary(w io.Writer) {
	read := atomic.LoadInt64(&m.RecordsRead)
	ok := atomic.LoadInt64(&m.RecordsSucceeded)
	failed := atomic.LoadInt64(&m.RecordsFailed)
	okChunks := atomic.LoadInt64(&m.SuccessfulChunks)
	failedChunks := atomic.LoadInt64(&m.FailedChunks)

	fmt.Fprintf(w, "\n%s\n", strings.Repeat("=", 60))
	fmt.Fprintf(w, "TOKENIZATION SUMMARY\n")
	fmt.Fprintf(w, "%s\n", strings.Repeat("=", 60))
	fmt.Fprintf(w, "  Records Read:          %d\n", read)
	fmt.Fprintf(w, "  Records Tokenized:     %d\n", ok)
	fmt.Fprintf(w, "  Records Failed:        %d\n", failed)
	fmt.Fprintf(w, "  Processing Time:       %.2f seconds\n", m.Duration().Seconds())
	fmt.Fprintf(w, "  Throughput:            %.0f records/sec\n", m.Throughput())

	totalChunks := okChunks + failedChunks
	if totalChunks > 0 {
		fmt.Fprintf(w, "  Chunk Success Rate:    %d/%d (%.1f%%)\n",
			okChunks, totalChunks, float64(okChunks)/float64(totalChunks)*100)
	}
	if partial := atomic.LoadInt64(&m.PartialChunks); partial > 0 {
		fmt.Fprintf(w, "  Partial Chunks:        %d\n", partial)
	}
	fmt.Fprintf(w, "  Retries:               %d\n", atomic.LoadInt64(&m.Retries))
	if untouched := atomic.LoadInt64(&m.UntouchedFields); untouched > 0 {
		fmt.Fprintf(w, "  Untokenized Fields:    %d (tokenization disabled in vault)\n", untouched)
	}

	fmt.Fprintf(w, "\n  TIMING (cumulative across workers):\n")
	for _, c := range components {
		fmt.Fprintf(w, "    %-16s %10.2fs\n", c, m.GetDuration(c).Seconds())
	}

	if failed == 0 {
		fmt.Fprintf(w, "\n✅ No errors encountered\n")
	} else {
		fmt.Fprintf(w, "\n❌ %d records failed, see the failed records file\n", failed)
	}
}
