package reconcile

import (
	"sort"
	"sync"

	"skyflow-batch-tokenizer/pkg/types"
)

// Ledger holds the passthrough fields of every dispatched record until its
// result comes back. It is filled by the dispatcher and drained by the
// Reconciler.
type Ledger struct {
	mu         sync.Mutex
	pending    map[int64]map[string]string
	registered int64
	chunks     int
	conflicts  []int64
}

// NewLedger returns an empty Ledger
func NewLedger() *Ledger {
	return &Ledger{pending: make(map[int64]map[string]string)}
}

// Register records every record of chunk as outstanding
func (l *Ledger) Register(chunk types.Chunk) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chunks++
	for _, rec := range chunk.Records {
		if _, dup := l.pending[rec.Index]; dup {
			l.conflicts = append(l.conflicts, rec.Index)
			continue
		}
		l.pending[rec.Index] = rec.Passthrough
		l.registered++
	}
}

// Take removes an outstanding index and returns its passthrough fields. ok is
// false when the index was never registered or was already taken.
func (l *Ledger) Take(index int64) (passthrough map[string]string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	passthrough, ok = l.pending[index]
	if ok {
		delete(l.pending, index)
	}
	return passthrough, ok
}

// Pending returns the number of outstanding records
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Registered returns the number of records registered so far
func (l *Ledger) Registered() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registered
}

// Chunks returns the number of chunks registered so far
func (l *Ledger) Chunks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chunks
}

// Outstanding returns the unresolved indices in ascending order
func (l *Ledger) Outstanding() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, 0, len(l.pending))
	for idx := range l.pending {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Conflicts returns indices that were registered more than once
func (l *Ledger) Conflicts() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.conflicts...)
}
