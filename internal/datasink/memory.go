package datasink

import (
	"context"
	"sync"

	"skyflow-batch-tokenizer/pkg/types"
)

// Memory collects output and failed records in memory
type Memory struct {
	mu       sync.Mutex
	Records  []types.OutputRecord
	Failures []types.FailureRecord
	closed   bool
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Write(_ context.Context, rec types.OutputRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, rec)
	return nil
}

func (m *Memory) WriteFailure(_ context.Context, rec types.FailureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failures = append(m.Failures, rec)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close has been called
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
