package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyflow-batch-tokenizer/internal/datasink"
	"skyflow-batch-tokenizer/internal/datasource"
	"skyflow-batch-tokenizer/pkg/types"
)

// shuffleVault answers after a random delay so chunks finish out of order
type shuffleVault struct {
	mu    sync.Mutex
	calls int
	sizes []int
	fail  func(chunk types.Chunk, call int) error
}

func (v *shuffleVault) Tokenize(_ context.Context, chunk types.Chunk) ([]types.VaultRecord, error) {
	v.mu.Lock()
	v.calls++
	call := v.calls
	v.sizes = append(v.sizes, chunk.Len())
	v.mu.Unlock()

	time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond)
	if v.fail != nil {
		if err := v.fail(chunk, call); err != nil {
			return nil, err
		}
	}
	out := make([]types.VaultRecord, 0, chunk.Len())
	for _, rec := range chunk.Records {
		tokens := make(map[string]string)
		for name, val := range rec.Fields {
			tokens[name] = "tok:" + val
		}
		out = append(out, types.VaultRecord{SkyflowID: fmt.Sprintf("sid-%d", rec.Index), Tokens: tokens})
	}
	return out, nil
}

func rows(n int) []map[string]string {
	out := make([]map[string]string, n)
	for i := range out {
		out[i] = map[string]string{
			"id":    fmt.Sprint(i),
			"email": fmt.Sprintf("user%d@example.com", i),
			"notes": "internal",
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		RowsPerChunk:      25,
		RowsPerChunkLimit: 25,
		MaxParallel:       5,
		ParallelLimit:     7,
		MaxCallsPerMinute: 1000,
		MaxAttempts:       3,
		RetryDelay:        time.Millisecond,
		MaxRetryDelay:     10 * time.Millisecond,
		SkipColumns:       []string{"ID", "notes"},
		WriteSkipAsIs:     true,
	}
}

func noWait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestRun_SixtyRecordsReassembledInOrder(t *testing.T) {
	vault := &shuffleVault{}
	eng, err := New(testConfig(), vault, nil, WithRetrySleep(noWait))
	require.NoError(t, err)

	sink := datasink.NewMemory()
	summary, err := eng.Run(context.Background(), datasource.NewMemory(nil, rows(60)), sink, sink)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{25, 25, 10}, vault.sizes)
	assert.Equal(t, 3, summary.Chunks)
	assert.Equal(t, int64(60), summary.Read)
	assert.Equal(t, int64(60), summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.NotEmpty(t, summary.RunID)

	require.Len(t, sink.Records, 60)
	for i, rec := range sink.Records {
		assert.Equal(t, int64(i), rec.Index)
		assert.Equal(t, fmt.Sprintf("sid-%d", i), rec.SkyflowID)
		assert.Equal(t, fmt.Sprintf("tok:user%d@example.com", i), rec.Values["email"])
		// skipped columns are copied as-is and never sent to the vault
		assert.Equal(t, fmt.Sprint(i), rec.Values["id"])
		assert.Equal(t, "internal", rec.Values["notes"])
	}
}

func TestRun_DroppedColumnsAreNotWritten(t *testing.T) {
	cfg := testConfig()
	cfg.WriteSkipAsIs = false
	eng, err := New(cfg, &shuffleVault{}, nil)
	require.NoError(t, err)

	sink := datasink.NewMemory()
	_, err = eng.Run(context.Background(), datasource.NewMemory(nil, rows(3)), sink, sink)
	require.NoError(t, err)
	require.Len(t, sink.Records, 3)
	assert.Equal(t, map[string]string{"email": "tok:user0@example.com"}, sink.Records[0].Values)
}

func TestRun_PermanentFailureRoutesChunkAndCompletes(t *testing.T) {
	vault := &shuffleVault{fail: func(chunk types.Chunk, _ int) error {
		if chunk.Records[0].Index == 25 {
			return types.NewServiceError(http.StatusBadRequest, "schema violation")
		}
		return nil
	}}
	eng, err := New(testConfig(), vault, nil, WithRetrySleep(noWait))
	require.NoError(t, err)

	sink := datasink.NewMemory()
	summary, err := eng.Run(context.Background(), datasource.NewMemory(nil, rows(60)), sink, sink)
	require.NoError(t, err)

	assert.Equal(t, int64(35), summary.Succeeded)
	assert.Equal(t, int64(25), summary.Failed)
	assert.Equal(t, int64(1), summary.Metrics.FailedChunks)
	require.Len(t, sink.Failures, 25)
	for _, f := range sink.Failures {
		assert.ErrorIs(t, f.Err, types.ErrPermanentChunk)
		assert.Equal(t, 1, f.Attempts)
	}
	for i := 1; i < len(sink.Records); i++ {
		assert.Less(t, sink.Records[i-1].Index, sink.Records[i].Index)
	}
}

func TestRun_TransientErrorsAreRetried(t *testing.T) {
	vault := &shuffleVault{fail: func(_ types.Chunk, call int) error {
		if call <= 2 {
			return types.NewServiceError(http.StatusTooManyRequests, "slow down")
		}
		return nil
	}}
	cfg := testConfig()
	cfg.MaxParallel = 1
	eng, err := New(cfg, vault, nil, WithRetrySleep(noWait))
	require.NoError(t, err)

	sink := datasink.NewMemory()
	summary, err := eng.Run(context.Background(), datasource.NewMemory(nil, rows(10)), sink, sink)
	require.NoError(t, err)
	assert.Equal(t, int64(10), summary.Succeeded)
	assert.Equal(t, int64(2), summary.Metrics.Retries)
}

func TestNew_RejectsChunkSizeAboveServiceLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RowsPerChunk = 26
	_, err := New(cfg, &shuffleVault{}, nil)
	require.Error(t, err)
	var cfgErr *types.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "rows_per_chunk", cfgErr.Field)

	cfg = testConfig()
	cfg.MaxParallel = 8
	_, err = New(cfg, &shuffleVault{}, nil)
	assert.ErrorIs(t, err, types.ErrConfig)
}

type brokenSource struct {
	*datasource.Memory
	failAt int64
	n      int64
}

func (s *brokenSource) Read(ctx context.Context) (types.Record, error) {
	if s.n == s.failAt {
		return types.Record{}, errors.New("connection lost")
	}
	s.n++
	return s.Memory.Read(ctx)
}

func TestRun_SourceErrorStillResolvesReadRecords(t *testing.T) {
	eng, err := New(testConfig(), &shuffleVault{}, nil)
	require.NoError(t, err)

	src := &brokenSource{Memory: datasource.NewMemory(nil, rows(60)), failAt: 30}
	sink := datasink.NewMemory()
	summary, err := eng.Run(context.Background(), src, sink, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")
	assert.Equal(t, int64(30), summary.Read)
	assert.Equal(t, int64(30), summary.Succeeded)
	assert.Len(t, sink.Records, 30)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	vault := &shuffleVault{fail: func(types.Chunk, int) error {
		cancel()
		return nil
	}}
	cfg := testConfig()
	cfg.MaxParallel = 1
	cfg.RowsPerChunk = 5
	eng, err := New(cfg, vault, nil)
	require.NoError(t, err)

	sink := datasink.NewMemory()
	summary, err := eng.Run(ctx, datasource.NewMemory(nil, rows(500)), sink, sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, summary.Read, summary.Succeeded+summary.Failed)
	assert.Less(t, summary.Read, int64(500))
	assert.GreaterOrEqual(t, summary.Succeeded, int64(5))
}
