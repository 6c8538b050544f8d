package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyflow-batch-tokenizer/pkg/types"
)

// fakeClock advances only when a waiter sleeps
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func newTestLimiter(t *testing.T, max int, window time.Duration, clk *fakeClock) *Limiter {
	t.Helper()
	l, err := New(max, window, WithClock(clk.Now), WithSleep(clk.Sleep))
	require.NoError(t, err)
	return l
}

func TestNewRejectsNonPositiveRate(t *testing.T) {
	_, err := New(0, time.Minute)
	assert.ErrorIs(t, err, types.ErrConfig)

	_, err = New(5, 0)
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestAcquireAdmitsUpToMaxThenWaitsForWindow(t *testing.T) {
	clk := newFakeClock()
	start := clk.Now()
	l := newTestLimiter(t, 3, time.Minute, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	assert.Equal(t, start, clk.Now(), "first permits must not wait")
	assert.Zero(t, l.Available())

	require.NoError(t, l.Acquire(ctx))
	assert.GreaterOrEqual(t, clk.Now().Sub(start), time.Minute)
}

func TestAcquireHonoursCancellation(t *testing.T) {
	l, err := New(1, time.Hour)
	require.NoError(t, err)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentAcquireNeverOverAdmits(t *testing.T) {
	const (
		max     = 7
		workers = 5
		calls   = 12
	)
	clk := newFakeClock()
	l := newTestLimiter(t, max, time.Minute, clk)

	var mu sync.Mutex
	var admitted []time.Time
	l.onAdmit = func(at time.Time) {
		mu.Lock()
		admitted = append(admitted, at)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < calls; i++ {
				assert.NoError(t, l.Acquire(context.Background()))
			}
		}()
	}
	wg.Wait()

	require.Len(t, admitted, workers*calls)
	sort.Slice(admitted, func(i, j int) bool { return admitted[i].Before(admitted[j]) })

	// every rolling window holds at most max admissions
	for i := range admitted {
		inWindow := 0
		for j := i; j < len(admitted) && admitted[j].Sub(admitted[i]) < time.Minute; j++ {
			inWindow++
		}
		assert.LessOrEqual(t, inWindow, max, "window starting at admission %d", i)
	}

	// and the total over the elapsed duration stays within max per minute, plus one
	elapsed := admitted[len(admitted)-1].Sub(admitted[0])
	bound := float64(max)*(elapsed.Minutes()+1) + 1
	assert.LessOrEqual(t, float64(len(admitted)), bound)
}

func TestPermitsExpireByTimeOnly(t *testing.T) {
	clk := newFakeClock()
	l := newTestLimiter(t, 2, 10*time.Second, clk)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	_ = clk.Sleep(ctx, 6*time.Second)
	require.NoError(t, l.Acquire(ctx))
	assert.Zero(t, l.Available())

	_ = clk.Sleep(ctx, 4*time.Second)
	assert.Equal(t, 1, l.Available(), "first permit aged out")

	_ = clk.Sleep(ctx, 6*time.Second)
	assert.Equal(t, 2, l.Available())
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
