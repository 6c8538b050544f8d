// Package ratelimit bounds the number of vault calls per rolling window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"skyflow-batch-tokenizer/pkg/types"
)

// DefaultWindow is the rolling window the vault quota is expressed in
const DefaultWindow = time.Minute

// minSleep keeps waiters from spinning when the next slot is imminent
const minSleep = 5 * time.Millisecond

// Limiter is a sliding-window log: it remembers when each permit in the
// current window was handed out and admits a caller only while fewer than
// max permits fall inside the window ending now. Permits are never returned;
// they expire when they age out of the window.
type Limiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	admitted []time.Time // oldest first

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	onAdmit func(time.Time)
}

// Option customises a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleep replaces the context-aware sleep used while waiting
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// New creates a Limiter admitting at most maxCalls per window
func New(maxCalls int, window time.Duration, opts ...Option) (*Limiter, error) {
	if maxCalls <= 0 {
		return nil, types.NewConfigError("max_calls_per_minute", "must be > 0, got %d", maxCalls)
	}
	if window <= 0 {
		return nil, types.NewConfigError("rate window", "must be > 0, got %s", window)
	}
	l := &Limiter{
		max:      maxCalls,
		window:   window,
		admitted: make([]time.Time, 0, maxCalls),
		now:      time.Now,
		sleep:    SleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Acquire blocks until a permit is available or ctx is done
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		now := l.now()
		l.expire(now)
		if len(l.admitted) < l.max {
			l.admitted = append(l.admitted, now)
			if l.onAdmit != nil {
				l.onAdmit(now)
			}
			l.mu.Unlock()
			return nil
		}
		wait := l.admitted[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait < minSleep {
			wait = minSleep
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Available returns how many permits could be handed out right now
func (l *Limiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expire(l.now())
	return l.max - len(l.admitted)
}

// expire drops permits that left the window. Caller holds mu.
func (l *Limiter) expire(now time.Time) {
	i := 0
	for i < len(l.admitted) && now.Sub(l.admitted[i]) >= l.window {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(l.admitted, l.admitted[i:])
	l.admitted = l.admitted[:n]
}

// SleepContext sleeps for d or until ctx is done
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
