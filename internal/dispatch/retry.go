package dispatch

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"skyflow-batch-tokenizer/pkg/types"
)

// ErrResponseMismatch means the vault answer cannot be matched to the request
// rows. Retrying would only repeat the insert, so it is never retried.
var ErrResponseMismatch = types.ErrResponseMismatch

// Backoff computes retry delays: exponential with jitter, longer when the
// vault throttles, and never above Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter returns a factor in [0.5, 1.5); nil uses math/rand
	Jitter func() float64
}

// Delay returns the wait before the attempt following attempt (1-based)
func (b Backoff) Delay(attempt int, lastErr error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(b.Base) * math.Pow(2, float64(attempt-1))

	var svcErr *types.ServiceError
	if errors.As(lastErr, &svcErr) && svcErr.Throttled() {
		if svcErr.RetryAfter > 0 {
			return b.cap(svcErr.RetryAfter)
		}
		base *= 2
	}

	jitter := b.Jitter
	if jitter == nil {
		jitter = func() float64 { return 0.5 + rand.Float64() }
	}
	return b.cap(time.Duration(base * jitter()))
}

func (b Backoff) cap(d time.Duration) time.Duration {
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Retryable determines if a failed vault call may be attempted again.
// Network errors, timeouts and other non-HTTP errors are retryable; HTTP
// errors are retryable for 408, 429 and 5xx only.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrResponseMismatch) {
		return false
	}
	var svcErr *types.ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Transient
	}
	return true
}

// sleepContext waits for d unless ctx ends first
func sleepContext(ctx context.Context, d time.Duration) error {
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
