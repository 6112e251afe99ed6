// Package retry wraps flaky remote I/O with bounded exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/telhawk-systems/tablesync/internal/metrics"
)

// Transient-failure keywords. An error whose message contains any of these
// (case-insensitive) is retried; everything else fails immediately.
var transientKeywords = []string{
	"timeout",
	"timed out",
	"rate limit",
	"too many requests",
	"quota",
	"service unavailable",
	"temporarily unavailable",
	"connection reset",
	"connection refused",
	"deadline exceeded",
	"backend error",
}

// IsTransient classifies err by matching its message against the
// transient-failure keywords.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range transientKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// Executor runs operations with retry. The zero value is unusable; use New.
type Executor struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	rng   *rand.Rand
	sleep func(context.Context, time.Duration) error
}

// Option customizes an Executor.
type Option func(*Executor)

// WithJitterSeed makes the jitter deterministic, for reproducible tests.
func WithJitterSeed(seed int64) Option {
	return func(e *Executor) { e.rng = rand.New(rand.NewSource(seed)) }
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// New creates an Executor. maxAttempts includes the first try; maxDelay
// caps the backoff for any single attempt.
func New(maxAttempts int, baseDelay, maxDelay time.Duration, opts ...Option) *Executor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	e := &Executor{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs op, retrying transient failures with exponential backoff plus
// jitter. Fatal errors and exhausted attempts return the last error.
func (e *Executor) Do(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == e.maxAttempts {
			return lastErr
		}
		metrics.RetryAttempts.Inc()

		delay := e.baseDelay << (attempt - 1)
		if e.baseDelay > 0 {
			delay += time.Duration(e.rng.Int63n(int64(e.baseDelay)))
		}
		if e.maxDelay > 0 && delay > e.maxDelay {
			delay = e.maxDelay
		}
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// Attempts returns the configured attempt ceiling.
func (e *Executor) Attempts() int { return e.maxAttempts }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
