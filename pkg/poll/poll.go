// Package poll provides the bounded wait primitives used by all
// bring-up and verification loops: every "wait until ready" in the
// bench is a poll.Until call with an explicit timeout, and every
// fixed-budget retry is a poll.Retry call.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrTimedOut is returned when the condition never became true within
// the configured budget.
var ErrTimedOut = errors.New("poll: timed out")

// Options bound a polling loop.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
}

// Until polls f every Interval until it reports done, the Timeout
// elapses, or ctx is cancelled. A non-nil error from f stops the loop
// immediately and is returned as-is; running out of budget returns
// ErrTimedOut.
func Until(ctx context.Context, o Options, f func(ctx context.Context) (bool, error)) error {
	deadline := time.Now().Add(o.Timeout)
	for {
		done, err := f(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimedOut
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.Interval):
		}
	}
}

// Retry runs f up to attempts times, sleeping backoff between
// attempts. The last error is returned when every attempt fails.
func Retry(ctx context.Context, attempts int, backoff time.Duration, f func(ctx context.Context) error) error {
	var last error
	for i := 0; i < attempts; i++ {
		if last = f(ctx); last == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return last
}
