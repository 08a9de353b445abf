// Package retry provides the single bounded-retry policy applied at the
// runtime boundary. Retries happen only for errors the policy's predicate
// accepts; everything else propagates on the first attempt.
package retry

import (
	"context"
	"time"
)

type Policy struct {
	Attempts  int
	Delay     time.Duration
	Retryable func(error) bool
}

// Do runs fn until it succeeds, the error is not retryable, attempts run
// out, or the context is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
	}
	return err
}
