package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/punchamoorthee/pointsledger/internal/domain"
)

// RetryPolicy bounds how often a unit of work is re-run after
// domain.ErrConflict. Other errors are returned immediately.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, BaseDelay: 10 * time.Millisecond}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are used up. Backoff doubles per attempt with jitter.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !domain.Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		conflictRetriesTotal.WithLabelValues(op).Inc()

		delay := p.BaseDelay << i
		if p.BaseDelay > 0 {
			delay += time.Duration(rand.Int64N(int64(p.BaseDelay)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", op, attempts, err)
}
