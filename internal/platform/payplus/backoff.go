package payplus

import (
	"context"
	"time"
)

const (
	backoffBase   = 1 * time.Second
	backoffFactor = 2
	// readAttempts applies to queryStatus only. Mutating calls get a single
	// keyed retry; further recovery belongs to reconciliation, not blind
	// resends.
	readAttempts   = 3
	mutateAttempts = 2
)

// withRetry runs fn up to attempts times, sleeping base*factor^n between
// tries, and stops early on non-transient errors or context cancellation.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	delay := backoffBase
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= backoffFactor
	}
	return err
}
