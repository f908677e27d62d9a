// Package retry provides the bounded exponential backoff policy shared by
// the pipeline's embedding and search call sites. Backoff intervals are
// randomised so many requests failing at once do not retry in lockstep.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a bounded retry budget with exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1 (no retries).
	MaxAttempts int

	// BaseDelay is the backoff delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the growth of the backoff delay.
	MaxDelay time.Duration
}

// Default policies per call class. Embedding tolerates a longer budget
// than search because the query cannot proceed without its vector, while
// a slow search burns latency the generation step still needs.
var (
	// DefaultEmbedding is the retry budget for embedding calls.
	DefaultEmbedding = Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	// DefaultSearch is the retry budget for vector search calls.
	DefaultSearch = Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
)

// withDefaults fills zero fields from DefaultEmbedding's shape.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	return p
}

// Do runs op until it succeeds, returns a non-retryable error, the policy's
// attempt budget is spent, or ctx is cancelled. retryable classifies
// errors; a nil predicate retries everything. The last attempt's error is
// returned unwrapped so callers can classify it.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context) error) error {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	// Spread each delay across [0, 2*interval] so concurrent failures
	// do not retry in lockstep.
	b.RandomizationFactor = 1
	b.MaxElapsedTime = 0

	wrapped := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx))
}
