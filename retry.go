package kvrepo

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/dagizoltan/kvrepo/kv"
)

// RetryPolicy bounds the optimistic concurrency loop of writes. A write is
// retried when its atomic commit fails a version check; after MaxAttempts
// the write fails with CONFLICT.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   time.Millisecond,
	MaxDelay:    25 * time.Millisecond,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = max(p.BaseDelay, DefaultRetryPolicy.MaxDelay)
	}
	return p
}

// delay returns a jittered exponential backoff for the given 1-based attempt.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << min(attempt-1, 16)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d/2 + rand.N(d/2+1)
}

// withRetry runs f until it succeeds, fails with anything other than a
// version conflict, or exhausts the policy.
func (db *DB) withRetry(ctx context.Context, coll *Collection, id string, f func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= db.retry.MaxAttempts; attempt++ {
		err = f(attempt)
		if err == nil || !errors.Is(err, kv.ErrConflict) {
			return err
		}
		db.metrics.conflict(coll.name)
		if db.verbose {
			db.logger.Debug("kvrepo: RETRY", "collection", coll.name, "id", id, "attempt", attempt, "err", err)
		}
		if attempt == db.retry.MaxAttempts {
			break
		}
		t := time.NewTimer(db.retry.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return conflictErrf(coll.name, id, err, "gave up after %d attempts", db.retry.MaxAttempts)
}
