package remote

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"fortknox/internal/fault"
	"fortknox/internal/pack"
)

// retrying retries transient failures (REMOTE_ERROR) with Fibonacci
// backoff. Every other outcome, REMOTE_REJECTED included, is returned at once.
type retrying struct {
	next    Client
	retries uint64
	base    time.Duration
}

// WithRetry wraps c with up to retries extra attempts. retries of 0 returns c.
func WithRetry(c Client, retries uint64, base time.Duration) Client {
	if retries == 0 || IsOffline(c) {
		return c
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return &retrying{next: c, retries: retries, base: base}
}

func (r *retrying) EngineID() string { return r.next.EngineID() }

func (r *retrying) Compile(ctx context.Context, p *pack.Pack, policy pack.Policy) (*Result, error) {
	var res *Result
	b := retry.WithMaxRetries(r.retries, retry.NewFibonacci(r.base))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		res, err = r.next.Compile(ctx, p, policy)
		if err != nil && fault.Transient(fault.KindOf(err)) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if fault.KindOf(err) == "" && ctx.Err() != nil {
			return nil, fault.Wrap(fault.RemoteError, err, ReasonTimeout)
		}
		return nil, err
	}
	return res, nil
}

// Budget returns the longest a client built with these settings can take:
// every attempt running to its timeout plus the backoff between attempts.
// The backoff term assumes the sequence base, 2base, 3base, 5base, ...,
// which bounds go-retry's Fibonacci schedule from above.
func Budget(timeout time.Duration, retries uint64, base time.Duration) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	total := timeout * time.Duration(retries+1)
	a, b := base, 2*base
	for range retries {
		total += a
		a, b = b, a+b
	}
	return total
}
