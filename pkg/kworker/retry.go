package kworker

import (
	"time"

	"github.com/cenkalti/backoff"
)

// retryPolicy is a bounded retry with a constant sleep between attempts.
type retryPolicy struct {
	attempts int
	backoff  time.Duration
}

// do runs fn until it returns nil or the attempt budget is spent, sleeping
// the policy's backoff between attempts. The last error is returned on
// exhaustion.
func (p retryPolicy) do(logger Logger, what string, fn func() error) error {
	attempts := p.attempts
	if attempts < 1 {
		attempts = 1
	}
	var attempt int
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.backoff), uint64(attempts-1))
	err := backoff.RetryNotify(
		func() error {
			attempt++
			return fn()
		},
		b,
		func(err error, wait time.Duration) {
			logger.Log(LogLevelWarn, "retrying after failure",
				"what", what,
				"attempt", attempt,
				"max_attempts", attempts,
				"backoff", wait,
				"err", err,
			)
		},
	)
	if err != nil {
		logger.Log(LogLevelWarn, "retries exhausted", "what", what, "attempts", attempt, "err", err)
	}
	return err
}
