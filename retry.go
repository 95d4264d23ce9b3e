package metering

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how a failed pipeline step is retried. Only errors
// for which IsRetryable reports true are retried.
type RetryPolicy struct {
	MaxAttempts     uint          `json:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval" mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" mapstructure:"max_interval" yaml:"max_interval"`
	MaxElapsed      time.Duration `json:"max_elapsed" mapstructure:"max_elapsed" yaml:"max_elapsed"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsed:      5 * time.Second,
	}
}

// NoRetry runs every step exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// retryStep runs op until it succeeds, fails with a non-retryable error,
// or the policy is exhausted. attempt starts at 1.
func retryStep[T any](ctx context.Context, p RetryPolicy, logger *slog.Logger, step Step, op func(attempt uint) (T, error)) (T, error) {
	var attempt uint

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("retrying metering step",
				"step", string(step),
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		}),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxAttempts))
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}

	v, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(attempt)
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)

	// Retry returns the wrapper as-is when the last allowed try was permanent.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return v, err
}
