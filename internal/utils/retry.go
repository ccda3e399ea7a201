package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// RetryPolicy is a fixed-delay bounded retry
type RetryPolicy struct {
	MaxRetries uint64
	Delay      time.Duration
}

// DefaultRetryPolicy retries three times, one second apart
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, Delay: time.Second}

// Permanent marks an error as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs op until it succeeds, returns a permanent error, the retries are exhausted or
// ctx is done. Every failed attempt is logged at debug level.
func Retry(ctx context.Context, policy RetryPolicy, logger *logrus.Logger, name string, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Delay), policy.MaxRetries),
		ctx,
	)
	return backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"operation": name,
				"retry_in":  next,
			}).WithError(err).Debug("Transient failure, retrying")
		}
	})
}
