package services

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryConfig struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
	OnRetry         func(error, time.Duration)
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxElapsedTime:  5 * time.Second,
	}
}

// retryTransient re-runs fn with exponential backoff while it fails with a PersistenceError.
// Every other error ends the loop at once.
func retryTransient(ctx context.Context, cfg RetryConfig, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		bo.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxElapsedTime > 0 {
		bo.MaxElapsedTime = cfg.MaxElapsedTime
	}

	op := func() error {
		err := fn()
		if err == nil || IsPersistence(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(err, next)
		}
	})
}
