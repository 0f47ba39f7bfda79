package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

// RetryConfig bounds an exponential backoff loop.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig mirrors the startup behaviour used for external
// dependencies: 5s initial interval, give up after 5 minutes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{InitialInterval: 5 * time.Second, MaxElapsedTime: 5 * time.Minute}
}

// ConnectWithRetry runs operation until it succeeds, the backoff is
// exhausted, or ctx is cancelled. It is meant for establishing connections
// at startup; request paths never retry internally.
func ConnectWithRetry(
	ctx context.Context,
	log *logger.Logger,
	name string,
	cfg RetryConfig,
	operation func(ctx context.Context) error,
) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = cfg.MaxElapsedTime
	expBackoff.InitialInterval = cfg.InitialInterval

	op := func() error {
		if err := operation(ctx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Warn(ctx, "dependency not reachable, will retry", "dependency", name, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("failed to connect to %s after retries: %w", name, err)
	}

	return nil
}
