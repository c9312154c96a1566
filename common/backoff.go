package common

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultInitialInterval = 100 * time.Millisecond
	defaultMaxInterval     = 1 * time.Minute
)

// NewBackOff returns the exponential backoff policy used for all the
// internal retry loops. It never gives up on its own: cancelling the
// context is the only way to stop retrying.
func NewBackOff(ctx context.Context) backoff.BackOff {
	return NewBackOffWithInitialInterval(ctx, defaultInitialInterval)
}

func NewBackOffWithInitialInterval(ctx context.Context, initialInterval time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.MaxInterval = defaultMaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}
