package dcb

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryTransient runs op, retrying with exponential backoff while it fails
// with a ResourceError. Validation, concurrency and domain errors are
// permanent and returned immediately: retrying a concurrency conflict without
// re-projecting state cannot succeed.
func RetryTransient(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsResourceError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}
