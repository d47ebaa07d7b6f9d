package versions

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ttab/elephant-versionstore/kv"
)

// RetryConflicts calls fn until it succeeds, fails with an error other than
// ErrCodeConditionFailed, or has been called attempts times. fn must re-read
// any state it depends on, which the strategies do on every call.
func RetryConflicts[T any](
	ctx context.Context, attempts int, fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T

	if attempts < 1 {
		attempts = 1
	}

	const maxWait = 500 * time.Millisecond

	wait := 10 * time.Millisecond

	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		if !kv.IsErrorCode(err, kv.ErrCodeConditionFailed) || attempts == 1 {
			return zero, err
		}

		if attempt == attempts {
			return zero, fmt.Errorf("gave up after %d attempts: %w",
				attempts, err)
		}

		jittered := wait/2 + rand.N(wait/2) //nolint:gosec

		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return zero, ctx.Err() //nolint:wrapcheck
		}

		wait = min(wait*2, maxWait)
	}
}

// AppendWithRetry appends a version, retrying lost races up to attempts
// times. Only strategies whose appends fail without effect on conflicts
// should be retried, for the others the error is returned as is.
func AppendWithRetry(
	ctx context.Context, s Strategy, attempts int,
	id string, t string, state []byte,
) (VersionTag, error) {
	if s.Kind() != KindTransactional {
		attempts = 1
	}

	return RetryConflicts(ctx, attempts,
		func(ctx context.Context) (VersionTag, error) {
			return s.AppendVersion(ctx, id, t, state)
		})
}
