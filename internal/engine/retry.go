package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/yixuan-Q/sophon/internal/manifest"
)

const (
	manifestRetryAttempts = 5
	manifestRetryDelay    = time.Second
)

// withRetry runs fn up to attempts times with a fixed delay between
// tries. Manifest fetches go through here; build branch fetches and chunk
// downloads do not, and for chunks the verify/repair pass is the retry.
func withRetry[T any](ctx context.Context, attempts int, what string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if isPermanent(err) {
			return zero, err
		}
		lastErr = err
		log.WithFields(log.Fields{
			"what":    what,
			"attempt": attempt,
			"of":      attempts,
		}).WithError(err).Warn("retryable operation failed")
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(manifestRetryDelay):
		}
	}
	return zero, errors.Wrapf(lastErr, "%s failed after %d attempts", what, attempts)
}

// isPermanent reports errors that a retry cannot fix: the server
// answered, just not with what the build advertises.
func isPermanent(err error) bool {
	return errors.Is(err, manifest.ErrManifestUnavailable) ||
		errors.Is(err, manifest.ErrManifestChecksum)
}
