package anchor

import (
	"context"
	"math/rand"
	"time"

	"github.com/pohwnet/registry/config/params"
)

// withRetry runs one pipeline step with exponential backoff and jitter.
// Retries reattempt only the failed step, never the whole pipeline. The
// context aborts waits between attempts, so cancellation propagates into
// the retry loop.
func withRetry(ctx context.Context, step string, fn func() error) error {
	cfg := params.RegistryConfigSnapshot()
	delay := cfg.RetryBaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= cfg.MaxRetries {
			return err
		}
		// Up to 20% jitter on top of the exponential delay.
		jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
		log.WithError(err).WithField("step", step).Debugf("Retrying in %v", delay+jitter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay = time.Duration(float64(delay) * cfg.RetryFactor)
	}
}
