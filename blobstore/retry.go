package blobstore

import (
	"context"
	"math/rand"
	"time"

	"rekkord/rekkorderr"
)

const (
	retryAttempts = 5
	retryBase     = 200 * time.Millisecond
	retryCap      = 3 * time.Second
)

// withRetry runs op, retrying transient Io failures with exponential
// backoff and ±50% jitter. Auth, Config, NotFound and Cancelled surface
// immediately.
func withRetry(ctx context.Context, op func() error) error {
	var err error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
			t := time.NewTimer(jittered)
			select {
			case <-ctx.Done():
				t.Stop()
				return rekkorderr.New(rekkorderr.Cancelled, "retry", ctx.Err())
			case <-t.C:
			}
			delay *= 2
			if delay > retryCap {
				delay = retryCap
			}
		}
		err = op()
		if err == nil || !rekkorderr.Retryable(err) {
			return err
		}
	}
	return err
}
