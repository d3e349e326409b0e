package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryController retries transient failures with exponential backoff and jitter.
type RetryController struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	maxRetries   int
	classifier   *Classifier
}

// NewRetryController creates a controller with 10ms initial delay, 1s cap and 5 retries.
func NewRetryController() *RetryController {
	return NewRetryControllerWith(10*time.Millisecond, time.Second, 5)
}

// NewRetryControllerWith creates a controller with explicit limits.
func NewRetryControllerWith(initial, max time.Duration, retries int) *RetryController {
	return &RetryController{
		initialDelay: initial,
		maxDelay:     max,
		maxRetries:   retries,
		classifier:   defaultClassifier,
	}
}

// Retry runs fn until it succeeds, returns a non-transient error, runs out of
// attempts or ctx is done.
func (rc *RetryController) Retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !rc.classifier.ShouldRetry(rc.classifier.Classify(err)) || attempt >= rc.maxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return Wrap(lastErr, ctx.Err().Error())
		case <-time.After(rc.delay(attempt)):
		}
	}
	return lastErr
}

func (rc *RetryController) delay(attempt int) time.Duration {
	d := rc.initialDelay * time.Duration(1<<uint(attempt))
	if d > rc.maxDelay {
		d = rc.maxDelay
	}
	// ±25% jitter
	d += time.Duration(float64(d) * 0.25 * (rand.Float64()*2 - 1))
	if d < 0 {
		d = rc.initialDelay
	}
	return d
}
