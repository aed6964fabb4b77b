package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0xPolygon/exportbridge/log"
)

var (
	ErrInconsistentState  = errors.New("state is inconsistent, try again later once the state is consolidated")
	ErrMaxAttemptsReached = errors.New("max retry attempts reached")
)

const (
	DefaultRetryAfterErrorPeriod = time.Second
	DefaultMaxBackoff            = time.Minute
)

// RetryHandler computes capped exponential backoff between attempts of a failing call
type RetryHandler struct {
	// RetryAfterErrorPeriod is the wait after the first failure, doubled on every further failure
	RetryAfterErrorPeriod time.Duration
	// MaxBackoff caps the wait between two attempts
	MaxBackoff time.Duration
	// MaxRetryAttemptsAfterError is the number of failures tolerated before giving up, 0 means no limit
	MaxRetryAttemptsAfterError int
}

// Backoff returns the wait before the next attempt, attempts being the number of failures so far
func (h *RetryHandler) Backoff(attempts int) time.Duration {
	period := h.RetryAfterErrorPeriod
	if period <= 0 {
		period = DefaultRetryAfterErrorPeriod
	}
	maxBackoff := h.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	for i := 1; i < attempts; i++ {
		period *= 2
		if period >= maxBackoff {
			return maxBackoff
		}
	}
	if period > maxBackoff {
		return maxBackoff
	}
	return period
}

// Exhausted reports whether attempts went over the configured limit
func (h *RetryHandler) Exhausted(attempts int) bool {
	return h.MaxRetryAttemptsAfterError > 0 && attempts >= h.MaxRetryAttemptsAfterError
}

// Wait sleeps the backoff that corresponds to attempts. It returns ErrMaxAttemptsReached,
// without sleeping, once the limit is reached and the context error if ctx is done first.
func (h *RetryHandler) Wait(ctx context.Context, funcName string, attempts int) error {
	if h.Exhausted(attempts) {
		return fmt.Errorf("%s failed %d times: %w", funcName, attempts, ErrMaxAttemptsReached)
	}
	wait := h.Backoff(attempts)
	log.Debugf("%s failed (attempt %d), retrying in %s", funcName, attempts, wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
