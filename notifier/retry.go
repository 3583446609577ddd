package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/subwatch/subwatch/cfg"
)

const (
	// Default number of delivery attempts per sink
	DefaultMaxAttempts = 3
	// Default initial delay between attempts
	DefaultRetryBackoff = 500 * time.Millisecond
	// Delay never exceeds this regardless of attempt count
	maxRetryBackoff = 30 * time.Second
)

// RetryPolicy bounds delivery attempts with exponential backoff. Sinks run
// their transport calls through Do.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// RetryPolicyFor derives the delivery retry policy from a sink configuration,
// falling back to defaults for unset fields.
func RetryPolicyFor(conf cfg.SinkConfiguration) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts: conf.MaxAttempts,
		Backoff:     time.Duration(conf.RetryBackoffMS) * time.Millisecond,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultRetryBackoff
	}
	return p
}

// Do runs op until it succeeds, returns a permanent error, the attempt budget
// is exhausted, or ctx is done. The final error is wrapped in a DeliveryError
// carrying the attempt count.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	delay := p.Backoff

	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return &DeliveryError{Attempts: attempt, Err: perm.err}
		}
		if attempt >= p.MaxAttempts {
			return &DeliveryError{Attempts: attempt, Err: err}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &DeliveryError{Attempts: attempt, Err: ctx.Err()}
		case <-timer.C:
		}

		delay *= 2
		if delay > maxRetryBackoff {
			delay = maxRetryBackoff
		}
	}
}

// DeliveryError is the terminal error of an exhausted or aborted delivery.
type DeliveryError struct {
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// AttemptsFromError extracts the attempt count from a delivery error,
// defaulting to 1 for errors raised outside the retry loop.
func AttemptsFromError(err error) int {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Attempts
	}
	return 1
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks an error as not worth retrying, such as a rejected payload.
func Permanent(err error) error {
	return &permanentError{err: err}
}
