package engine

import (
	"time"

	"github.com/subwatch/subwatch/cfg"
)

// RetryPolicy decides when a failed record becomes eligible again. The
// backoff window doubles per recorded failure up to a cap, so transient
// outages drain without hammering the store.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

// PolicyFromConfig builds the record retry policy from sync configuration.
func PolicyFromConfig(conf cfg.SyncConfiguration) RetryPolicy {
	return RetryPolicy{
		MaxRetries: conf.MaxRetries,
		Base:       time.Duration(conf.RetryBackoffSeconds) * time.Second,
		Cap:        time.Duration(conf.RetryBackoffCapSeconds) * time.Second,
	}
}

// Backoff returns the wait window after the given number of prior failures.
// Monotonically non-decreasing: base, 2*base, 4*base, ... capped.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	backoff := p.Base
	for i := 0; i < retryCount; i++ {
		backoff *= 2
		if backoff >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && backoff > p.Cap {
		return p.Cap
	}
	return backoff
}

// NextRetryAt returns the earliest moment a record that just failed for the
// (retryCount+1)-th time may be retried.
func (p RetryPolicy) NextRetryAt(now time.Time, retryCount int) time.Time {
	return now.Add(p.Backoff(retryCount))
}

// Exhausted reports whether a record with the given failure count has no
// retry budget left.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}
