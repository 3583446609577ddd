package scheduler

import (
	"context"
	"fmt"
	"time"
)

// Health statuses
const (
	HealthUp   = "UP"
	HealthDown = "DOWN"
)

// Statistics is a point-in-time view of scheduler activity.
type Statistics struct {
	Enabled          bool      `json:"enabled"`
	TotalCycles      int64     `json:"total_cycles"`
	SuccessCycles    int64     `json:"success_cycles"`
	FailCycles       int64     `json:"fail_cycles"`
	SkippedTriggers  int64     `json:"skipped_triggers"`
	LastSuccess      time.Time `json:"last_success"`
	LastFailure      time.Time `json:"last_failure"`
	LastError        string    `json:"last_error,omitempty"`
	CurrentlyRunning bool      `json:"currently_running"`
}

// Health is the scheduler's liveness verdict. DOWN always carries a
// human-readable reason.
type Health struct {
	Status           string  `json:"status"`
	Reason           string  `json:"reason,omitempty"`
	UnprocessedCount int64   `json:"unprocessedCount"`
	FailedCount      int64   `json:"failedCount"`
	ExhaustedCount   int64   `json:"exhaustedCount"`
	LagSeconds       float64 `json:"lagSeconds"`
	CurrentlyRunning bool    `json:"currentlyRunning"`
	Stuck            bool    `json:"stuck"`
}

// Statistics returns cycle counters and the last outcomes.
func (s *Scheduler) Statistics() Statistics {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()

	return Statistics{
		Enabled:          s.enabled,
		TotalCycles:      s.stats.totalCycles,
		SuccessCycles:    s.stats.successCycles,
		FailCycles:       s.stats.failCycles,
		SkippedTriggers:  s.stats.skipped,
		LastSuccess:      s.stats.lastSuccess,
		LastFailure:      s.stats.lastFailure,
		LastError:        s.stats.lastError,
		CurrentlyRunning: s.slot.Load().seq != 0,
	}
}

// Health reports UP or DOWN with diagnostics. DOWN when a cycle is stuck,
// a failure happened inside the health window, or the backlog or lag
// ceilings are breached. A failing backlog read is itself DOWN.
func (s *Scheduler) Health(ctx context.Context) Health {
	s.stats.mu.Lock()
	stuck := s.stats.stuck
	lastFailure := s.stats.lastFailure
	lastError := s.stats.lastError
	s.stats.mu.Unlock()

	health := Health{
		Status:           HealthUp,
		CurrentlyRunning: s.slot.Load().seq != 0,
		Stuck:            stuck,
	}

	status, err := s.engine.Status(ctx)
	if err != nil {
		health.Status = HealthDown
		health.Reason = fmt.Sprintf("backlog counters unavailable: %v", err)
		return health
	}

	health.UnprocessedCount = status.UnprocessedCount
	health.FailedCount = status.FailedCount
	health.ExhaustedCount = status.ExhaustedCount
	health.LagSeconds = status.LagSeconds

	switch {
	case stuck:
		health.Status = HealthDown
		health.Reason = "reconciliation cycle stuck, force-reset"
	case s.healthWindow > 0 && !lastFailure.IsZero() && time.Since(lastFailure) < s.healthWindow:
		health.Status = HealthDown
		health.Reason = fmt.Sprintf("cycle failed %s ago: %s", time.Since(lastFailure).Round(time.Second), lastError)
	case s.maxUnprocessed > 0 && status.UnprocessedCount > s.maxUnprocessed:
		health.Status = HealthDown
		health.Reason = fmt.Sprintf("unprocessed backlog %d over ceiling %d", status.UnprocessedCount, s.maxUnprocessed)
	case s.maxLag > 0 && status.LagSeconds > s.maxLag.Seconds():
		health.Status = HealthDown
		health.Reason = fmt.Sprintf("oldest change lagging %.0fs, ceiling %.0fs", status.LagSeconds, s.maxLag.Seconds())
	}

	return health
}
