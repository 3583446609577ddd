package engine

import "time"

// Cycle kinds
const (
	CycleSync  = "sync"
	CycleRetry = "retry"
)

// SyncCycleResult summarizes one reconciliation pass.
type SyncCycleResult struct {
	Kind      string        `json:"kind"`
	Fetched   int           `json:"fetched"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Malformed int           `json:"malformed"`
	Skipped   int           `json:"skipped"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Merge folds per-shard tallies into the result.
func (r *SyncCycleResult) merge(o recordTally) {
	r.Processed += o.processed
	r.Failed += o.failed
	r.Malformed += o.malformed
	r.Skipped += o.skipped
}

// recordTally is a per-shard outcome count.
type recordTally struct {
	processed int
	failed    int
	malformed int
	skipped   int
}

type recordOutcome int

const (
	outcomeProcessed recordOutcome = iota
	outcomeFailed
	outcomeMalformed
	outcomeSkipped
)

func (t *recordTally) add(o recordOutcome) {
	switch o {
	case outcomeProcessed:
		t.processed++
	case outcomeFailed:
		t.failed++
	case outcomeMalformed:
		t.malformed++
	case outcomeSkipped:
		t.skipped++
	}
}

// RefreshResult reports a forced re-read of one subscriber.
type RefreshResult struct {
	Key   string `json:"key"`
	Found bool   `json:"found"`
}

// Status is the engine's view of backlog health.
type Status struct {
	UnprocessedCount int64   `json:"unprocessedCount"`
	FailedCount      int64   `json:"failedCount"`
	ExhaustedCount   int64   `json:"exhaustedCount"`
	LagSeconds       float64 `json:"lagSeconds"`
	Healthy          bool    `json:"healthy"`
}
