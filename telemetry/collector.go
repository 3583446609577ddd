package telemetry

import (
	"context"
	"sync"
	"time"
)

// BacklogStats is a point-in-time snapshot of the change-log backlog.
type BacklogStats struct {
	Unprocessed int64
	Failed      int64
	Exhausted   int64
	Oldest      time.Time
}

// BacklogProvider supplies backlog snapshots for gauge refresh
type BacklogProvider interface {
	BacklogStats(ctx context.Context) (BacklogStats, error)
}

// BacklogProviderFunc adapts a function to the BacklogProvider interface
type BacklogProviderFunc func(ctx context.Context) (BacklogStats, error)

func (f BacklogProviderFunc) BacklogStats(ctx context.Context) (BacklogStats, error) {
	return f(ctx)
}

// MetricsCollector periodically collects backlog stats and updates telemetry gauges
type MetricsCollector struct {
	provider BacklogProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider BacklogProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mc.interval)
	defer cancel()

	stats, err := mc.provider.BacklogStats(ctx)
	if err != nil {
		return
	}

	BacklogUnprocessed.Set(float64(stats.Unprocessed))
	BacklogFailed.Set(float64(stats.Failed))
	BacklogExhausted.Set(float64(stats.Exhausted))

	if stats.Oldest.IsZero() {
		OldestChangeLagSeconds.Set(0)
	} else {
		OldestChangeLagSeconds.Set(time.Since(stats.Oldest).Seconds())
	}
}
