package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/subwatch/subwatch/cfg"
	"github.com/subwatch/subwatch/engine"
	"github.com/subwatch/subwatch/telemetry"
)

// ErrAlreadyRunning reports a manual trigger that lost the single-flight
// race. The attempt is skipped, never queued.
var ErrAlreadyRunning = errors.New("sync cycle already running")

// slotIdle is the shared idle state. Every running cycle claims a fresh
// cycleSlot, so pointer identity distinguishes each claim and a finished
// cycle can never release a slot it does not own.
var slotIdle = &cycleSlot{}

type cycleSlot struct {
	seq     int64
	started time.Time
}

// Scheduler drives the reconciliation engine on a fixed cadence and owns
// the single-flight slot shared by scheduled ticks and manual triggers.
// Separate cadences run retention cleanup and health checks.
type Scheduler struct {
	engine *engine.Engine

	enabled         bool
	interval        time.Duration
	batchSize       int
	retryBatchSize  int
	maxProcessing   time.Duration
	healthInterval  time.Duration
	healthWindow    time.Duration
	cleanupInterval time.Duration
	retention       time.Duration
	maxUnprocessed  int64
	maxLag          time.Duration

	slot     atomic.Pointer[cycleSlot]
	cycleSeq atomic.Int64

	stats schedulerStats

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

type schedulerStats struct {
	mu            sync.Mutex
	totalCycles   int64
	successCycles int64
	failCycles    int64
	skipped       int64
	lastSuccess   time.Time
	lastFailure   time.Time
	lastError     string
	stuck         bool
}

// New builds the scheduler from sync configuration.
func New(eng *engine.Engine, conf cfg.SyncConfiguration) *Scheduler {
	interval := time.Duration(conf.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batchSize := conf.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	retryBatchSize := conf.RetryBatchSize
	if retryBatchSize <= 0 {
		retryBatchSize = batchSize / 2
	}
	maxProcessing := time.Duration(conf.MaxProcessingTimeMinutes) * time.Minute
	if maxProcessing <= 0 {
		maxProcessing = 10 * time.Minute
	}
	healthInterval := time.Duration(conf.HealthCheckSeconds) * time.Second
	if healthInterval <= 0 {
		healthInterval = time.Minute
	}
	cleanupInterval := time.Duration(conf.CleanupIntervalSeconds) * time.Second
	if cleanupInterval <= 0 {
		cleanupInterval = 24 * time.Hour
	}

	s := &Scheduler{
		engine:          eng,
		enabled:         conf.Enabled,
		interval:        interval,
		batchSize:       batchSize,
		retryBatchSize:  retryBatchSize,
		maxProcessing:   maxProcessing,
		healthInterval:  healthInterval,
		healthWindow:    time.Duration(conf.HealthThresholdMinutes) * time.Minute,
		cleanupInterval: cleanupInterval,
		retention:       time.Duration(conf.RetentionDays) * 24 * time.Hour,
		maxUnprocessed:  int64(conf.MaxUnprocessed),
		maxLag:          time.Duration(conf.MaxLagSeconds) * time.Second,
	}
	s.slot.Store(slotIdle)
	return s
}

// Start launches the cadence loops. Disabled configuration leaves manual
// triggers available but starts nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		log.Info().Msg("Scheduled reconciliation disabled in configuration")
		return
	}
	if s.running {
		log.Warn().Msg("Scheduler already running")
		return
	}

	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(3)
	go s.syncLoop()
	go s.cleanupLoop()
	go s.healthLoop()

	log.Info().
		Dur("interval", s.interval).
		Int("batch_size", s.batchSize).
		Int("retry_batch_size", s.retryBatchSize).
		Dur("max_processing_time", s.maxProcessing).
		Dur("cleanup_interval", s.cleanupInterval).
		Msg("Scheduler started")
}

// Stop halts the cadence loops. An in-flight cycle finishes in the
// background; its records are marked by the engine as usual.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	close(s.stopCh)
	s.wg.Wait()
	s.running = false

	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) syncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Dispatched off the loop so a slow cycle never delays the
			// next attempt; the slot turns overlapping ticks into skips.
			go s.scheduledSync()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) scheduledSync() {
	if _, ok, err := s.trySync(context.Background()); !ok {
		log.Debug().Msg("Sync tick skipped, cycle already running")
	} else if err != nil {
		log.Error().Err(err).Msg("Scheduled sync cycle failed")
	}
}

// TriggerManualSync runs one sync pass on demand. Returns ErrAlreadyRunning
// when a cycle already holds the slot.
func (s *Scheduler) TriggerManualSync(ctx context.Context) (engine.SyncCycleResult, error) {
	result, ok, err := s.trySync(ctx)
	if !ok {
		return engine.SyncCycleResult{}, ErrAlreadyRunning
	}
	return result, err
}

// trySync claims the single-flight slot and runs one full pass: a sync
// cycle over the PENDING backlog followed by a retry cycle. A lost claim
// is counted and reported, never queued.
func (s *Scheduler) trySync(ctx context.Context) (engine.SyncCycleResult, bool, error) {
	cur := s.slot.Load()
	if cur.seq != 0 {
		s.recordSkip()
		return engine.SyncCycleResult{}, false, nil
	}

	claim := &cycleSlot{seq: s.cycleSeq.Add(1), started: time.Now()}
	if !s.slot.CompareAndSwap(cur, claim) {
		s.recordSkip()
		return engine.SyncCycleResult{}, false, nil
	}
	// Release only our own claim; a force-reset may have handed the slot
	// to a newer cycle already.
	defer s.slot.CompareAndSwap(claim, slotIdle)

	result, err := s.runPass(ctx)
	s.recordOutcome(err)
	return result, true, err
}

// runPass executes both engine cycles under one slot. The retry pass
// result is visible through engine logs and metrics; the sync pass result
// is what triggers report back.
func (s *Scheduler) runPass(ctx context.Context) (engine.SyncCycleResult, error) {
	result, err := s.engine.RunCycle(ctx, s.batchSize)
	if err != nil {
		return result, err
	}

	if _, err := s.engine.RunRetryCycle(ctx, s.retryBatchSize); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Scheduler) recordSkip() {
	telemetry.SyncCyclesTotal.With(engine.CycleSync, "skipped").Inc()

	s.stats.mu.Lock()
	s.stats.skipped++
	s.stats.mu.Unlock()
}

func (s *Scheduler) recordOutcome(err error) {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()

	s.stats.totalCycles++
	if err != nil {
		s.stats.failCycles++
		s.stats.lastFailure = time.Now()
		s.stats.lastError = err.Error()
		return
	}

	s.stats.successCycles++
	s.stats.lastSuccess = time.Now()
	// A completed pass proves the slot machinery recovered.
	s.stats.stuck = false
}

// checkStuck force-resets a cycle that exceeded the processing ceiling.
// The in-flight records stay PROCESSING: their true outcome is unknown, so
// they surface through StuckCount instead of a blind retry.
func (s *Scheduler) checkStuck() {
	cur := s.slot.Load()
	if cur.seq == 0 {
		return
	}

	elapsed := time.Since(cur.started)
	if elapsed <= s.maxProcessing {
		return
	}

	if !s.slot.CompareAndSwap(cur, slotIdle) {
		return
	}

	telemetry.StuckResetsTotal.Inc()

	s.stats.mu.Lock()
	s.stats.stuck = true
	s.stats.lastFailure = time.Now()
	s.stats.lastError = "cycle stuck, force-reset"
	s.stats.mu.Unlock()

	log.Error().
		Int64("cycle_seq", cur.seq).
		Dur("elapsed", elapsed).
		Dur("ceiling", s.maxProcessing).
		Msg("Stuck cycle force-reset, in-flight records remain PROCESSING")
}

func (s *Scheduler) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := s.engine.PurgeProcessed(ctx, s.retention); err != nil {
		telemetry.SyncCyclesTotal.With("cleanup", "failed").Inc()
		log.Error().Err(err).Msg("Retention cleanup failed")
		return
	}
	telemetry.SyncCyclesTotal.With("cleanup", "success").Inc()
}

func (s *Scheduler) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkStuck()
			s.refreshHealthGauge()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) refreshHealthGauge() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health := s.Health(ctx)
	if health.Status == HealthUp {
		telemetry.SchedulerHealth.Set(1)
	} else {
		telemetry.SchedulerHealth.Set(0)
		log.Warn().Str("reason", health.Reason).Msg("Scheduler health DOWN")
	}
}
