package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/subwatch/subwatch/cfg"
	"github.com/subwatch/subwatch/telemetry"
)

const (
	DefaultQueueSize       = 1024
	DefaultDispatchWorkers = 2
)

type sinkBinding struct {
	name   string
	sink   Sink
	filter *EventFilter
}

type dispatchJob struct {
	evt     *Event
	promise *future.Promise[[]Delivery]
}

// Dispatcher fans events out to all configured sinks through a bounded queue
// and a fixed worker pool. Dispatch never blocks the caller: when the queue
// is full the event is dropped to the dead letter log. Delivery outcomes are
// observable through the returned future but carry no influence upstream.
type Dispatcher struct {
	queue    chan *dispatchJob
	bindings []sinkBinding
	recent   *RecentFilter
	letters  *DeadLetterLog
	workers  int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewDispatcher builds sinks and filters from configuration. The dead letter
// log is owned by the caller and shared with the admin surface.
func NewDispatcher(conf cfg.NotifierConfiguration, letters *DeadLetterLog) (*Dispatcher, error) {
	queueSize := conf.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	workers := conf.Workers
	if workers <= 0 {
		workers = DefaultDispatchWorkers
	}

	d := &Dispatcher{
		queue:    make(chan *dispatchJob, queueSize),
		bindings: make([]sinkBinding, 0, len(conf.Sinks)),
		recent:   NewRecentFilter(conf.DedupeCapacity),
		letters:  letters,
		workers:  workers,
	}

	for _, sinkCfg := range conf.Sinks {
		snk, err := createSink(sinkCfg)
		if err != nil {
			d.closeSinks()
			return nil, fmt.Errorf("failed to create sink %q: %w", sinkCfg.Name, err)
		}

		filter, err := NewEventFilter(sinkCfg.FilterTables, sinkCfg.FilterEvents)
		if err != nil {
			snk.Close()
			d.closeSinks()
			return nil, fmt.Errorf("failed to create filter for sink %q: %w", sinkCfg.Name, err)
		}

		d.bindings = append(d.bindings, sinkBinding{
			name:   sinkCfg.Name,
			sink:   snk,
			filter: filter,
		})

		log.Info().
			Str("sink", sinkCfg.Name).
			Str("type", sinkCfg.Type).
			Msg("Added notification sink")
	}

	return d, nil
}

// Start spawns the delivery workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		log.Warn().Msg("Notification dispatcher already running")
		return
	}

	d.running = true
	d.stopCh = make(chan struct{})

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop()
	}

	log.Info().
		Int("workers", d.workers).
		Int("sinks", len(d.bindings)).
		Msg("Notification dispatcher started")
}

// Stop halts the workers, fails any queued jobs, and closes the sinks.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}

	close(d.stopCh)
	d.wg.Wait()
	d.running = false

	// Fail whatever never got picked up
drain:
	for {
		select {
		case job := <-d.queue:
			job.promise.Set(nil, fmt.Errorf("dispatcher stopped"))
		default:
			break drain
		}
	}

	d.closeSinks()
	telemetry.NotificationQueueDepth.Set(0)

	log.Info().Msg("Notification dispatcher stopped")
}

func (d *Dispatcher) closeSinks() {
	for _, b := range d.bindings {
		if err := b.sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", b.name).Msg("Failed to close sink")
		}
	}
}

// Letters exposes the dead letter log for the admin surface.
func (d *Dispatcher) Letters() *DeadLetterLog {
	return d.letters
}

// Dispatch queues an event for delivery to all matching sinks. The returned
// future resolves to per-sink outcomes; callers on the reconciliation path
// ignore it.
func (d *Dispatcher) Dispatch(evt *Event) *future.Future[[]Delivery] {
	p := future.NewPromise[[]Delivery]()

	if d.recent != nil && evt.ChangeID != 0 {
		if d.recent.Seen(evt.ChangeID, evt.EventType) {
			telemetry.NotificationsSuppressedTotal.Inc()
			log.Debug().
				Int64("change_id", evt.ChangeID).
				Str("event_type", evt.EventType).
				Msg("Suppressed duplicate notification")
			p.Set(nil, nil)
			return p.Future()
		}
		d.recent.Mark(evt.ChangeID, evt.EventType)
	}

	job := &dispatchJob{evt: evt, promise: p}
	select {
	case d.queue <- job:
		telemetry.NotificationQueueDepth.Set(float64(len(d.queue)))
	default:
		telemetry.NotificationsDroppedTotal.Inc()
		d.deadLetter(evt, "", "dispatch queue full", 0)
		log.Warn().
			Str("event_id", evt.EventID).
			Str("event_type", evt.EventType).
			Msg("Dispatch queue full, event dropped")
		p.Set(nil, fmt.Errorf("dispatch queue full"))
	}

	return p.Future()
}

func (d *Dispatcher) workerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		case job := <-d.queue:
			telemetry.NotificationQueueDepth.Set(float64(len(d.queue)))
			deliveries := d.deliverAll(context.Background(), job.evt, true)
			job.promise.Set(deliveries, nil)
		}
	}
}

// deliverAll sends one event through every matching sink and reports the
// independent outcomes. Failed deliveries go to the dead letter log unless
// the caller is the replay path.
func (d *Dispatcher) deliverAll(ctx context.Context, evt *Event, deadLetterFailures bool) []Delivery {
	body, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("event_id", evt.EventID).Msg("Failed to encode event")
		return nil
	}

	deliveries := make([]Delivery, 0, len(d.bindings))
	for _, b := range d.bindings {
		if !b.filter.Match(evt.Data.Table, evt.EventType) {
			continue
		}

		start := time.Now()
		deliverErr := b.sink.Deliver(ctx, evt, body)
		elapsed := time.Since(start)

		telemetry.NotificationDurationSeconds.With(b.name).Observe(elapsed.Seconds())

		delivery := Delivery{
			Sink:    b.name,
			Ok:      deliverErr == nil,
			Elapsed: elapsed,
		}

		if deliverErr != nil {
			delivery.Error = deliverErr.Error()
			delivery.Attempts = AttemptsFromError(deliverErr)
			telemetry.NotificationsTotal.With(b.name, "failure").Inc()
			log.Warn().
				Err(deliverErr).
				Str("sink", b.name).
				Str("event_id", evt.EventID).
				Str("event_type", evt.EventType).
				Int("attempts", delivery.Attempts).
				Msg("Notification delivery failed")
			if deadLetterFailures {
				d.deadLetter(evt, b.name, deliverErr.Error(), delivery.Attempts)
			}
		} else {
			telemetry.NotificationsTotal.With(b.name, "success").Inc()
			log.Debug().
				Str("sink", b.name).
				Str("event_id", evt.EventID).
				Dur("elapsed", elapsed).
				Msg("Notification delivered")
		}

		deliveries = append(deliveries, delivery)
	}

	return deliveries
}

func (d *Dispatcher) deadLetter(evt *Event, sink, reason string, attempts int) {
	if d.letters == nil {
		return
	}
	if err := d.letters.Append(evt, sink, reason, attempts); err != nil {
		log.Error().Err(err).Str("event_id", evt.EventID).Msg("Failed to append dead letter")
	}
}

// ReplayDeadLetter re-delivers one letter by sequence and deletes it when
// every sink accepts it. A failed replay keeps the original entry.
func (d *Dispatcher) ReplayDeadLetter(ctx context.Context, seq uint64) error {
	if d.letters == nil {
		return fmt.Errorf("dead letter log not configured")
	}

	letter, err := d.letters.Get(seq)
	if err != nil {
		return err
	}

	evt := letter.Event
	for _, delivery := range d.deliverAll(ctx, &evt, false) {
		if !delivery.Ok {
			return fmt.Errorf("replaying dead letter %d through sink %s: %s", seq, delivery.Sink, delivery.Error)
		}
	}

	if err := d.letters.Delete(seq); err != nil {
		return fmt.Errorf("failed to delete replayed dead letter %d: %w", seq, err)
	}
	telemetry.DeadLettersReplayedTotal.Inc()

	log.Info().Uint64("seq", seq).Str("event_id", evt.EventID).Msg("Dead letter replayed")
	return nil
}

// ReplayDeadLetters re-delivers stored letters through the current sinks and
// deletes the ones that go through. Failed replays keep their original entry
// instead of accumulating duplicates.
func (d *Dispatcher) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	if d.letters == nil {
		return 0, fmt.Errorf("dead letter log not configured")
	}

	letters, err := d.letters.Scan(limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for i := range letters {
		evt := letters[i].Event
		deliveries := d.deliverAll(ctx, &evt, false)

		ok := true
		for _, delivery := range deliveries {
			if !delivery.Ok {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		if err := d.letters.Delete(letters[i].Seq); err != nil {
			log.Warn().Err(err).Uint64("seq", letters[i].Seq).Msg("Failed to delete replayed dead letter")
			continue
		}
		telemetry.DeadLettersReplayedTotal.Inc()
		replayed++
	}

	log.Info().
		Int("scanned", len(letters)).
		Int("replayed", replayed).
		Msg("Dead letter replay finished")

	return replayed, nil
}
