package notifier

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/subwatch/subwatch/telemetry"
)

// ErrLetterNotFound is returned when no letter exists for a sequence.
var ErrLetterNotFound = errors.New("dead letter not found")

// Key prefixes for Pebble storage
const (
	prefixDeadLetter = "/deadletter/" // /deadletter/{16-digit-zero-padded-seq}
	prefixDeadSeq    = "/deadseq"     // /deadseq -> uint64 (last sequence)
)

const defaultScanLimit = 100

// DeadLetter is one undeliverable event kept for operator replay.
type DeadLetter struct {
	Seq      uint64 `msgpack:"seq" json:"seq"`
	Sink     string `msgpack:"sink" json:"sink"`
	Reason   string `msgpack:"reason" json:"reason"`
	Attempts int    `msgpack:"attempts" json:"attempts"`
	FailedAt int64  `msgpack:"failed_at" json:"failedAt"` // unix millis
	Event    Event  `msgpack:"event" json:"event"`
}

// DeadLetterLog is a Pebble-backed append log of events that exhausted
// delivery. Notifications are best-effort, but never silently lost.
type DeadLetterLog struct {
	db      *pebble.DB
	nextSeq atomic.Uint64
	closed  atomic.Bool
}

// NewDeadLetterLog creates or opens the log under dataDir.
func NewDeadLetterLog(dataDir string) (*DeadLetterLog, error) {
	path := filepath.Join(dataDir, "dead_letters")

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open dead letter log at %s: %w", path, err)
	}

	dl := &DeadLetterLog{db: db}
	if err := dl.loadNextSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load dead letter sequence: %w", err)
	}

	return dl, nil
}

func (dl *DeadLetterLog) loadNextSeq() error {
	val, closer, err := dl.db.Get([]byte(prefixDeadSeq))
	if err == pebble.ErrNotFound {
		dl.nextSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}

	dl.nextSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

// Append records an undeliverable event.
func (dl *DeadLetterLog) Append(evt *Event, sink, reason string, attempts int) error {
	if dl.closed.Load() {
		return fmt.Errorf("dead letter log is closed")
	}

	seq := dl.nextSeq.Add(1)
	letter := DeadLetter{
		Seq:      seq,
		Sink:     sink,
		Reason:   reason,
		Attempts: attempts,
		FailedAt: time.Now().UnixMilli(),
		Event:    *evt,
	}

	val, err := msgpack.Marshal(&letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	batch := dl.db.NewBatch()
	defer batch.Close()

	if err := batch.Set([]byte(deadLetterKey(seq)), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(prefixDeadSeq), seqBuf, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit dead letter: %w", err)
	}

	telemetry.DeadLettersTotal.Inc()
	log.Warn().
		Uint64("seq", seq).
		Str("sink", sink).
		Str("event_id", evt.EventID).
		Str("reason", reason).
		Msg("Event dead-lettered")

	return nil
}

// Scan returns up to limit letters in append order.
func (dl *DeadLetterLog) Scan(limit int) ([]DeadLetter, error) {
	if dl.closed.Load() {
		return nil, fmt.Errorf("dead letter log is closed")
	}
	if limit <= 0 {
		limit = defaultScanLimit
	}

	prefix := []byte(prefixDeadLetter)
	iter, err := dl.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	letters := make([]DeadLetter, 0, limit)
	for iter.SeekGE(prefix); iter.Valid() && len(letters) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var letter DeadLetter
		if err := msgpack.Unmarshal(val, &letter); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal dead letter")
			continue
		}
		letters = append(letters, letter)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return letters, nil
}

// Get returns one letter by sequence.
func (dl *DeadLetterLog) Get(seq uint64) (*DeadLetter, error) {
	if dl.closed.Load() {
		return nil, fmt.Errorf("dead letter log is closed")
	}

	val, closer, err := dl.db.Get([]byte(deadLetterKey(seq)))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("dead letter %d: %w", seq, ErrLetterNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var letter DeadLetter
	if err := msgpack.Unmarshal(val, &letter); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter %d: %w", seq, err)
	}
	return &letter, nil
}

// Count returns the number of stored letters.
func (dl *DeadLetterLog) Count() (int64, error) {
	if dl.closed.Load() {
		return 0, fmt.Errorf("dead letter log is closed")
	}

	prefix := []byte(prefixDeadLetter)
	iter, err := dl.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var count int64
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	return count, nil
}

// Delete removes one letter by sequence.
func (dl *DeadLetterLog) Delete(seq uint64) error {
	if dl.closed.Load() {
		return fmt.Errorf("dead letter log is closed")
	}

	key := []byte(deadLetterKey(seq))
	if _, closer, err := dl.db.Get(key); err == pebble.ErrNotFound {
		return fmt.Errorf("dead letter %d: %w", seq, ErrLetterNotFound)
	} else if err != nil {
		return err
	} else {
		closer.Close()
	}

	return dl.db.Delete(key, pebble.Sync)
}

// Close closes the underlying database.
func (dl *DeadLetterLog) Close() error {
	if !dl.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("dead letter log already closed")
	}
	return dl.db.Close()
}

func deadLetterKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixDeadLetter, seq)
}

// prefixUpperBound returns the upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
