package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/subwatch/subwatch/cfg"
	"github.com/subwatch/subwatch/telemetry"
)

const kvOpTimeout = 5 * time.Second

// NatsKV is the distributed cache mode: a JetStream Key-Value bucket shared
// by every node serving the same subscriber base.
type NatsKV struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

// NewNatsKV connects to NATS and ensures the configured bucket exists with
// the configured TTL.
func NewNatsKV(conf cfg.CacheConfiguration) (*NatsKV, error) {
	nc, err := nats.Connect(conf.NatsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), kvOpTimeout)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: conf.Bucket,
		TTL:    time.Duration(conf.TTLSeconds) * time.Second,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure KV bucket %s: %w", conf.Bucket, err)
	}

	log.Info().Str("bucket", conf.Bucket).Msg("NATS KV cache connected")
	return &NatsKV{nc: nc, kv: kv}, nil
}

func (n *NatsKV) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), kvOpTimeout)
	defer cancel()

	entry, err := n.kv.Get(ctx, encodeKey(key))
	if err != nil {
		telemetry.CacheMissesTotal.Inc()
		return nil, false
	}

	telemetry.CacheHitsTotal.Inc()
	return entry.Value(), true
}

func (n *NatsKV) Set(key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), kvOpTimeout)
	defer cancel()

	if _, err := n.kv.Put(ctx, encodeKey(key), value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

func (n *NatsKV) Invalidate(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), kvOpTimeout)
	defer cancel()

	// Purge drops the key and its history; unknown keys are a no-op
	if err := n.kv.Purge(ctx, encodeKey(key)); err != nil {
		return fmt.Errorf("kv purge: %w", err)
	}

	telemetry.CacheInvalidationsTotal.With("entry").Inc()
	return nil
}

func (n *NatsKV) InvalidateAll(prefix string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), kvOpTimeout)
	defer cancel()

	lister, err := n.kv.ListKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("kv list: %w", err)
	}

	var matches []string
	for key := range lister.Keys() {
		raw, ok := decodeKey(key)
		if ok && strings.HasPrefix(raw, prefix) {
			matches = append(matches, key)
		}
	}

	dropped := 0
	for _, key := range matches {
		if err := n.kv.Purge(ctx, key); err != nil {
			return dropped, fmt.Errorf("kv purge %s: %w", key, err)
		}
		dropped++
	}

	telemetry.CacheInvalidationsTotal.With("all").Inc()
	return dropped, nil
}

func (n *NatsKV) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), kvOpTimeout)
	defer cancel()

	lister, err := n.kv.ListKeys(ctx)
	if err != nil {
		return 0
	}

	count := 0
	for range lister.Keys() {
		count++
	}
	return count
}

func (n *NatsKV) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// NATS KV keys only allow [-/_=.a-zA-Z0-9] and dots separate subject tokens.
// Subscriber keys pass through a character-wise reversible encoding: ':'
// maps to '.', alphanumerics and -_ pass through, everything else (including
// literal '.', '=', '/') becomes '=HH'.
func encodeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))

	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c == ':':
			b.WriteByte('.')
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9',
			c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}

	return b.String()
}

func decodeKey(encoded string) (string, bool) {
	var b strings.Builder
	b.Grow(len(encoded))

	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		switch c {
		case '.':
			b.WriteByte(':')
		case '=':
			if i+2 >= len(encoded) {
				return "", false
			}
			v, err := strconv.ParseUint(encoded[i+1:i+3], 16, 8)
			if err != nil {
				return "", false
			}
			b.WriteByte(byte(v))
			i += 2
		default:
			b.WriteByte(c)
		}
	}

	return b.String(), true
}
