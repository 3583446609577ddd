package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/subwatch/subwatch/cfg"
	"github.com/subwatch/subwatch/telemetry"
)

// Local is the in-process cache mode: a size-bounded LRU with entry TTL.
type Local struct {
	lru *expirable.LRU[string, []byte]
}

// NewLocal builds the in-process cache from configuration.
func NewLocal(conf cfg.CacheConfiguration) *Local {
	ttl := time.Duration(conf.TTLSeconds) * time.Second
	return &Local{
		lru: expirable.NewLRU[string, []byte](conf.Size, nil, ttl),
	}
}

func (l *Local) Get(key string) ([]byte, bool) {
	value, ok := l.lru.Get(key)
	if ok {
		telemetry.CacheHitsTotal.Inc()
	} else {
		telemetry.CacheMissesTotal.Inc()
	}
	return value, ok
}

func (l *Local) Set(key string, value []byte) error {
	l.lru.Add(key, value)
	return nil
}

func (l *Local) Invalidate(key string) error {
	l.lru.Remove(key)
	telemetry.CacheInvalidationsTotal.With("entry").Inc()
	return nil
}

func (l *Local) InvalidateAll(prefix string) (int, error) {
	dropped := 0
	for _, key := range l.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			l.lru.Remove(key)
			dropped++
		}
	}

	telemetry.CacheInvalidationsTotal.With("all").Inc()
	return dropped, nil
}

func (l *Local) Len() int {
	return l.lru.Len()
}

func (l *Local) Close() error {
	l.lru.Purge()
	return nil
}
