package cache

import (
	"fmt"

	"github.com/subwatch/subwatch/cfg"
)

// EntryPrefix namespaces subscriber entries in the shared cache.
const EntryPrefix = "sub:"

// EntryKey builds the cache key for one subscriber.
func EntryKey(subscriberKey string) string {
	return EntryPrefix + subscriberKey
}

// Cache is the derived-data layer invalidated by reconciliation and read
// through by the serving path. Invalidation is idempotent; unknown keys are
// a no-op.
type Cache interface {
	// Get returns the cached value, miss reported as false.
	Get(key string) ([]byte, bool)

	// Set stores a value under key.
	Set(key string, value []byte) error

	// Invalidate removes one key.
	Invalidate(key string) error

	// InvalidateAll removes every key under prefix, returning the number
	// of entries dropped.
	InvalidateAll(prefix string) (int, error)

	// Len reports the current entry count.
	Len() int

	Close() error
}

// New builds the configured cache implementation.
func New(conf cfg.CacheConfiguration) (Cache, error) {
	switch conf.Type {
	case cfg.CacheLocal:
		return NewLocal(conf), nil
	case cfg.CacheNATS:
		return NewNatsKV(conf)
	case cfg.CacheNoop:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s", conf.Type)
	}
}
