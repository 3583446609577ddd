package cache

// Noop is the disabled cache mode: writes vanish, reads always miss,
// invalidation succeeds.
type Noop struct{}

func (Noop) Get(key string) ([]byte, bool)            { return nil, false }
func (Noop) Set(key string, value []byte) error       { return nil }
func (Noop) Invalidate(key string) error              { return nil }
func (Noop) InvalidateAll(prefix string) (int, error) { return 0, nil }
func (Noop) Len() int                                 { return 0 }
func (Noop) Close() error                             { return nil }
