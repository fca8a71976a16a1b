package cache

// NoopCache stores nothing. Every lookup misses.
type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(key Key) (Value, bool) {
	return nil, false
}

func (c *NoopCache) Has(key Key) bool {
	return false
}

func (c *NoopCache) Add(key Key, value Value) error {
	return nil
}

func (c *NoopCache) Remove(sourceID string) bool {
	return false
}

func (c *NoopCache) EvictLRU() bool {
	return false
}

func (c *NoopCache) Clear() {
}

func (c *NoopCache) SetMaxBytes(maxBytes int64) {
}

func (c *NoopCache) Stats() Stats {
	return Stats{}
}
