package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type entry struct {
	key          Key
	value        Value
	bytes        int64
	lastAccessed time.Time
}

// EvictFunc observes entries leaving the cache (eviction, removal, clear or
// replacement). It runs after the cache lock is released.
type EvictFunc func(key Key, value Value)

type Option func(*MemoryCache)

func WithLogger(log *zap.Logger) Option {
	return func(c *MemoryCache) {
		if log != nil {
			c.logger = log
		}
	}
}

func WithEvictCallback(fn EvictFunc) Option {
	return func(c *MemoryCache) {
		c.onEvict = fn
	}
}

// MemoryCache implements a byte-budgeted in-memory LRU cache. Rasters and
// chains live in separate maps but share one recency list and one budget.
type MemoryCache struct {
	mu         sync.Mutex
	maxBytes   int64
	totalBytes int64
	rasters    map[string]*list.Element
	chains     map[string]*list.Element
	lruList    *list.List
	onEvict    EvictFunc
	logger     *zap.Logger

	hits      uint64
	misses    uint64
	evictions uint64
	oversized uint64
}

// NewMemoryCache creates a new in-memory LRU cache holding at most maxBytes
// of estimated pixel data.
func NewMemoryCache(maxBytes int64, opts ...Option) *MemoryCache {
	if maxBytes < 0 {
		maxBytes = 0
	}
	c := &MemoryCache{
		maxBytes: maxBytes,
		rasters:  make(map[string]*list.Element),
		chains:   make(map[string]*list.Element),
		lruList:  list.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) index(kind Kind) map[string]*list.Element {
	if kind == KindChain {
		return c.chains
	}
	return c.rasters
}

func (c *MemoryCache) Has(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.index(key.Kind)[key.SourceID]
	return ok
}

func (c *MemoryCache) Get(key Key) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index(key.Kind)[key.SourceID]
	if !ok {
		c.misses++
		return nil, false
	}

	c.hits++
	ent := elem.Value.(*entry)
	ent.lastAccessed = time.Now()
	c.lruList.MoveToFront(elem)
	return ent.value, true
}

// Add inserts value, evicting least recently used entries until it fits.
// An entry larger than the whole budget is refused with *OversizedEntryError
// and the cache is left untouched.
func (c *MemoryCache) Add(key Key, value Value) error {
	if value == nil {
		return fmt.Errorf("nil value for %s %s", key.Kind, key.SourceID)
	}
	size := value.EstimatedBytes()
	if size < 0 {
		return fmt.Errorf("negative size %d for %s %s", size, key.Kind, key.SourceID)
	}

	c.mu.Lock()

	if size > c.maxBytes {
		c.oversized++
		maxBytes := c.maxBytes
		c.mu.Unlock()

		c.logger.Warn("Entry exceeds cache budget, not caching",
			zap.String("source_id", key.SourceID),
			zap.Stringer("kind", key.Kind),
			zap.Int64("bytes", size),
			zap.Int64("max_bytes", maxBytes),
		)
		return &OversizedEntryError{Key: key, Bytes: size, MaxBytes: maxBytes}
	}

	var released []*entry

	idx := c.index(key.Kind)
	if elem, ok := idx[key.SourceID]; ok {
		released = append(released, c.removeElement(elem))
	}

	for c.totalBytes+size > c.maxBytes && c.lruList.Len() > 0 {
		released = append(released, c.evictOldest())
	}

	ent := &entry{key: key, value: value, bytes: size, lastAccessed: time.Now()}
	idx[key.SourceID] = c.lruList.PushFront(ent)
	c.totalBytes += size

	c.mu.Unlock()

	c.release(released)
	return nil
}

func (c *MemoryCache) Remove(sourceID string) bool {
	c.mu.Lock()

	var released []*entry
	for _, kind := range []Kind{KindRaster, KindChain} {
		if elem, ok := c.index(kind)[sourceID]; ok {
			released = append(released, c.removeElement(elem))
		}
	}

	c.mu.Unlock()

	c.release(released)
	return len(released) > 0
}

// EvictLRU drops the least recently used entry. It reports false on an empty cache.
func (c *MemoryCache) EvictLRU() bool {
	c.mu.Lock()
	if c.lruList.Len() == 0 {
		c.mu.Unlock()
		return false
	}
	ent := c.evictOldest()
	c.mu.Unlock()

	c.release([]*entry{ent})
	return true
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()

	released := make([]*entry, 0, c.lruList.Len())
	for elem := c.lruList.Back(); elem != nil; elem = elem.Prev() {
		released = append(released, elem.Value.(*entry))
	}
	c.rasters = make(map[string]*list.Element)
	c.chains = make(map[string]*list.Element)
	c.lruList = list.New()
	c.totalBytes = 0

	c.mu.Unlock()

	c.release(released)
}

// SetMaxBytes changes the budget and evicts down to it immediately.
func (c *MemoryCache) SetMaxBytes(maxBytes int64) {
	if maxBytes < 0 {
		maxBytes = 0
	}

	c.mu.Lock()
	c.maxBytes = maxBytes
	var released []*entry
	for c.totalBytes > c.maxBytes && c.lruList.Len() > 0 {
		released = append(released, c.evictOldest())
	}
	c.mu.Unlock()

	if len(released) > 0 {
		c.logger.Info("Cache budget lowered",
			zap.Int64("max_bytes", maxBytes),
			zap.Int("evicted", len(released)),
		)
	}
	c.release(released)
}

func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		RasterEntries: len(c.rasters),
		ChainEntries:  len(c.chains),
		TotalBytes:    c.totalBytes,
		MaxBytes:      c.maxBytes,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Oversized:     c.oversized,
	}
}

// evictOldest must be called with mu held and a non-empty list.
func (c *MemoryCache) evictOldest() *entry {
	ent := c.removeElement(c.lruList.Back())
	c.evictions++
	c.logger.Debug("Evicted cache entry",
		zap.String("source_id", ent.key.SourceID),
		zap.Stringer("kind", ent.key.Kind),
		zap.Int64("bytes", ent.bytes),
		zap.Time("last_accessed", ent.lastAccessed),
	)
	return ent
}

// removeElement must be called with mu held.
func (c *MemoryCache) removeElement(elem *list.Element) *entry {
	ent := elem.Value.(*entry)
	delete(c.index(ent.key.Kind), ent.key.SourceID)
	c.lruList.Remove(elem)
	c.totalBytes -= ent.bytes
	return ent
}

func (c *MemoryCache) release(entries []*entry) {
	if c.onEvict == nil {
		return
	}
	for _, ent := range entries {
		c.onEvict(ent.key, ent.value)
	}
}
