package cache

import (
	"errors"
	"fmt"

	"mipview/internal/raster"
)

// Kind separates single rasters from mipmap chains of the same source.
type Kind uint8

const (
	KindRaster Kind = iota
	KindChain
)

func (k Kind) String() string {
	switch k {
	case KindRaster:
		return "raster"
	case KindChain:
		return "chain"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Key identifies a cache entry
type Key struct {
	SourceID string
	Kind     Kind
}

func RasterKey(sourceID string) Key { return Key{SourceID: sourceID, Kind: KindRaster} }
func ChainKey(sourceID string) Key  { return Key{SourceID: sourceID, Kind: KindChain} }

// Value is anything the cache can account for. *raster.Raster and
// *raster.Chain both qualify.
type Value interface {
	EstimatedBytes() int64
}

var ErrOversizedEntry = errors.New("entry exceeds cache budget")

// OversizedEntryError is returned by Add when a single entry is larger than
// the whole budget. Nothing is evicted and the entry is not stored.
type OversizedEntryError struct {
	Key      Key
	Bytes    int64
	MaxBytes int64
}

func (e *OversizedEntryError) Error() string {
	return fmt.Sprintf("%s %s needs %d bytes, cache budget is %d", e.Key.Kind, e.Key.SourceID, e.Bytes, e.MaxBytes)
}

func (e *OversizedEntryError) Is(target error) bool { return target == ErrOversizedEntry }

// Stats is a point-in-time snapshot.
type Stats struct {
	RasterEntries int    `json:"raster_entries"`
	ChainEntries  int    `json:"chain_entries"`
	TotalBytes    int64  `json:"total_bytes"`
	MaxBytes      int64  `json:"max_bytes"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Evictions     uint64 `json:"evictions"`
	Oversized     uint64 `json:"oversized"`
}

func (s Stats) Entries() int { return s.RasterEntries + s.ChainEntries }

type Cache interface {
	Get(key Key) (Value, bool)
	Has(key Key) bool // Check presence without touching recency
	Add(key Key, value Value) error
	Remove(sourceID string) bool // Drops both kinds for the source
	EvictLRU() bool
	Clear()
	SetMaxBytes(maxBytes int64)
	Stats() Stats
}

func GetRaster(c Cache, sourceID string) (*raster.Raster, bool) {
	v, ok := c.Get(RasterKey(sourceID))
	if !ok {
		return nil, false
	}
	r, ok := v.(*raster.Raster)
	return r, ok
}

func GetChain(c Cache, sourceID string) (*raster.Chain, bool) {
	v, ok := c.Get(ChainKey(sourceID))
	if !ok {
		return nil, false
	}
	ch, ok := v.(*raster.Chain)
	return ch, ok
}
