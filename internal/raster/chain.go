package raster

import (
	"errors"
	"fmt"
)

// Chain is a mipmap chain. Index 0 is full resolution and every following
// level is no larger than the one before it in either dimension.
type Chain struct {
	levels []*Raster
}

// NewChain validates the ordering of levels and returns a chain over a copy of them.
func NewChain(levels []*Raster) (*Chain, error) {
	if len(levels) == 0 {
		return nil, errors.New("raster: chain needs at least one level")
	}

	for i, lv := range levels {
		if lv == nil {
			return nil, fmt.Errorf("raster: chain level %d is nil", i)
		}
		if lv.Level() != i {
			return nil, fmt.Errorf("raster: chain slot %d holds level %d", i, lv.Level())
		}
		if lv.SourceID() != levels[0].SourceID() {
			return nil, fmt.Errorf("raster: chain level %d belongs to %q, want %q", i, lv.SourceID(), levels[0].SourceID())
		}
		if i == 0 {
			continue
		}
		prev := levels[i-1]
		if lv.Width() > prev.Width() || lv.Height() > prev.Height() {
			return nil, fmt.Errorf("raster: chain level %d (%dx%d) larger than level %d (%dx%d)",
				i, lv.Width(), lv.Height(), i-1, prev.Width(), prev.Height())
		}
	}

	cp := make([]*Raster, len(levels))
	copy(cp, levels)
	return &Chain{levels: cp}, nil
}

func (c *Chain) Len() int { return len(c.levels) }

// Level returns the raster at index i. It panics when i is out of range, like a slice.
func (c *Chain) Level(i int) *Raster { return c.levels[i] }

// Base is the full-resolution level.
func (c *Chain) Base() *Raster { return c.levels[0] }

// Coarsest is the most downsampled level.
func (c *Chain) Coarsest() *Raster { return c.levels[len(c.levels)-1] }

func (c *Chain) SourceID() string { return c.levels[0].SourceID() }

// Levels returns a copy of the level slice.
func (c *Chain) Levels() []*Raster {
	cp := make([]*Raster, len(c.levels))
	copy(cp, c.levels)
	return cp
}

// EstimatedBytes sums the per-level estimates.
func (c *Chain) EstimatedBytes() int64 {
	var total int64
	for _, lv := range c.levels {
		total += lv.EstimatedBytes()
	}
	return total
}
