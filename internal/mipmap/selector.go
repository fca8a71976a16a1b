package mipmap

import (
	"errors"
	"fmt"
	"math"

	"mipview/internal/raster"
)

var ErrInvalidZoom = errors.New("zoom must be a positive finite number")

// LevelForZoom returns floor(-log2(zoom)) clamped to [0, chainLen-1].
// Zoom 1 is full resolution, 0.5 is level 1, 0.25 level 2.
func LevelForZoom(zoom float64, chainLen int) (int, error) {
	if !(zoom > 0) || math.IsInf(zoom, 1) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidZoom, zoom)
	}
	if chainLen < 1 {
		return 0, fmt.Errorf("chain length %d < 1", chainLen)
	}

	target := int(math.Floor(-math.Log2(zoom)))
	if target < 0 {
		target = 0
	}
	return min(target, chainLen-1), nil
}

// Select picks the chain entry to render at zoom.
func Select(chain *raster.Chain, zoom float64) (*raster.Raster, error) {
	if chain == nil {
		return nil, errors.New("nil chain")
	}
	level, err := LevelForZoom(zoom, chain.Len())
	if err != nil {
		return nil, err
	}
	return chain.Level(level), nil
}
