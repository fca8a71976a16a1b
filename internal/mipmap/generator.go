package mipmap

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"mipview/internal/raster"
	"mipview/internal/resample"
)

var ErrInvalidOptions = errors.New("invalid mipmap options")

// GenerationError reports the level whose downscale failed.
type GenerationError struct {
	SourceID string
	Level    int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("mipmap generation failed for %s at level %d: %v", e.SourceID, e.Level, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Options bound the chain. MaxLevels counts level 0.
type Options struct {
	MaxLevels int
	MinSize   int
	Quality   float64
}

func (o Options) Validate() error {
	if o.MaxLevels < 1 {
		return fmt.Errorf("%w: max levels %d < 1", ErrInvalidOptions, o.MaxLevels)
	}
	if o.MinSize < 1 {
		return fmt.Errorf("%w: min size %d < 1", ErrInvalidOptions, o.MinSize)
	}
	if o.Quality < 0 || o.Quality > 1 || math.IsNaN(o.Quality) {
		return fmt.Errorf("%w: quality %v out of range [0,1]", ErrInvalidOptions, o.Quality)
	}
	return nil
}

type Generator struct {
	resampler resample.Resampler
	logger    *zap.Logger
}

func NewGenerator(resampler resample.Resampler, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{resampler: resampler, logger: logger}
}

// nextSize halves a dimension, floored at minSize and never growing past prev.
func nextSize(prev, minSize int) int {
	return min(prev, max(minSize, prev/2))
}

// Generate builds a chain from base. Each level is resampled from the level
// before it. Generation stops after a level reaches minSize x minSize, when
// the next level would not shrink, or at MaxLevels. Any failed step discards
// the partial chain.
func (g *Generator) Generate(ctx context.Context, base *raster.Raster, opts Options) (*raster.Chain, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: nil base raster", ErrInvalidOptions)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if base.Level() != 0 {
		return nil, fmt.Errorf("%w: base raster is level %d", ErrInvalidOptions, base.Level())
	}

	levels := []*raster.Raster{base}
	prev := base

	for level := 1; level < opts.MaxLevels; level++ {
		if prev.Width() == opts.MinSize && prev.Height() == opts.MinSize {
			break
		}

		w := nextSize(prev.Width(), opts.MinSize)
		h := nextSize(prev.Height(), opts.MinSize)
		if w == prev.Width() && h == prev.Height() {
			break
		}

		if err := ctx.Err(); err != nil {
			return nil, &GenerationError{SourceID: base.SourceID(), Level: level, Err: err}
		}

		pix, err := g.resampler.Resample(ctx, prev.Image(), w, h, opts.Quality)
		if err != nil {
			return nil, &GenerationError{SourceID: base.SourceID(), Level: level, Err: err}
		}

		next, err := raster.New(base.SourceID(), level, pix)
		if err != nil {
			return nil, &GenerationError{SourceID: base.SourceID(), Level: level, Err: err}
		}
		if next.Width() != w || next.Height() != h {
			return nil, &GenerationError{
				SourceID: base.SourceID(),
				Level:    level,
				Err:      fmt.Errorf("resampler returned %dx%d, want %dx%d", next.Width(), next.Height(), w, h),
			}
		}

		levels = append(levels, next)
		prev = next
	}

	chain, err := raster.NewChain(levels)
	if err != nil {
		return nil, &GenerationError{SourceID: base.SourceID(), Level: len(levels) - 1, Err: err}
	}

	g.logger.Debug("Generated mipmaps",
		zap.String("source_id", base.SourceID()),
		zap.Int("levels", chain.Len()),
		zap.Int64("bytes", chain.EstimatedBytes()),
	)
	return chain, nil
}
