package resample

import (
	"context"
	"fmt"
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

// Resampler scales a bitmap to exact target dimensions. Quality is in [0,1];
// higher values select smoother, more expensive kernels.
type Resampler interface {
	Resample(ctx context.Context, src *image.RGBA, width, height int, quality float64) (*image.RGBA, error)
}

// ValidateTarget checks the arguments every Resampler implementation shares.
func ValidateTarget(src *image.RGBA, width, height int, quality float64) error {
	if src == nil {
		return fmt.Errorf("nil source")
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid target size %dx%d", width, height)
	}
	if quality < 0 || quality > 1 || math.IsNaN(quality) {
		return fmt.Errorf("quality %v out of range [0,1]", quality)
	}
	return nil
}

// DrawResampler resamples with the golang.org/x/image/draw kernels.
type DrawResampler struct{}

func NewDrawResampler() *DrawResampler {
	return &DrawResampler{}
}

// KernelFor maps quality onto an x/image/draw interpolator.
func KernelFor(quality float64) xdraw.Interpolator {
	switch {
	case quality < 0.25:
		return xdraw.NearestNeighbor
	case quality < 0.5:
		return xdraw.ApproxBiLinear
	case quality < 0.85:
		return xdraw.BiLinear
	default:
		return xdraw.CatmullRom
	}
}

func (r *DrawResampler) Resample(ctx context.Context, src *image.RGBA, width, height int, quality float64) (*image.RGBA, error) {
	if err := ValidateTarget(src, width, height, quality); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	KernelFor(quality).Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst, nil
}
