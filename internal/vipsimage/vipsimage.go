// Package vipsimage implements the codec and resample capabilities on libvips.
// Callers must run vips.Startup before use and vips.Shutdown on exit.
package vipsimage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"

	"mipview/internal/codec"
	"mipview/internal/resample"
)

// Decoder loads any format libvips understands and hands back a Go bitmap.
// Images whose header reports more than maxPixels are refused before any
// pixel data is read; zero disables the check.
type Decoder struct {
	maxPixels int64
	logger    *zap.Logger
}

func NewDecoder(maxPixels int64, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{maxPixels: maxPixels, logger: logger}
}

func (d *Decoder) Decode(ctx context.Context, data []byte) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := vips.NewImageFromBuffer(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	if err := codec.CheckPixels(img.Width(), img.Height(), d.maxPixels); err != nil {
		return nil, err
	}

	d.logger.Debug("Decoded with vips", zap.Int("width", img.Width()), zap.Int("height", img.Height()))

	return exportRGBA(ctx, img)
}

// Resampler scales through a PNG round-trip into libvips.
type Resampler struct {
	logger *zap.Logger
}

func NewResampler(logger *zap.Logger) *Resampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resampler{logger: logger}
}

// kernelFor maps quality onto libvips resize kernels.
func kernelFor(quality float64) vips.Kernel {
	switch {
	case quality < 0.25:
		return vips.KernelNearest
	case quality < 0.5:
		return vips.KernelLinear
	case quality < 0.85:
		return vips.KernelCubic
	default:
		return vips.KernelLanczos3
	}
}

func (r *Resampler) Resample(ctx context.Context, src *image.RGBA, width, height int, quality float64) (*image.RGBA, error) {
	if err := resample.ValidateTarget(src, width, height, quality); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, src); err != nil {
		return nil, fmt.Errorf("failed to encode intermediate: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := vips.NewImageFromBuffer(buf.Bytes(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load intermediate: %w", err)
	}
	defer img.Close()

	hscale := float64(width) / float64(img.Width())
	vscale := float64(height) / float64(img.Height())

	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = kernelFor(quality)
	resizeOpts.Vscale = vscale
	if err := img.Resize(hscale, resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	// libvips rounds the output size; clamp or pad to the exact target.
	w, h := img.Width(), img.Height()
	if w > width || h > height {
		if err := img.ExtractArea(0, 0, min(w, width), min(h, height)); err != nil {
			return nil, fmt.Errorf("failed to crop: %w", err)
		}
	}
	if img.Width() < width || img.Height() < height {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendCopy
		if err := img.Embed(0, 0, width, height, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	r.logger.Debug("Resampled with vips",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Float64("quality", quality),
	)

	return exportRGBA(ctx, img)
}

func exportRGBA(ctx context.Context, img *vips.Image) (*image.RGBA, error) {
	pngOpts := vips.DefaultPngsaveBufferOptions()
	encoded, err := img.PngsaveBuffer(pngOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	decoded, err := png.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode export: %w", err)
	}
	if rgba, ok := decoded.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba, nil
	}

	b := decoded.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), decoded, b.Min, xdraw.Src)
	return dst, nil
}
