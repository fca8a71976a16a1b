package raster

import (
	"errors"
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"
)

// BytesPerPixel is the RGBA footprint used for cache accounting.
const BytesPerPixel = 4

// Raster is a decoded bitmap of one source at one resolution level.
// It must not be modified after construction.
type Raster struct {
	sourceID string
	level    int
	pix      *image.RGBA
}

// New wraps pix as level `level` of sourceID. The pixel buffer is owned by the
// returned Raster from now on.
func New(sourceID string, level int, pix *image.RGBA) (*Raster, error) {
	if pix == nil {
		return nil, errors.New("raster: nil pixel buffer")
	}
	if level < 0 {
		return nil, fmt.Errorf("raster: negative level %d", level)
	}
	b := pix.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("raster: empty bounds %v", b)
	}
	return &Raster{sourceID: sourceID, level: level, pix: pix}, nil
}

// FromImage converts any decoded image into an RGBA raster anchored at (0,0).
func FromImage(sourceID string, level int, img image.Image) (*Raster, error) {
	if img == nil {
		return nil, errors.New("raster: nil image")
	}
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return New(sourceID, level, rgba)
	}

	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	return New(sourceID, level, dst)
}

func (r *Raster) SourceID() string { return r.sourceID }
func (r *Raster) Level() int       { return r.level }
func (r *Raster) Width() int       { return r.pix.Rect.Dx() }
func (r *Raster) Height() int      { return r.pix.Rect.Dy() }

// Image exposes the pixel buffer for reading. Callers must not draw into it.
func (r *Raster) Image() *image.RGBA { return r.pix }

// EstimatedBytes is width*height*4.
func (r *Raster) EstimatedBytes() int64 {
	return int64(r.Width()) * int64(r.Height()) * BytesPerPixel
}

func (r *Raster) String() string {
	return fmt.Sprintf("%s@L%d(%dx%d)", r.sourceID, r.level, r.Width(), r.Height())
}
