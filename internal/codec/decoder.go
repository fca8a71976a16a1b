package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrTooManyPixels     = errors.New("image exceeds pixel limit")
)

// CheckPixels validates header dimensions against maxPixels. Zero disables
// the limit.
func CheckPixels(width, height int, maxPixels int64) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	if maxPixels > 0 && int64(width)*int64(height) > maxPixels {
		return fmt.Errorf("%w: %dx%d > %d", ErrTooManyPixels, width, height, maxPixels)
	}
	return nil
}

// Decoder turns encoded bytes into a bitmap.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (image.Image, error)
}

// StdDecoder decodes png, jpeg, gif, bmp, tiff and webp in pure Go.
type StdDecoder struct {
	// MaxPixels rejects images whose header reports more pixels. Zero disables the check.
	MaxPixels int64
}

func NewStdDecoder(maxPixels int64) *StdDecoder {
	return &StdDecoder{MaxPixels: maxPixels}
}

func (d *StdDecoder) Decode(ctx context.Context, data []byte) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, ErrUnsupportedFormat
		}
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	if err := CheckPixels(cfg.Width, cfg.Height, d.MaxPixels); err != nil {
		return nil, fmt.Errorf("%s image: %w", format, err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", format, err)
	}
	return img, nil
}
