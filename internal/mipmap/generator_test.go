package mipmap

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mipview/internal/raster"
	"mipview/internal/resample"
)

func baseRaster(t *testing.T, w, h int) *raster.Raster {
	t.Helper()
	r, err := raster.New("img", 0, image.NewRGBA(image.Rect(0, 0, w, h)))
	require.NoError(t, err)
	return r
}

func dims(chain *raster.Chain) [][2]int {
	out := make([][2]int, 0, chain.Len())
	for _, lv := range chain.Levels() {
		out = append(out, [2]int{lv.Width(), lv.Height()})
	}
	return out
}

// failingResampler fails on the Nth call (1-based) and otherwise delegates.
type failingResampler struct {
	failOn int
	calls  int
	next   resample.Resampler
}

func (f *failingResampler) Resample(ctx context.Context, src *image.RGBA, w, h int, q float64) (*image.RGBA, error) {
	f.calls++
	if f.calls == f.failOn {
		return nil, errors.New("backend exploded")
	}
	return f.next.Resample(ctx, src, w, h, q)
}

// recordingResampler remembers the source size of every call.
type recordingResampler struct {
	sources [][2]int
}

func (r *recordingResampler) Resample(ctx context.Context, src *image.RGBA, w, h int, q float64) (*image.RGBA, error) {
	r.sources = append(r.sources, [2]int{src.Rect.Dx(), src.Rect.Dy()})
	return image.NewRGBA(image.Rect(0, 0, w, h)), nil
}

func TestGenerateSquareStopsAtMinSize(t *testing.T) {
	g := NewGenerator(resample.NewDrawResampler(), nil)

	chain, err := g.Generate(context.Background(), baseRaster(t, 1024, 1024), Options{MaxLevels: 5, MinSize: 64, Quality: 0})
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{1024, 1024}, {512, 512}, {256, 256}, {128, 128}, {64, 64}}, dims(chain))

	for i, lv := range chain.Levels() {
		assert.Equal(t, i, lv.Level())
		assert.Equal(t, "img", lv.SourceID())
	}
}

func TestGenerateHaltsAtMinSizeBeforeMaxLevels(t *testing.T) {
	g := NewGenerator(&recordingResampler{}, nil)

	chain, err := g.Generate(context.Background(), baseRaster(t, 1024, 1024), Options{MaxLevels: 10, MinSize: 64, Quality: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, chain.Len())
	assert.Equal(t, 64, chain.Coarsest().Width())
}

func TestGenerateRespectsMaxLevels(t *testing.T) {
	g := NewGenerator(&recordingResampler{}, nil)

	chain, err := g.Generate(context.Background(), baseRaster(t, 1024, 1024), Options{MaxLevels: 3, MinSize: 1, Quality: 1})
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{1024, 1024}, {512, 512}, {256, 256}}, dims(chain))

	chain, err = g.Generate(context.Background(), baseRaster(t, 1024, 1024), Options{MaxLevels: 1, MinSize: 1, Quality: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, chain.Len())
}

func TestGenerateNonSquareClampsEachAxis(t *testing.T) {
	g := NewGenerator(&recordingResampler{}, nil)

	chain, err := g.Generate(context.Background(), baseRaster(t, 1024, 256), Options{MaxLevels: 10, MinSize: 64, Quality: 0.5})
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{1024, 256}, {512, 128}, {256, 64}, {128, 64}, {64, 64}}, dims(chain))
}

func TestGenerateOddDimensionsFloor(t *testing.T) {
	g := NewGenerator(&recordingResampler{}, nil)

	chain, err := g.Generate(context.Background(), baseRaster(t, 100, 3), Options{MaxLevels: 20, MinSize: 1, Quality: 0.5})
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{100, 3}, {50, 1}, {25, 1}, {12, 1}, {6, 1}, {3, 1}, {1, 1}}, dims(chain))
}

func TestGenerateNeverUpscales(t *testing.T) {
	rec := &recordingResampler{}
	g := NewGenerator(rec, nil)

	chain, err := g.Generate(context.Background(), baseRaster(t, 32, 32), Options{MaxLevels: 5, MinSize: 64, Quality: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 1, chain.Len())
	assert.Empty(t, rec.sources)
}

func TestGenerateResamplesFromPreviousLevel(t *testing.T) {
	rec := &recordingResampler{}
	g := NewGenerator(rec, nil)

	_, err := g.Generate(context.Background(), baseRaster(t, 256, 256), Options{MaxLevels: 4, MinSize: 1, Quality: 0.5})
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{256, 256}, {128, 128}, {64, 64}}, rec.sources)
}

func TestGenerateFailureDiscardsChain(t *testing.T) {
	fr := &failingResampler{failOn: 2, next: &recordingResampler{}}
	g := NewGenerator(fr, nil)

	chain, err := g.Generate(context.Background(), baseRaster(t, 512, 512), Options{MaxLevels: 5, MinSize: 16, Quality: 0.5})
	require.Error(t, err)
	assert.Nil(t, chain)

	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, 2, genErr.Level)
	assert.Equal(t, "img", genErr.SourceID)
	assert.ErrorContains(t, err, "backend exploded")
}

func TestGenerateRejectsWrongSizedOutput(t *testing.T) {
	g := NewGenerator(resamplerFunc(func(ctx context.Context, src *image.RGBA, w, h int, q float64) (*image.RGBA, error) {
		return image.NewRGBA(image.Rect(0, 0, w+1, h)), nil
	}), nil)

	_, err := g.Generate(context.Background(), baseRaster(t, 64, 64), Options{MaxLevels: 3, MinSize: 1, Quality: 0.5})
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, 1, genErr.Level)
}

func TestGenerateCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := NewGenerator(&recordingResampler{}, nil)
	_, err := g.Generate(ctx, baseRaster(t, 64, 64), Options{MaxLevels: 3, MinSize: 1, Quality: 0.5})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateValidatesOptions(t *testing.T) {
	g := NewGenerator(&recordingResampler{}, nil)
	base := baseRaster(t, 8, 8)

	for _, opts := range []Options{
		{MaxLevels: 0, MinSize: 1, Quality: 0.5},
		{MaxLevels: 2, MinSize: 0, Quality: 0.5},
		{MaxLevels: 2, MinSize: 1, Quality: -0.1},
		{MaxLevels: 2, MinSize: 1, Quality: 1.1},
	} {
		_, err := g.Generate(context.Background(), base, opts)
		assert.ErrorIs(t, err, ErrInvalidOptions, "%+v", opts)
	}

	_, err := g.Generate(context.Background(), nil, Options{MaxLevels: 2, MinSize: 1})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

type resamplerFunc func(ctx context.Context, src *image.RGBA, w, h int, q float64) (*image.RGBA, error)

func (f resamplerFunc) Resample(ctx context.Context, src *image.RGBA, w, h int, q float64) (*image.RGBA, error) {
	return f(ctx, src, w, h, q)
}
