package loader

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mipview/internal/cache"
	"mipview/internal/codec"
	"mipview/internal/mipmap"
	"mipview/internal/raster"
	"mipview/internal/resample"
)

type fakeFetcher struct {
	mu      sync.Mutex
	data    map[string][]byte
	calls   map[string]int
	gate    chan struct{}
	started chan string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		data:  make(map[string][]byte),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	f.calls[id]++
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- id
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[id]
	if !ok {
		return nil, fmt.Errorf("no such source %s", id)
	}
	return data, nil
}

func (f *fakeFetcher) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeFetcher) addPNG(t *testing.T, id string, w, h int) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	f.mu.Lock()
	f.data[id] = buf.Bytes()
	f.mu.Unlock()
}

type failingResampler struct{}

func (failingResampler) Resample(ctx context.Context, src *image.RGBA, w, h int, q float64) (*image.RGBA, error) {
	return nil, errors.New("resampler offline")
}

func testOptions() Options {
	return Options{
		Mipmap:      mipmap.Options{MaxLevels: 3, MinSize: 1, Quality: 0},
		LevelDelay:  time.Millisecond,
		Concurrency: 4,
	}
}

func newTestLoader(t *testing.T, f *fakeFetcher, store cache.Cache, opts Options) *Loader {
	t.Helper()
	return newTestLoaderWith(t, f, resample.NewDrawResampler(), store, opts)
}

func newTestLoaderWith(t *testing.T, f *fakeFetcher, rs resample.Resampler, store cache.Cache, opts Options) *Loader {
	t.Helper()
	if store == nil {
		store = cache.NewMemoryCache(64 << 20)
	}
	l, err := New(f, codec.NewStdDecoder(0), mipmap.NewGenerator(rs, nil), store, opts, nil)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestNewValidatesOptions(t *testing.T) {
	f := newFakeFetcher()
	gen := mipmap.NewGenerator(resample.NewDrawResampler(), nil)

	bad := testOptions()
	bad.Concurrency = 0
	_, err := New(f, codec.NewStdDecoder(0), gen, cache.NewNoopCache(), bad, nil)
	assert.Error(t, err)

	bad = testOptions()
	bad.Mipmap.MaxLevels = 0
	_, err = New(f, codec.NewStdDecoder(0), gen, cache.NewNoopCache(), bad, nil)
	assert.ErrorIs(t, err, mipmap.ErrInvalidOptions)

	_, err = New(nil, codec.NewStdDecoder(0), gen, cache.NewNoopCache(), testOptions(), nil)
	assert.Error(t, err)

	assert.NoError(t, DefaultOptions().Validate())
}

func TestLoadImageCacheHit(t *testing.T) {
	f := newFakeFetcher()
	f.addPNG(t, "img-A", 40, 30)
	l := newTestLoader(t, f, nil, testOptions())

	first, err := l.LoadImage(context.Background(), "img-A")
	require.NoError(t, err)
	assert.Equal(t, 40, first.Width())
	assert.Equal(t, 30, first.Height())
	assert.Equal(t, 0, first.Level())

	second, err := l.LoadImage(context.Background(), "img-A")
	require.NoError(t, err)
	assert.Equal(t, first.Width(), second.Width())
	assert.Equal(t, first.Height(), second.Height())
	assert.Equal(t, first.Level(), second.Level())
	assert.Equal(t, 1, f.callsFor("img-A"))
	assert.Equal(t, 1, l.CacheStats().RasterEntries)
}

func TestLoadImageCoalescesConcurrentRequests(t *testing.T) {
	f := newFakeFetcher()
	f.addPNG(t, "img-A", 16, 16)
	f.gate = make(chan struct{})
	f.started = make(chan string, 8)
	l := newTestLoader(t, f, nil, testOptions())

	var wg sync.WaitGroup
	results := make([]*raster.Raster, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = l.LoadImage(context.Background(), "img-A")
		}()
	}

	<-f.started
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, f.callsFor("img-A"))
	assert.Equal(t, results[0].Width(), results[1].Width())
	assert.Equal(t, results[0].SourceID(), results[1].SourceID())
}

func TestLoadImageDecodeFailures(t *testing.T) {
	f := newFakeFetcher()
	f.data["garbage"] = []byte("not an image")
	l := newTestLoader(t, f, nil, testOptions())

	_, err := l.LoadImage(context.Background(), "garbage")
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "garbage", de.SourceID)
	assert.ErrorIs(t, err, codec.ErrUnsupportedFormat)

	_, err = l.LoadImage(context.Background(), "missing")
	require.True(t, errors.As(err, &de))
	assert.ErrorContains(t, err, "no such source")

	// Failures are not cached and leave nothing in flight.
	_, err = l.LoadImage(context.Background(), "garbage")
	assert.Error(t, err)
	assert.Equal(t, 2, f.callsFor("garbage"))
	assert.Equal(t, 0, l.CacheStats().Entries())
}

func TestLoadImageRefusesOversizedHeader(t *testing.T) {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], 100000)
	binary.BigEndian.PutUint32(ihdr[4:], 100000)
	ihdr[8], ihdr[9] = 8, 6
	chunk := append([]byte("IHDR"), ihdr...)

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))

	f := newFakeFetcher()
	f.data["bomb"] = buf.Bytes()
	l, err := New(f, codec.NewStdDecoder(1<<24), mipmap.NewGenerator(resample.NewDrawResampler(), nil), cache.NewMemoryCache(1<<20), testOptions(), nil)
	require.NoError(t, err)
	t.Cleanup(l.Close)

	_, err = l.LoadImage(context.Background(), "bomb")
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.ErrorIs(t, err, codec.ErrTooManyPixels)
	assert.Equal(t, 0, l.CacheStats().Entries())
}

func TestLoadImageCallerCancelDoesNotAbortSharedDecode(t *testing.T) {
	f := newFakeFetcher()
	f.addPNG(t, "img-A", 8, 8)
	f.gate = make(chan struct{})
	f.started = make(chan string, 8)
	l := newTestLoader(t, f, nil, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.LoadImage(ctx, "img-A")
		done <- err
	}()

	<-f.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(f.gate)
	r, err := l.LoadImage(context.Background(), "img-A")
	require.NoError(t, err)
	assert.Equal(t, 8, r.Width())
	assert.Equal(t, 1, f.callsFor("img-A"))
}

func TestCloseCancelsInFlightWork(t *testing.T) {
	f := newFakeFetcher()
	f.addPNG(t, "img-A", 8, 8)
	f.gate = make(chan struct{})
	f.started = make(chan string, 8)
	l := newTestLoader(t, f, nil, testOptions())

	done := make(chan error, 1)
	go func() {
		_, err := l.LoadImage(context.Background(), "img-A")
		done <- err
	}()

	<-f.started
	l.Close()

	err := <-done
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadImageOversizedIsServedUncached(t *testing.T) {
	f := newFakeFetcher()
	f.addPNG(t, "big", 100, 100)
	store := cache.NewMemoryCache(1000)
	l := newTestLoader(t, f, store, testOptions())

	r, err := l.LoadImage(context.Background(), "big")
	require.NoError(t, err)
	assert.Equal(t, 100, r.Width())

	stats := l.CacheStats()
	assert.Equal(t, 0, stats.Entries())
	assert.Equal(t, uint64(1), stats.Oversized)
}

func TestLoadImageFallsBackToCachedChainBase(t *testing.T) {
	f := newFakeFetcher()
	f.addPNG(t, "img", 64, 64)
	l := newTestLoader(t, f, nil, testOptions())

	chain, err := l.LoadMipmaps(context.Background(), "img")
	require.NoError(t, err)

	l.cache.EvictLRU() // the raster entry is older than the chain
	require.False(t, l.cache.Has(cache.RasterKey("img")))

	r, err := l.LoadImage(context.Background(), "img")
	require.NoError(t, err)
	assert.Same(t, chain.Base(), r)
	assert.Equal(t, 1, f.callsFor("img"))
}

func TestLoadMipmapsCachesChain(t *testing.T) {
	f := newFakeFetcher()
	f.addPNG(t, "img", 256, 128)
	l := newTestLoader(t, f, nil, testOptions())

	chain, err := l.LoadMipmaps(context.Background(), "img")
	require.NoError(t, err)
	require.Equal(t, 3, chain.Len())
	assert.Equal(t, 64, chain.Level(2).Width())
	assert.Equal(t, 32, chain.Level(2).Height())

	again, err := l.LoadMipmaps(context.Background(), "img")
	require.NoError(t, err)
	assert.Same(t, chain, again)

	stats := l.CacheStats()
	assert.Equal(t, 1, stats.ChainEntries)
	assert.Equal(t, 1, stats.RasterEntries)
	assert.Equal(t, chain.EstimatedBytes()+chain.Base().EstimatedBytes(), stats.TotalBytes)
}

func TestLoadMipmapsGenerationError(t *testing.T) {
	f := newFakeFetcher()
	f.addPNG(t, "img", 64, 64)
	l := newTestLoaderWith(t, f, failingResampler{}, nil, testOptions())

	_, err := l.LoadMipmaps(context.Background(), "img")
	var ge *mipmap.GenerationError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, 1, ge.Level)

	stats := l.CacheStats()
	assert.Equal(t, 0, stats.ChainEntries)
	assert.Equal(t, 1, stats.RasterEntries, "the decoded base stays cached")
}

func TestSelectLevel(t *testing.T) {
	f := newFakeFetcher()
	f.addPNG(t, "img", 128, 128)
	l := newTestLoader(t, f, nil, testOptions())

	r, err := l.SelectLevel(context.Background(), "img", 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Level())
	assert.Equal(t, 64, r.Width())

	r, err = l.SelectLevel(context.Background(), "img", 0.01)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Level())

	_, err = l.SelectLevel(context.Background(), "img", 0)
	assert.ErrorIs(t, err, mipmap.ErrInvalidZoom)
}

func TestCacheAdministration(t *testing.T) {
	f := newFakeFetcher()
	f.addPNG(t, "a", 10, 10)
	f.addPNG(t, "b", 10, 10)
	l := newTestLoader(t, f, nil, testOptions())

	_, err := l.LoadImage(context.Background(), "a")
	require.NoError(t, err)
	_, err = l.LoadImage(context.Background(), "b")
	require.NoError(t, err)

	l.ClearCacheForURL("a")
	l.ClearCacheForURL("unknown")
	assert.Equal(t, 1, l.CacheStats().Entries())

	_, err = l.LoadImage(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2, f.callsFor("a"), "cleared entries are fetched again")

	l.SetMaxCacheSize(400)
	stats := l.CacheStats()
	assert.Equal(t, int64(400), stats.MaxBytes)
	assert.Equal(t, 1, stats.Entries())

	l.ClearCache()
	assert.Equal(t, 0, l.CacheStats().Entries())
}
