package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mipview/internal/cache"
	"mipview/internal/codec"
	"mipview/internal/mipmap"
	"mipview/internal/raster"
	"mipview/internal/source"
)

// DecodeError means the full-resolution raster could not be produced, either
// because fetching failed or because the bytes did not decode.
type DecodeError struct {
	SourceID string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.SourceID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type Options struct {
	Mipmap mipmap.Options
	// LevelDelay is the pause between progressive emissions, about one frame.
	LevelDelay time.Duration
	// Concurrency bounds batch operations.
	Concurrency int
	// PreloadDistance is how many neighbours PreloadWindow selects on each side.
	PreloadDistance int
}

func DefaultOptions() Options {
	return Options{
		Mipmap:          mipmap.Options{MaxLevels: 8, MinSize: 64, Quality: 0.8},
		LevelDelay:      16 * time.Millisecond,
		Concurrency:     4,
		PreloadDistance: 2,
	}
}

func (o Options) Validate() error {
	if err := o.Mipmap.Validate(); err != nil {
		return err
	}
	if o.LevelDelay < 0 {
		return fmt.Errorf("level delay %v < 0", o.LevelDelay)
	}
	if o.Concurrency < 1 {
		return fmt.Errorf("concurrency %d < 1", o.Concurrency)
	}
	if o.PreloadDistance < 0 {
		return fmt.Errorf("preload distance %d < 0", o.PreloadDistance)
	}
	return nil
}

// Loader decodes, caches and mipmaps images by source id. At most one decode
// and one chain build per id are in flight at any time; concurrent callers
// share the result.
type Loader struct {
	fetcher   source.Fetcher
	decoder   codec.Decoder
	generator *mipmap.Generator
	cache     cache.Cache
	opts      Options
	logger    *zap.Logger

	decodes singleflight.Group
	chains  singleflight.Group

	// Shared work runs under baseCtx so one caller giving up does not fail
	// the others waiting on the same id. Close cancels it.
	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(fetcher source.Fetcher, decoder codec.Decoder, generator *mipmap.Generator, store cache.Cache, opts Options, logger *zap.Logger) (*Loader, error) {
	if fetcher == nil || decoder == nil || generator == nil || store == nil {
		return nil, errors.New("loader: fetcher, decoder, generator and cache are required")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Loader{
		fetcher:   fetcher,
		decoder:   decoder,
		generator: generator,
		cache:     store,
		opts:      opts,
		logger:    logger,
		baseCtx:   baseCtx,
		cancel:    cancel,
	}, nil
}

// Close cancels all shared work started by this loader. Later calls fail.
func (l *Loader) Close() {
	l.cancel()
}

func (l *Loader) Options() Options {
	return l.opts
}

// LoadImage returns the full-resolution raster for sourceID, from cache when
// possible. Concurrent calls for the same id share one fetch and decode.
func (l *Loader) LoadImage(ctx context.Context, sourceID string) (*raster.Raster, error) {
	if r, ok := l.cachedBase(sourceID); ok {
		return r, nil
	}

	return await(ctx, &l.decodes, sourceID, func() (*raster.Raster, error) {
		if r, ok := l.cachedBase(sourceID); ok {
			return r, nil
		}
		return l.decode(l.baseCtx, sourceID)
	})
}

// LoadMipmaps returns the mipmap chain for sourceID, building and caching it
// on first request.
func (l *Loader) LoadMipmaps(ctx context.Context, sourceID string) (*raster.Chain, error) {
	if chain, ok := cache.GetChain(l.cache, sourceID); ok {
		return chain, nil
	}

	return await(ctx, &l.chains, sourceID, func() (*raster.Chain, error) {
		if chain, ok := cache.GetChain(l.cache, sourceID); ok {
			return chain, nil
		}

		base, err := l.LoadImage(l.baseCtx, sourceID)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		chain, err := l.generator.Generate(l.baseCtx, base, l.opts.Mipmap)
		if err != nil {
			return nil, err
		}

		l.store(cache.ChainKey(sourceID), chain)
		l.logger.Debug("Built mipmap chain",
			zap.String("source_id", sourceID),
			zap.Int("levels", chain.Len()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		return chain, nil
	})
}

// SelectLevel loads the chain for sourceID and picks the level for zoom.
func (l *Loader) SelectLevel(ctx context.Context, sourceID string, zoom float64) (*raster.Raster, error) {
	if _, err := mipmap.LevelForZoom(zoom, 1); err != nil {
		return nil, err
	}
	chain, err := l.LoadMipmaps(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return mipmap.Select(chain, zoom)
}

func (l *Loader) cachedBase(sourceID string) (*raster.Raster, bool) {
	if r, ok := cache.GetRaster(l.cache, sourceID); ok {
		return r, true
	}
	if chain, ok := cache.GetChain(l.cache, sourceID); ok {
		return chain.Base(), true
	}
	return nil, false
}

func (l *Loader) decode(ctx context.Context, sourceID string) (*raster.Raster, error) {
	log := l.logger.With(
		zap.String("source_id", sourceID),
		zap.String("op_id", uuid.NewString()),
	)
	start := time.Now()

	data, err := l.fetcher.Fetch(ctx, sourceID)
	if err != nil {
		return nil, &DecodeError{SourceID: sourceID, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &DecodeError{SourceID: sourceID, Err: err}
	}

	img, err := l.decoder.Decode(ctx, data)
	if err != nil {
		return nil, &DecodeError{SourceID: sourceID, Err: err}
	}

	r, err := raster.FromImage(sourceID, 0, img)
	if err != nil {
		return nil, &DecodeError{SourceID: sourceID, Err: err}
	}

	l.store(cache.RasterKey(sourceID), r)

	log.Debug("Decoded image",
		zap.Int("width", r.Width()),
		zap.Int("height", r.Height()),
		zap.Int("encoded_bytes", len(data)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return r, nil
}

// store inserts into the cache. Oversized entries are reported by the cache
// and simply served uncached.
func (l *Loader) store(key cache.Key, value cache.Value) {
	if err := l.cache.Add(key, value); err != nil && !errors.Is(err, cache.ErrOversizedEntry) {
		l.logger.Warn("Failed to cache entry",
			zap.String("source_id", key.SourceID),
			zap.Stringer("kind", key.Kind),
			zap.Error(err),
		)
	}
}

// await joins the in-flight call for key, or starts fn as that call. The
// caller stops waiting when ctx is done; the shared call keeps running.
func await[T any](ctx context.Context, group *singleflight.Group, key string, fn func() (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	ch := group.DoChan(key, func() (any, error) {
		return fn()
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func (l *Loader) ClearCache() {
	l.cache.Clear()
}

// ClearCacheForURL drops the raster and chain for sourceID. Absent ids are ignored.
func (l *Loader) ClearCacheForURL(sourceID string) {
	l.cache.Remove(sourceID)
}

func (l *Loader) SetMaxCacheSize(maxBytes int64) {
	l.cache.SetMaxBytes(maxBytes)
}

func (l *Loader) CacheStats() cache.Stats {
	return l.cache.Stats()
}
