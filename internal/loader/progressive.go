package loader

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mipview/internal/raster"
)

// LevelFunc receives one level of a progressive load.
type LevelFunc func(r *raster.Raster)

// BatchLevelFunc receives one level of one source in a batch. It may be called
// from several goroutines at once.
type BatchLevelFunc func(sourceID string, r *raster.Raster)

// LoadImageProgressively emits every level of the chain for sourceID to
// onLevel, coarsest first and full resolution last, pausing LevelDelay
// between emissions. It returns the level 0 raster.
func (l *Loader) LoadImageProgressively(ctx context.Context, sourceID string, onLevel LevelFunc) (*raster.Raster, error) {
	chain, err := l.LoadMipmaps(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	for i := chain.Len() - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if onLevel != nil {
			onLevel(chain.Level(i))
		}
		if i > 0 {
			if err := l.pause(ctx); err != nil {
				return nil, err
			}
		}
	}

	return chain.Base(), nil
}

// LoadImagesProgressively runs LoadImageProgressively for every id with
// bounded concurrency. Failed ids are logged and left out of the result.
func (l *Loader) LoadImagesProgressively(ctx context.Context, sourceIDs []string, onLevel BatchLevelFunc) map[string]*raster.Raster {
	var mu sync.Mutex
	results := make(map[string]*raster.Raster, len(sourceIDs))

	var g errgroup.Group
	g.SetLimit(l.opts.Concurrency)

	for _, id := range sourceIDs {
		g.Go(func() error {
			var emit LevelFunc
			if onLevel != nil {
				emit = func(r *raster.Raster) { onLevel(id, r) }
			}

			r, err := l.LoadImageProgressively(ctx, id, emit)
			if err != nil {
				l.logger.Warn("Progressive load failed", zap.String("source_id", id), zap.Error(err))
				return nil
			}

			mu.Lock()
			results[id] = r
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// pause yields for LevelDelay, or just the processor when the delay is zero.
func (l *Loader) pause(ctx context.Context) error {
	if l.opts.LevelDelay <= 0 {
		runtime.Gosched()
		return ctx.Err()
	}

	timer := time.NewTimer(l.opts.LevelDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
