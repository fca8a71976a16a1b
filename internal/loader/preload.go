package loader

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PreloadImages warms the cache for every id. Failures are logged, never returned.
func (l *Loader) PreloadImages(ctx context.Context, sourceIDs []string) {
	start := time.Now()
	var failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(l.opts.Concurrency)

	for _, id := range sourceIDs {
		g.Go(func() error {
			if _, err := l.LoadImage(ctx, id); err != nil {
				failed.Add(1)
				l.logger.Warn("Preload failed", zap.String("source_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	l.logger.Info("Preload finished",
		zap.Int("requested", len(sourceIDs)),
		zap.Int64("failed", failed.Load()),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

// PreloadImagesProgressively is PreloadImages with progressive delivery per id.
func (l *Loader) PreloadImagesProgressively(ctx context.Context, sourceIDs []string, onLevel BatchLevelFunc) {
	start := time.Now()
	loaded := l.LoadImagesProgressively(ctx, sourceIDs, onLevel)

	l.logger.Info("Progressive preload finished",
		zap.Int("requested", len(sourceIDs)),
		zap.Int("loaded", len(loaded)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

// PreloadWindow returns the ids within distance of index, nearest first,
// excluding index itself.
func PreloadWindow(sourceIDs []string, index, distance int) []string {
	if index < 0 || index >= len(sourceIDs) || distance <= 0 {
		return nil
	}

	window := make([]string, 0, 2*distance)
	for d := 1; d <= distance; d++ {
		if i := index + d; i < len(sourceIDs) {
			window = append(window, sourceIDs[i])
		}
		if i := index - d; i >= 0 {
			window = append(window, sourceIDs[i])
		}
	}
	return window
}
