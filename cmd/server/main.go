package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"mipview/internal/cache"
	"mipview/internal/catalog"
	"mipview/internal/codec"
	"mipview/internal/config"
	httphandlers "mipview/internal/http"
	"mipview/internal/loader"
	"mipview/internal/logger"
	"mipview/internal/mipmap"
	"mipview/internal/raster"
	"mipview/internal/resample"
	"mipview/internal/source"
	"mipview/internal/vipsimage"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	var decoder codec.Decoder
	var resampler resample.Resampler

	switch cfg.ImageBackend {
	case "vips":
		startVips(cfg, log)
		defer vips.Shutdown()

		decoder = vipsimage.NewDecoder(cfg.MaxPixels, log)
		resampler = vipsimage.NewResampler(log)
	default:
		decoder = codec.NewStdDecoder(cfg.MaxPixels)
		resampler = resample.NewDrawResampler()
	}

	store, err := cache.NewCache(cfg.CacheType, cfg.MaxCacheBytes, log, cache.WithEvictCallback(func(key cache.Key, value cache.Value) {
		log.Debug("Cache entry released", zap.String("source_id", key.SourceID), zap.Stringer("kind", key.Kind))
	}))
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}

	fetcher := source.NewURLFetcher(cfg.FetchOptions(), log)
	if len(cfg.SourceRoots) == 0 && !cfg.AllowRemote && len(cfg.AllowedHosts) == 0 {
		log.Warn("No SOURCE_ROOTS, ALLOW_REMOTE or ALLOWED_HOSTS configured, only data: sources will load")
	}

	imageLoader, err := loader.New(fetcher, decoder, mipmap.NewGenerator(resampler, log), store, cfg.LoaderOptions(), log)
	if err != nil {
		log.Fatal("Failed to initialize loader", zap.Error(err))
	}
	defer imageLoader.Close()

	log.Info("Starting mipview server",
		zap.Int("port", cfg.Port),
		zap.String("image_backend", cfg.ImageBackend),
		zap.Int64("max_cache_bytes", cfg.MaxCacheBytes),
		zap.Int("max_levels", cfg.MaxLevels),
		zap.Int("min_size", cfg.MinSize),
		zap.Int64("max_pixels", cfg.MaxPixels),
		zap.Strings("source_roots", cfg.SourceRoots),
		zap.Bool("allow_remote", cfg.AllowRemote),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	handlers := httphandlers.New(ctx, cfg, log, imageLoader)

	mux := http.NewServeMux()
	handlers.Routes(mux)

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	if cfg.WarmupDir != "" {
		go warmup(ctx, cfg, imageLoader, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
}

func startVips(cfg *config.Config, log *zap.Logger) {
	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                                // Disable disk cache
		MaxCacheSize:     0,                                // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	// Map vips log levels to zap levels
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)
}

// warmup preloads every image found in WARMUP_DIR.
func warmup(ctx context.Context, cfg *config.Config, l *loader.Loader, log *zap.Logger) {
	scanner := catalog.New(cfg.WarmupDir, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Warmup scan failed", zap.Error(err))
		return
	}

	var total int64
	for _, img := range scanner.GetImages() {
		total += img.EstimatedBytes()
	}
	if total > cfg.MaxCacheBytes {
		log.Warn("Warmup set exceeds cache budget, early entries will be evicted",
			zap.Int64("estimated_bytes", total),
			zap.Int64("max_bytes", cfg.MaxCacheBytes),
		)
	}

	ids := scanner.SourceIDs()
	log.Info("Starting warmup", zap.Int("images", len(ids)), zap.Bool("progressive", cfg.WarmupProgressive))

	if cfg.WarmupProgressive {
		l.PreloadImagesProgressively(ctx, ids, func(id string, r *raster.Raster) {
			log.Debug("Warmup level ready", zap.String("source_id", id), zap.Int("level", r.Level()))
		})
	} else {
		l.PreloadImages(ctx, ids)
	}

	log.Info("Warmup completed", zap.Int("cached_entries", l.CacheStats().Entries()))
}
