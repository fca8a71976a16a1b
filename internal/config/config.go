package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"mipview/internal/loader"
	"mipview/internal/mipmap"
	"mipview/internal/source"
)

type Config struct {
	Port              int
	LogLevel          string
	LogEncoding       string
	CacheType         string
	MaxCacheBytes     int64
	MaxLevels         int
	MinSize           int
	Quality           float64
	PreloadDistance   int
	LevelDelay        time.Duration
	LoadConcurrency   int
	FetchTimeout      time.Duration
	FetchMaxBytes     int64
	MaxPixels         int64
	SourceRoots       []string
	AllowRemote       bool
	AllowedHosts      []string
	ImageBackend      string
	VipsMaxCacheMB    int
	VipsConcurrency   int
	WarmupDir         string
	WarmupProgressive bool
	AllowedOrigin     string
}

func Load() *Config {
	warmupDir := getEnv("WARMUP_DIR", "")

	cfg := &Config{
		Port:              getEnvInt("PORT", 8080),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogEncoding:       getEnv("LOG_ENCODING", "json"),
		CacheType:         getEnv("CACHE", "memory"),
		MaxCacheBytes:     getEnvInt64("CACHE_MAX_MB", 256) * 1024 * 1024, // Convert MB to bytes
		MaxLevels:         getEnvInt("MIPMAP_MAX_LEVELS", 8),
		MinSize:           getEnvInt("MIPMAP_MIN_SIZE", 64),
		Quality:           getEnvFloat("MIPMAP_QUALITY", 0.8),
		PreloadDistance:   getEnvInt("PRELOAD_DISTANCE", 2),
		LevelDelay:        getEnvDuration("LEVEL_DELAY", 16*time.Millisecond),
		LoadConcurrency:   getEnvInt("LOAD_CONCURRENCY", 4),
		FetchTimeout:      getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		FetchMaxBytes:     getEnvInt64("FETCH_MAX_BYTES", 256*1024*1024),
		MaxPixels:         getEnvInt64("MAX_PIXELS", 100_000_000),
		SourceRoots:       getEnvList("SOURCE_ROOTS", []string{warmupDir}),
		AllowRemote:       getEnvBool("ALLOW_REMOTE", false),
		AllowedHosts:      getEnvList("ALLOWED_HOSTS", nil),
		ImageBackend:      getEnv("IMAGE_BACKEND", "vips"),
		VipsMaxCacheMB:    getEnvInt("VIPS_MAX_CACHE_MB", 64),
		VipsConcurrency:   getEnvInt("VIPS_CONCURRENCY", 1),
		WarmupDir:         warmupDir,
		WarmupProgressive: getEnvBool("WARMUP_PROGRESSIVE", false),
		AllowedOrigin:     getEnv("ALLOWED_ORIGIN", ""),
	}

	return cfg
}

// Validate checks the ranges the loader and cache rely on.
func (c *Config) Validate() error {
	if c.MaxCacheBytes < 0 {
		return fmt.Errorf("CACHE_MAX_MB must be >= 0")
	}
	if c.FetchMaxBytes < 0 {
		return fmt.Errorf("FETCH_MAX_BYTES must be >= 0")
	}
	if c.MaxPixels <= 0 {
		return fmt.Errorf("MAX_PIXELS must be > 0")
	}
	switch c.ImageBackend {
	case "vips", "go":
	default:
		return fmt.Errorf("unknown IMAGE_BACKEND: %s (supported: vips, go)", c.ImageBackend)
	}
	if err := c.LoaderOptions().Validate(); err != nil {
		return fmt.Errorf("invalid loader settings: %w", err)
	}
	return nil
}

func (c *Config) LoaderOptions() loader.Options {
	return loader.Options{
		Mipmap: mipmap.Options{
			MaxLevels: c.MaxLevels,
			MinSize:   c.MinSize,
			Quality:   c.Quality,
		},
		LevelDelay:      c.LevelDelay,
		Concurrency:     c.LoadConcurrency,
		PreloadDistance: c.PreloadDistance,
	}
}

// FetchOptions limits which sources the server may read.
func (c *Config) FetchOptions() source.Options {
	return source.Options{
		Timeout:      c.FetchTimeout,
		MaxBytes:     c.FetchMaxBytes,
		Roots:        c.SourceRoots,
		AllowRemote:  c.AllowRemote,
		AllowedHosts: c.AllowedHosts,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("16ms") or plain milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return compact(defaultValue)
	}
	return compact(strings.Split(value, ","))
}

func compact(items []string) []string {
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
