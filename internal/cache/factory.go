package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// NewCache creates a cache instance based on the cache type
func NewCache(cacheType string, maxBytes int64, log *zap.Logger, opts ...Option) (Cache, error) {
	switch cacheType {
	case "memory":
		log.Info("Using memory cache", zap.Int64("max_bytes", maxBytes))
		return NewMemoryCache(maxBytes, append([]Option{WithLogger(log)}, opts...)...), nil
	case "disabled":
		log.Info("Cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, disabled)", cacheType)
	}
}
