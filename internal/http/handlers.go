package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mipview/internal/codec"
	"mipview/internal/config"
	"mipview/internal/loader"
	"mipview/internal/mipmap"
	"mipview/internal/raster"
	"mipview/internal/source"
)

type Handlers struct {
	config *config.Config
	logger *zap.Logger
	loader *loader.Loader

	// background is the parent of preload work started by requests.
	background context.Context
}

func New(background context.Context, config *config.Config, logger *zap.Logger, loader *loader.Loader) *Handlers {
	return &Handlers{
		config:     config,
		logger:     logger,
		loader:     loader,
		background: background,
	}
}

// Routes registers every endpoint on mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/raster", h.HandleRaster)
	mux.HandleFunc("/api/chain", h.HandleChain)
	mux.HandleFunc("/api/stats", h.HandleStats)
	mux.HandleFunc("/api/preload", h.HandlePreload)
	mux.HandleFunc("/api/cache", h.HandleCache)
	mux.HandleFunc("/api/cache/budget", h.HandleBudget)
	mux.HandleFunc("/healthz", h.HandleHealthz)
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		bytes := wrapped.bytesWritten

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", bytes),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleRaster serves the level picked for ?zoom= (default 1) as PNG.
func (h *Handlers) HandleRaster(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	src := r.URL.Query().Get("src")
	if src == "" {
		http.Error(w, "Missing src", http.StatusBadRequest)
		return
	}

	zoom := 1.0
	if z := r.URL.Query().Get("zoom"); z != "" {
		parsed, err := strconv.ParseFloat(z, 64)
		if err != nil {
			http.Error(w, "Invalid zoom", http.StatusBadRequest)
			return
		}
		zoom = parsed
	}

	level, err := h.loader.SelectLevel(r.Context(), src, zoom)
	if err != nil {
		h.writeLoadError(w, src, err)
		return
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, level.Image()); err != nil {
		h.logger.Error("Failed to encode raster", zap.String("source_id", src), zap.Error(err))
		http.Error(w, "Failed to encode raster", http.StatusInternalServerError)
		return
	}

	w.Header().Set("ETag", `"`+generateETag(level, buf.Bytes())+`"`)
	w.Header().Set("Cache-Control", "private, max-age=60")
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Raster-Level", strconv.Itoa(level.Level()))
	w.Header().Set("X-Raster-Width", strconv.Itoa(level.Width()))
	w.Header().Set("X-Raster-Height", strconv.Itoa(level.Height()))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(buf.Bytes())
}

type levelInfo struct {
	Level  int   `json:"level"`
	Width  int   `json:"width"`
	Height int   `json:"height"`
	Bytes  int64 `json:"bytes"`
}

// HandleChain describes the mipmap chain of ?src=.
func (h *Handlers) HandleChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	src := r.URL.Query().Get("src")
	if src == "" {
		http.Error(w, "Missing src", http.StatusBadRequest)
		return
	}

	chain, err := h.loader.LoadMipmaps(r.Context(), src)
	if err != nil {
		h.writeLoadError(w, src, err)
		return
	}

	levels := make([]levelInfo, 0, chain.Len())
	for _, lv := range chain.Levels() {
		levels = append(levels, levelInfo{
			Level:  lv.Level(),
			Width:  lv.Width(),
			Height: lv.Height(),
			Bytes:  lv.EstimatedBytes(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source_id": src,
		"levels":    levels,
		"bytes":     chain.EstimatedBytes(),
	})
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.loader.CacheStats())
}

type preloadRequest struct {
	Sources     []string `json:"sources"`
	Progressive bool     `json:"progressive"`
	// Focus, when set, restricts the preload to that index and its neighbours.
	Focus *int `json:"focus,omitempty"`
}

// HandlePreload starts a best-effort preload and answers 202 immediately.
func (h *Handlers) HandlePreload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req preloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	sources := req.Sources
	if req.Focus != nil {
		focus := *req.Focus
		if focus < 0 || focus >= len(req.Sources) {
			http.Error(w, "Focus out of range", http.StatusBadRequest)
			return
		}
		window := loader.PreloadWindow(req.Sources, focus, h.loader.Options().PreloadDistance)
		sources = append([]string{req.Sources[focus]}, window...)
	}

	go func() {
		if req.Progressive {
			h.loader.PreloadImagesProgressively(h.background, sources, nil)
			return
		}
		h.loader.PreloadImages(h.background, sources)
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"queued":      len(sources),
		"progressive": req.Progressive,
	})
}

// HandleCache drops one source (?src=) or everything.
func (h *Handlers) HandleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if src := r.URL.Query().Get("src"); src != "" {
		h.loader.ClearCacheForURL(src)
	} else {
		h.loader.ClearCache()
	}

	writeJSON(w, http.StatusOK, h.loader.CacheStats())
}

func (h *Handlers) HandleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		MaxBytes *int64 `json:"max_bytes"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil || req.MaxBytes == nil || *req.MaxBytes < 0 {
		http.Error(w, "Body must be {\"max_bytes\": N} with N >= 0", http.StatusBadRequest)
		return
	}

	h.loader.SetMaxCacheSize(*req.MaxBytes)
	writeJSON(w, http.StatusOK, h.loader.CacheStats())
}

func (h *Handlers) writeLoadError(w http.ResponseWriter, src string, err error) {
	var decodeErr *loader.DecodeError
	var genErr *mipmap.GenerationError

	switch {
	case errors.Is(err, mipmap.ErrInvalidZoom):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, source.ErrForbidden):
		h.logger.Warn("Refused source", zap.String("source_id", src), zap.Error(err))
		http.Error(w, "Source not allowed", http.StatusForbidden)
	case errors.Is(err, codec.ErrTooManyPixels):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Request canceled", http.StatusServiceUnavailable)
	case errors.As(err, &decodeErr):
		h.logger.Warn("Failed to load image", zap.String("source_id", src), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.As(err, &genErr):
		h.logger.Error("Failed to build mipmaps", zap.String("source_id", src), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		h.logger.Error("Failed to serve raster", zap.String("source_id", src), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// generateETag covers the encoded bytes so a reloaded source with new content
// gets a new tag.
func generateETag(r *raster.Raster, encoded []byte) string {
	hash := sha256.New()
	fmt.Fprintf(hash, "%s/%d/%dx%d/", r.SourceID(), r.Level(), r.Width(), r.Height())
	hash.Write(encoded)
	return hex.EncodeToString(hash.Sum(nil))[:16]
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
