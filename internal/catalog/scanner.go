package catalog

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	_ "mipview/internal/codec" // registers the decoders DecodeConfig needs
)

var extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
}

type ImageInfo struct {
	SourceID string `json:"source_id"`
	Filename string `json:"filename"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Bytes    int64  `json:"bytes"`
}

// EstimatedBytes is the decoded level 0 footprint.
func (i ImageInfo) EstimatedBytes() int64 {
	return int64(i.Width) * int64(i.Height) * 4
}

// Scanner lists the images in a directory so they can be preloaded.
type Scanner struct {
	mu      sync.RWMutex
	dataDir string
	logger  *zap.Logger
	images  []ImageInfo
}

func New(dataDir string, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		dataDir: dataDir,
		logger:  logger,
		images:  []ImageInfo{},
	}
}

func (s *Scanner) Scan() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	images := []ImageInfo{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(s.dataDir, entry.Name())
		if !extensions[strings.ToLower(filepath.Ext(path))] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		imageInfo, err := s.scanImage(path, info)
		if err != nil {
			s.logger.Warn("Failed to scan image", zap.String("path", path), zap.Error(err))
			continue
		}
		images = append(images, *imageInfo)
	}

	sort.Slice(images, func(i, j int) bool { return images[i].Filename < images[j].Filename })

	s.mu.Lock()
	s.images = images
	s.mu.Unlock()

	s.logger.Info("Scanned image directory", zap.String("dir", s.dataDir), zap.Int("images", len(images)))
	return nil
}

// scanImage reads only the header to get dimensions.
func (s *Scanner) scanImage(path string, info os.FileInfo) (*ImageInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	return &ImageInfo{
		SourceID: abs,
		Filename: info.Name(),
		Width:    cfg.Width,
		Height:   cfg.Height,
		Bytes:    info.Size(),
	}, nil
}

func (s *Scanner) GetImages() []ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ImageInfo, len(s.images))
	copy(out, s.images)
	return out
}

func (s *Scanner) SourceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.images))
	for _, img := range s.images {
		ids = append(ids, img.SourceID)
	}
	return ids
}

func (s *Scanner) GetImageBySourceID(id string) *ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, img := range s.images {
		if img.SourceID == id {
			return &img
		}
	}
	return nil
}
