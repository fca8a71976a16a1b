package source

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported source scheme")
	ErrTooLarge          = errors.New("source exceeds size limit")
	ErrForbidden         = errors.New("source not allowed")
)

// Fetcher resolves a source identifier to raw encoded image bytes.
type Fetcher interface {
	Fetch(ctx context.Context, sourceID string) ([]byte, error)
}

// Options configures a URLFetcher.
type Options struct {
	Timeout  time.Duration
	MaxBytes int64
	Client   *http.Client

	// Roots lists the directories local paths must resolve into. Empty
	// means no local path is served.
	Roots []string
	// AllowRemote enables http(s) sources. AllowedHosts, when set, enables
	// them for those hostnames only.
	AllowRemote  bool
	AllowedHosts []string
}

// URLFetcher fetches http(s) URLs, file:// URLs, bare filesystem paths and
// base64 data: URLs, subject to the roots and host allow-list.
type URLFetcher struct {
	client       *http.Client
	maxBytes     int64
	roots        []string
	allowRemote  bool
	allowedHosts map[string]struct{}
	logger       *zap.Logger
}

func NewURLFetcher(opts Options, logger *zap.Logger) *URLFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &URLFetcher{
		client:      opts.Client,
		maxBytes:    opts.MaxBytes,
		allowRemote: opts.AllowRemote || len(opts.AllowedHosts) > 0,
		logger:      logger,
	}

	for _, root := range opts.Roots {
		if root == "" {
			continue
		}
		resolved, err := resolvePath(root)
		if err != nil {
			logger.Warn("Ignoring source root", zap.String("root", root), zap.Error(err))
			continue
		}
		f.roots = append(f.roots, resolved)
	}

	if len(opts.AllowedHosts) > 0 {
		f.allowedHosts = make(map[string]struct{}, len(opts.AllowedHosts))
		for _, host := range opts.AllowedHosts {
			f.allowedHosts[strings.ToLower(host)] = struct{}{}
		}
	}

	if f.client == nil {
		f.client = &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("stopped after 10 redirects")
				}
				return f.checkRemote(req.URL)
			},
		}
	}
	return f
}

// resolvePath makes path absolute and follows symlinks.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func (f *URLFetcher) checkRemote(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	if !f.allowRemote {
		return fmt.Errorf("%w: remote sources are disabled", ErrForbidden)
	}
	if f.allowedHosts != nil {
		if _, ok := f.allowedHosts[strings.ToLower(u.Hostname())]; !ok {
			return fmt.Errorf("%w: host %s", ErrForbidden, u.Hostname())
		}
	}
	return nil
}

// checkLocal returns the resolved path when it lies inside one of the roots.
// A missing file is an open failure only when its directory is inside a root.
func (f *URLFetcher) checkLocal(path string) (string, error) {
	if len(f.roots) == 0 {
		return "", fmt.Errorf("%w: local sources are disabled", ErrForbidden)
	}

	resolved, err := resolvePath(path)
	if err != nil {
		if dir, dirErr := resolvePath(filepath.Dir(path)); dirErr == nil && f.insideRoots(dir) {
			return "", fmt.Errorf("failed to open %s: %w", path, err)
		}
		return "", fmt.Errorf("%w: %s", ErrForbidden, path)
	}
	if !f.insideRoots(resolved) {
		return "", fmt.Errorf("%w: %s is outside the source roots", ErrForbidden, path)
	}
	return resolved, nil
}

func (f *URLFetcher) insideRoots(path string) bool {
	for _, root := range f.roots {
		if within(root, path) {
			return true
		}
	}
	return false
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func (f *URLFetcher) Fetch(ctx context.Context, sourceID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if strings.HasPrefix(sourceID, "data:") {
		return f.fetchData(sourceID)
	}

	u, err := url.Parse(sourceID)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// No scheme (or a Windows drive letter): treat as a local path.
		return f.fetchFile(sourceID)
	}

	switch u.Scheme {
	case "http", "https":
		if err := f.checkRemote(u); err != nil {
			return nil, err
		}
		return f.fetchHTTP(ctx, u.String())
	case "file":
		return f.fetchFile(u.Path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

func (f *URLFetcher) fetchHTTP(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch %s: status %d", target, resp.StatusCode)
	}

	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	data, err := f.readLimited(resp.Body)
	if err != nil {
		return nil, err
	}

	f.logger.Debug("Fetched source",
		zap.String("url", target),
		zap.Int("bytes", len(data)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return data, nil
}

func (f *URLFetcher) fetchFile(path string) ([]byte, error) {
	resolved, err := f.checkLocal(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	return f.readLimited(file)
}

// fetchData handles data:[<mediatype>][;base64],<data>.
func (f *URLFetcher) fetchData(sourceID string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(sourceID, "data:"), ",")
	if !ok {
		return nil, errors.New("malformed data URL")
	}

	var data []byte
	if strings.HasSuffix(meta, ";base64") {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode data URL: %w", err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode data URL: %w", err)
		}
		data = []byte(unescaped)
	}

	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return data, nil
}

func (f *URLFetcher) readLimited(r io.Reader) ([]byte, error) {
	if f.maxBytes <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read source: %w", err)
		}
		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes)
	}
	return data, nil
}
