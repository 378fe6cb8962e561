// File path: internal/cache/cache.go

// Package cache persists remote content on disk, one file per key. Entries
// are committed by writing a temporary file and renaming it into place, so
// a crashed download never leaves a partial entry behind. There is no
// cross-process locking: concurrent writers of the same key both succeed
// and the last rename wins.
package cache

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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/neuropil/neuropil/internal/common"
	"github.com/neuropil/neuropil/internal/common/telemetry"
)

const blobPrefix = "blob_"

// ErrNotFound reports that the remote side has no content for a key.
// Lookups that fail this way are not retried.
var ErrNotFound = errors.New("remote content not found")

// DownloadError wraps the final failure after retries were exhausted for a
// key.
type DownloadError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download failed for %s after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Downloader retrieves the content behind a key on a cache miss.
type Downloader func(ctx context.Context, key string) ([]byte, error)

// Cache is a durable key to blob store whose keys are request URLs.
type Cache struct {
	root     string
	download Downloader
	cfg      Config
}

// Option adjusts cache construction.
type Option func(*Cache)

// WithDownloader replaces the default HTTP/file downloader.
func WithDownloader(dl Downloader) Option {
	return func(c *Cache) {
		if dl != nil {
			c.download = dl
		}
	}
}

func NewFromEnv(opts ...Option) (*Cache, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// New constructs a cache rooted at cfg.Root, creating the directory when
// needed.
func New(cfg Config, opts ...Option) (*Cache, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &Cache{root: cfg.Root, cfg: cfg}
	c.download = defaultDownloader(cfg.Timeout)
	for _, opt := range opts {
		opt(c)
	}
	common.Logger().Debug("cache: ready", "root", cfg.Root, "workers", cfg.Workers)
	return c, nil
}

var (
	defaultCache *Cache
	defaultErr   error
	defaultOnce  sync.Once
)

// Default returns a lazily constructed, remembered process-wide cache built
// from the environment. Components that can take an explicit cache should;
// Default exists for entry points that have nothing else to thread through.
func Default() (*Cache, error) {
	defaultOnce.Do(func() {
		defaultCache, defaultErr = NewFromEnv()
	})
	return defaultCache, defaultErr
}

// Root returns the directory entries are stored under.
func (c *Cache) Root() string {
	if c == nil {
		return ""
	}
	return c.root
}

// NormalizeKey canonicalizes a key so that equivalent request URLs share an
// entry: query parameters are re-encoded in sorted order and a trailing
// slash on the path is dropped. Keys that do not parse as URLs pass through
// trimmed.
func NormalizeKey(key string) string {
	trimmed := strings.TrimSpace(key)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" {
		return trimmed
	}
	u.RawQuery = u.Query().Encode()
	u.Path = strings.TrimRight(u.Path, "/")
	u.Fragment = ""
	return u.String()
}

func (c *Cache) blobPath(normalized string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(normalized))
	return filepath.Join(c.root, blobPrefix+encoded)
}

func decodeBlobFile(name string) (string, bool) {
	if !strings.HasPrefix(name, blobPrefix) {
		return "", false
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(name, blobPrefix))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Fetch returns the content for a key, downloading and persisting it on a
// miss. Hits never touch the network; a second Fetch of the same key reads
// the stored entry.
func (c *Cache) Fetch(ctx context.Context, key string) ([]byte, error) {
	if c == nil {
		return nil, errors.New("cache not initialized")
	}
	normalized := NormalizeKey(key)
	if normalized == "" {
		return nil, errors.New("cache key required")
	}
	path := c.blobPath(normalized)
	data, err := os.ReadFile(path)
	if err == nil {
		telemetry.RecordCacheFetch(true, 0)
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}

	started := time.Now()
	data, err = c.downloadWithRetry(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if err := c.persist(path, data); err != nil {
		return nil, err
	}
	telemetry.RecordCacheFetch(false, time.Since(started))
	return data, nil
}

// Locate is Fetch for callers that want the on-disk path instead of the
// payload.
func (c *Cache) Locate(ctx context.Context, key string) (string, error) {
	if c == nil {
		return "", errors.New("cache not initialized")
	}
	normalized := NormalizeKey(key)
	if normalized == "" {
		return "", errors.New("cache key required")
	}
	path := c.blobPath(normalized)
	if _, err := os.Stat(path); err == nil {
		telemetry.RecordCacheFetch(true, 0)
		return path, nil
	}
	started := time.Now()
	data, err := c.downloadWithRetry(ctx, normalized)
	if err != nil {
		return "", err
	}
	if err := c.persist(path, data); err != nil {
		return "", err
	}
	telemetry.RecordCacheFetch(false, time.Since(started))
	return path, nil
}

// Exists reports whether an entry for the key is already stored. It never
// triggers a download.
func (c *Cache) Exists(key string) bool {
	if c == nil {
		return false
	}
	normalized := NormalizeKey(key)
	if normalized == "" {
		return false
	}
	_, err := os.Stat(c.blobPath(normalized))
	return err == nil
}

// Invalidate removes every entry whose normalized key contains the pattern
// as a substring and returns the number removed. An empty pattern clears
// the whole cache.
func (c *Cache) Invalidate(pattern string) (int, error) {
	if c == nil {
		return 0, errors.New("cache not initialized")
	}
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return 0, fmt.Errorf("read cache dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := decodeBlobFile(entry.Name())
		if !ok {
			continue
		}
		if !strings.Contains(key, pattern) {
			continue
		}
		if err := os.Remove(filepath.Join(c.root, entry.Name())); err != nil {
			return removed, fmt.Errorf("remove cache entry: %w", err)
		}
		removed++
	}
	common.Logger().Info("cache: invalidated entries", "pattern", pattern, "removed", removed)
	return removed, nil
}

// Entry describes one stored blob.
type Entry struct {
	Key       string
	Size      int64
	FetchedAt time.Time
}

// Entries lists the stored blobs sorted by key.
func (c *Cache) Entries() ([]Entry, error) {
	if c == nil {
		return nil, errors.New("cache not initialized")
	}
	dirEntries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("read cache dir: %w", err)
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if entry.IsDir() {
			continue
		}
		key, ok := decodeBlobFile(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Key: key, Size: info.Size(), FetchedAt: info.ModTime().UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (c *Cache) downloadWithRetry(ctx context.Context, normalized string) ([]byte, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &DownloadError{Key: normalized, Attempts: attempts, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * c.cfg.RetryBackoff):
			}
		}
		attempts++
		data, err := c.download(ctx, normalized)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		common.Logger().Debug("cache: download attempt failed", "key", normalized, "attempt", attempts, "error", err)
	}
	return nil, &DownloadError{Key: normalized, Attempts: attempts, Err: lastErr}
}

// persist commits data under path via a unique temporary file in the same
// directory followed by a rename.
func (c *Cache) persist(path string, data []byte) error {
	tmp, err := os.CreateTemp(c.root, "pending_*")
	if err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp entry: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

func defaultDownloader(timeout time.Duration) Downloader {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, key string) ([]byte, error) {
		u, err := url.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("parse key %q: %w", key, err)
		}
		switch u.Scheme {
		case "file":
			data, err := os.ReadFile(fileURLPath(u))
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
				}
				return nil, err
			}
			return data, nil
		case "http", "https":
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
			if err != nil {
				return nil, err
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound {
				return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				body, _ := io.ReadAll(resp.Body)
				return nil, fmt.Errorf("GET %s failed: status %d: %s", key, resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return io.ReadAll(resp.Body)
		default:
			return nil, fmt.Errorf("unsupported key scheme %q", u.Scheme)
		}
	}
}

func fileURLPath(u *url.URL) string {
	path := u.Path
	if u.Host != "" && u.Host != "localhost" {
		path = filepath.Join(u.Host, path)
	}
	return path
}
