package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"socialcal/internal/apperr"
	appLog "socialcal/internal/log"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 16 << 20

// cacheEntry holds HTTP cache metadata for a single URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HTTPConfig configures an HTTPFetcher.
type HTTPConfig struct {
	// CacheDir is where per-URL cache directories are kept. Empty disables
	// the disk cache.
	CacheDir  string
	UserAgent string
	Timeout   time.Duration
	// Client overrides the default client, mostly for tests.
	Client *http.Client
	// Robots, when set, is consulted before every fetch.
	Robots *RobotsChecker
}

// HTTPFetcher fetches documents with plain HTTP, honoring ETag and
// Last-Modified through a disk cache keyed by a hash of the URL.
type HTTPFetcher struct {
	client    *http.Client
	cacheDir  string
	userAgent string
	robots    *RobotsChecker
}

func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultPageTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPFetcher{
		client:    client,
		cacheDir:  cfg.CacheDir,
		userAgent: cfg.UserAgent,
		robots:    cfg.Robots,
	}
}

// Fetch retrieves rawURL. With a cached copy on disk the request is
// conditional and a 304 is answered from the cache; network errors and 5xx
// responses also fall back to the cached body when one exists.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, opts Options) Result {
	opts = opts.normalized()

	if _, err := validateURL(rawURL); err != nil {
		return failure(apperr.KindOf(err), err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.PageTimeout)
	defer cancel()

	if f.robots != nil && !opts.BypassRobots {
		allowed, err := f.robots.IsAllowed(ctx, rawURL)
		if err != nil {
			return failure(apperr.FetchFailed, err)
		}
		if !allowed {
			return failure(apperr.RobotsDisallowed, apperr.Newf(apperr.RobotsDisallowed, "robots.txt disallows %s", appLog.RedactURL(rawURL)))
		}
	}

	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(rawURL)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			appLog.Warn("fetch cache dir unavailable", "err", err.Error())
			cachePath = ""
		} else if !opts.BypassCache {
			meta, _ = loadCacheMeta(cachePath)
			cachedBody, _ = loadCacheBody(cachePath)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return failure(apperr.FetchFailed, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/calendar;q=0.9,*/*;q=0.8")
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("fetch start", "url", appLog.RedactURL(rawURL), "bypass_cache", opts.BypassCache)

	resp, err := f.client.Do(req) //nolint:gosec // URL is user-submitted by design
	if err != nil {
		kind := classify(ctx, err)
		if len(cachedBody) > 0 && kind != apperr.Cancelled {
			appLog.Error("fetch network error, using cached body", err, "url", appLog.RedactURL(rawURL))
			return fromCache(rawURL, meta, cachedBody)
		}
		return failure(kind, err)
	}
	defer resp.Body.Close()

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			return failure(apperr.FetchFailed, errors.New("received 304 Not Modified but no cached body available"))
		}
		appLog.Debug("fetch not modified; using cache", "url", appLog.RedactURL(rawURL))
		return fromCache(rawURL, meta, cachedBody)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if readErr != nil {
			return failure(classify(ctx, readErr), readErr)
		}
		contentType := resp.Header.Get("Content-Type")
		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          rawURL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
				ContentType:  contentType,
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				appLog.Error("fetch cache save failed", err, "url", appLog.RedactURL(rawURL))
			}
		}
		appLog.Debug("fetch success", "url", appLog.RedactURL(rawURL), "status", resp.StatusCode, "bytes", len(body))
		return Result{
			OK:          true,
			HTML:        string(body),
			Status:      resp.StatusCode,
			FinalURL:    finalURL,
			ContentType: contentType,
		}

	default:
		if resp.StatusCode >= 500 && len(cachedBody) > 0 {
			appLog.Error("fetch non-OK, using cached body", errors.New(resp.Status), "url", appLog.RedactURL(rawURL), "status", resp.StatusCode)
			return fromCache(rawURL, meta, cachedBody)
		}
		kind := apperr.HTTPStatus(resp.StatusCode)
		return Result{
			Status:   resp.StatusCode,
			FinalURL: finalURL,
			ErrKind:  kind,
			Err:      apperr.Newf(kind, "GET %s: %s", appLog.RedactURL(rawURL), resp.Status),
		}
	}
}

func fromCache(rawURL string, meta cacheEntry, body []byte) Result {
	return Result{
		OK:          true,
		HTML:        string(body),
		Status:      http.StatusOK,
		FinalURL:    rawURL,
		ContentType: meta.ContentType,
		FromCache:   true,
	}
}

func (f *HTTPFetcher) cachePathForURL(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	// First 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body"))
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body"), body, 0o600); err != nil {
		return fmt.Errorf("write cache body: %w", err)
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600); err != nil {
		return fmt.Errorf("write cache meta: %w", err)
	}
	return nil
}
