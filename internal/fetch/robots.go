package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

const (
	defaultRobotsTTL   = 24 * time.Hour
	maxRobotsBodyBytes = 512 * 1024
)

// RobotsChecker answers whether a URL may be fetched, caching robots.txt per
// host. A missing, unreadable or non-2xx robots.txt allows everything.
type RobotsChecker struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration

	mu    sync.RWMutex
	hosts map[string]robotsEntry
}

type robotsEntry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

func NewRobotsChecker(client *http.Client, userAgent string, ttl time.Duration) *RobotsChecker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = defaultRobotsTTL
	}
	return &RobotsChecker{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		hosts:     make(map[string]robotsEntry),
	}
}

// IsAllowed reports whether rawURL may be fetched by the configured agent.
func (r *RobotsChecker) IsAllowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("robots: parse url: %w", err)
	}
	host := strings.ToLower(u.Host)
	if host == "" {
		return false, fmt.Errorf("robots: empty host in url %q", rawURL)
	}

	entry := r.lookup(host)
	if entry == nil {
		entry = r.refresh(ctx, u.Scheme, host)
	}
	if entry.data == nil {
		return true, nil
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return entry.data.TestAgent(path, r.userAgent), nil
}

// CrawlDelay returns the crawl-delay for host, or 0 when none is known.
func (r *RobotsChecker) CrawlDelay(host string) time.Duration {
	entry := r.lookup(strings.ToLower(host))
	if entry == nil || entry.data == nil {
		return 0
	}
	if group := entry.data.FindGroup(r.userAgent); group != nil {
		return group.CrawlDelay
	}
	return 0
}

func (r *RobotsChecker) lookup(host string) *robotsEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.hosts[host]
	if !ok || time.Since(entry.fetchedAt) > r.ttl {
		return nil
	}
	return &entry
}

func (r *RobotsChecker) refresh(ctx context.Context, scheme, host string) *robotsEntry {
	if scheme == "" {
		scheme = "https"
	}
	entry := robotsEntry{fetchedAt: time.Now()}

	body, status, err := r.download(ctx, scheme+"://"+host+"/robots.txt")
	if err == nil && status >= 200 && status < 300 {
		if data, parseErr := robotstxt.FromBytes(body); parseErr == nil {
			entry.data = data
		}
	}

	r.mu.Lock()
	r.hosts[host] = entry
	r.mu.Unlock()
	return &entry
}

func (r *RobotsChecker) download(ctx context.Context, robotsURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("robots: create request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req) //nolint:gosec // host comes from the page being fetched
	if err != nil {
		return nil, 0, fmt.Errorf("robots: fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("robots: read body: %w", err)
	}
	return body, resp.StatusCode, nil
}
