// Package fetch retrieves listing pages and feeds, either with a plain HTTP
// client backed by a conditional-request disk cache or with a headless
// Chromium driven through chromedp.
package fetch

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"socialcal/internal/apperr"
)

const (
	DefaultViewportWidth  = 1920
	DefaultViewportHeight = 1080
	DefaultPageTimeout    = 60 * time.Second
)

// Options controls a single fetch. Zero values fall back to defaults.
type Options struct {
	Stealth        bool
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	BypassCache    bool
	WaitForImages  bool
	PageTimeout    time.Duration
	BypassRobots   bool
	// WaitSelector, when set, must become visible before the page is read.
	WaitSelector string
	// ScrollSteps scrolls to the bottom that many times to trigger lazy
	// loading.
	ScrollSteps int
}

// DefaultOptions is what the import pipeline uses for listing pages.
func DefaultOptions() Options {
	return Options{
		Headless:       true,
		ViewportWidth:  DefaultViewportWidth,
		ViewportHeight: DefaultViewportHeight,
		PageTimeout:    DefaultPageTimeout,
		WaitForImages:  true,
	}
}

func (o Options) normalized() Options {
	if o.ViewportWidth <= 0 {
		o.ViewportWidth = DefaultViewportWidth
	}
	if o.ViewportHeight <= 0 {
		o.ViewportHeight = DefaultViewportHeight
	}
	if o.PageTimeout <= 0 {
		o.PageTimeout = DefaultPageTimeout
	}
	return o
}

// wantsBrowser reports whether the options ask for something only a real
// browser can do.
func (o Options) wantsBrowser() bool {
	return o.Stealth || o.WaitForImages || o.ScrollSteps > 0 || o.WaitSelector != ""
}

// Result is the outcome of a fetch. On failure OK is false and ErrKind
// tags the failure; Fetch never panics and never returns a Go error
// separately.
type Result struct {
	OK          bool
	HTML        string
	Status      int
	FinalURL    string
	ContentType string
	FromCache   bool
	ErrKind     apperr.Kind
	Err         error
}

// Error returns the failure as a tagged error, or nil when OK.
func (r Result) Error() error {
	if r.OK {
		return nil
	}
	if r.Err == nil {
		return apperr.New(r.ErrKind, "fetch failed")
	}
	if apperr.KindOf(r.Err) == r.ErrKind {
		return r.Err
	}
	return apperr.Wrap(r.ErrKind, r.Err, "fetch failed")
}

// Fetcher retrieves the body of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts Options) Result
}

func failure(kind apperr.Kind, err error) Result {
	return Result{ErrKind: kind, Err: err}
}

// classify maps transport errors onto error kinds.
func classify(ctx context.Context, err error) apperr.Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Timeout
	}
	if errors.Is(err, context.Canceled) {
		return apperr.Cancelled
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return apperr.Timeout
	}
	return apperr.FetchFailed
}

// validateURL accepts absolute http(s) URLs only.
func validateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, apperr.Wrap(apperr.FetchFailed, err, "invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, apperr.Newf(apperr.FetchFailed, "unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, apperr.New(apperr.FetchFailed, "url has no host")
	}
	return u, nil
}

// isHTML reports whether a content type is an HTML document.
func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "html") || strings.Contains(ct, "xml+xhtml")
}
