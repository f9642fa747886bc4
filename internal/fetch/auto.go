package fetch

import (
	"context"

	"socialcal/internal/apperr"
	appLog "socialcal/internal/log"
)

// Auto sends browser-style requests to Chromium when one is configured and
// everything else to plain HTTP. A Chromium launch failure degrades to HTTP.
type Auto struct {
	HTTP   Fetcher
	Chrome Fetcher
}

func NewAuto(httpFetcher, chrome Fetcher) *Auto {
	return &Auto{HTTP: httpFetcher, Chrome: chrome}
}

func (a *Auto) Fetch(ctx context.Context, rawURL string, opts Options) Result {
	if a.Chrome != nil && opts.wantsBrowser() {
		res := a.Chrome.Fetch(ctx, rawURL, opts)
		if res.OK || res.ErrKind != apperr.FetchFailed || ctx.Err() != nil {
			return res
		}
		appLog.Warn("chromium fetch failed; retrying with plain http", "url", appLog.RedactURL(rawURL), "err", res.Err)
	}
	return a.HTTP.Fetch(ctx, rawURL, opts)
}
