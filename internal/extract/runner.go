package extract

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"socialcal/internal/apperr"
	"socialcal/internal/fetch"
	appLog "socialcal/internal/log"
	"socialcal/internal/model"
	"socialcal/internal/schema"
)

// Result is the output of one schema run. Diagnostic is only set when the
// schema extracted nothing.
type Result struct {
	Records    []model.ScrapedRecord
	Diagnostic map[string]int
}

// Runner fetches a page and applies a schema to it.
type Runner struct {
	fetcher fetch.Fetcher
	opts    fetch.Options
}

// NewRunner always bypasses the conditional cache so that every run sees
// the live listing.
func NewRunner(f fetch.Fetcher) *Runner {
	opts := fetch.DefaultOptions()
	opts.BypassCache = true
	return &Runner{fetcher: f, opts: opts}
}

// WithOptions overrides the fetch options (BypassCache is always forced).
func (r *Runner) WithOptions(opts fetch.Options) *Runner {
	opts.BypassCache = true
	r.opts = opts
	return r
}

// Run fetches url and extracts records with s. Zero records fail with
// no_events_found and a selector diagnostic.
func (r *Runner) Run(ctx context.Context, url string, s schema.Schema) (Result, error) {
	if s.IsEmpty() {
		return Result{}, apperr.New(apperr.SelectorNotMatching, "selector schema has no fields")
	}

	res := r.fetcher.Fetch(ctx, url, r.opts)
	if !res.OK {
		return Result{}, res.Error()
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.HTML))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.FetchFailed, err, "parse page HTML")
	}

	base := res.FinalURL
	if base == "" {
		base = url
	}
	records := ExtractRecords(doc, s, base)
	if len(records) > 0 {
		appLog.Info("schema run completed", "url", appLog.RedactURL(url), "records", len(records))
		return Result{Records: records}, nil
	}

	diag := Diagnose(doc, s)
	kv := []any{"url", appLog.RedactURL(url)}
	for name, n := range diag {
		kv = append(kv, "sel_"+name, n)
	}
	appLog.Warn("schema run extracted nothing", kv...)
	return Result{Diagnostic: diag}, apperr.New(apperr.NoEventsFound, "the selector schema matched no events on the page")
}
