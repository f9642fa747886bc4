// Package scraper dispatches import and schema jobs to the extractor that
// handles the requested scraper kind.
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"socialcal/internal/apperr"
	"socialcal/internal/extract"
	"socialcal/internal/ics"
	"socialcal/internal/jobs"
	appLog "socialcal/internal/log"
	"socialcal/internal/model"
	"socialcal/internal/schema"
	"socialcal/internal/store"
)

// Scraper kinds accepted by the import endpoint.
const (
	KindICal          = "ical"
	KindGeneric       = "generic"
	KindCrawl4AI      = "crawl4ai"
	KindJSONLD        = "jsonld"
	KindFirecrawl     = "firecrawl"
	KindSimpleScraper = "simplescraper"
	// KindSite runs a stored site scraper (Descriptor.ScraperID).
	KindSite = "site"
)

// Func scrapes one source for a job.
type Func func(ctx context.Context, d jobs.Descriptor, progress jobs.ProgressFunc) (jobs.Scraped, error)

// Deps are the components a Dispatcher routes to. Generator is nil when no
// LLM provider is configured; Scrapers is nil when site scrapers are not
// served.
type Deps struct {
	Feeds      *ics.Scraper
	Generator  *schema.Generator
	Runner     *extract.Runner
	Extractors []extract.Extractor
	Scrapers   store.ScraperStore
	Now        func() time.Time
}

// Dispatcher is the jobs.Pipeline of the service.
type Dispatcher struct {
	deps Deps

	mu    sync.RWMutex
	kinds map[string]Func
}

// New registers the built-in kinds. Dedicated extractors are registered
// under their Name.
func New(deps Deps) *Dispatcher {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	d := &Dispatcher{deps: deps, kinds: make(map[string]Func)}
	if deps.Feeds != nil {
		d.Register(KindICal, d.scrapeFeed)
	}
	if deps.Runner != nil {
		d.Register(KindGeneric, d.scrapeGeneric)
		d.Register(KindCrawl4AI, d.scrapeGeneric)
		if deps.Scrapers != nil {
			d.Register(KindSite, d.scrapeSite)
		}
	}
	for _, x := range deps.Extractors {
		d.Register(x.Name(), dedicated(x))
	}
	return d
}

// Register adds or replaces the handler of kind.
func (d *Dispatcher) Register(kind string, fn Func) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kinds[kind] = fn
}

// Supports reports whether kind has a handler.
func (d *Dispatcher) Supports(kind string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.kinds[kind]
	return ok
}

// Kinds lists the registered kinds in name order.
func (d *Dispatcher) Kinds() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.kinds))
	for k := range d.kinds {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Scrape implements jobs.Pipeline.
func (d *Dispatcher) Scrape(ctx context.Context, desc jobs.Descriptor, progress jobs.ProgressFunc) (jobs.Scraped, error) {
	kind := desc.Kind
	if desc.ScraperID > 0 {
		kind = KindSite
	}
	d.mu.RLock()
	fn, ok := d.kinds[kind]
	d.mu.RUnlock()
	if !ok {
		return jobs.Scraped{}, apperr.Newf(apperr.MissingRequiredField, "unsupported scraper type %q", desc.Kind)
	}
	if progress == nil {
		progress = func(int, string) {}
	}
	return fn(ctx, desc, progress)
}

func (d *Dispatcher) scrapeFeed(ctx context.Context, desc jobs.Descriptor, progress jobs.ProgressFunc) (jobs.Scraped, error) {
	progress(10, "Looking for calendar feeds")
	res, err := d.deps.Feeds.Scrape(ctx, desc.SourceURL)
	if err != nil {
		return jobs.Scraped{}, err
	}
	if len(res.Records) == 0 {
		return jobs.Scraped{}, apperr.New(apperr.NoEventsFound, "No events found in the calendar")
	}
	progress(90, fmt.Sprintf("Parsed %d events from %d calendar feeds", len(res.Records), len(res.FeedURLs)))
	return jobs.Scraped{Records: res.Records}, nil
}

// scrapeGeneric generates a schema for the page and runs it at once.
// Without an LLM the import yields nothing.
func (d *Dispatcher) scrapeGeneric(ctx context.Context, desc jobs.Descriptor, progress jobs.ProgressFunc) (jobs.Scraped, error) {
	if d.deps.Generator == nil {
		appLog.Warn("generic import without an LLM provider", "url", appLog.RedactURL(desc.SourceURL))
		return jobs.Scraped{Message: "No LLM provider is configured; nothing was extracted"}, nil
	}
	progress(10, "Analyzing page structure")
	gen, err := d.deps.Generator.Generate(ctx, desc.SourceURL)
	if err != nil {
		return jobs.Scraped{}, err
	}
	progress(60, "Extracting events")
	res, err := d.deps.Runner.Run(ctx, desc.SourceURL, gen.Schema)
	return jobs.Scraped{Records: res.Records, Diagnostic: res.Diagnostic}, err
}

func dedicated(x extract.Extractor) Func {
	return func(ctx context.Context, desc jobs.Descriptor, progress jobs.ProgressFunc) (jobs.Scraped, error) {
		progress(10, "Extracting events with "+x.Name())
		recs, err := x.Extract(ctx, extract.Source{URL: desc.SourceURL, Recipe: desc.Recipe})
		if err != nil {
			return jobs.Scraped{}, err
		}
		if len(recs) == 0 {
			return jobs.Scraped{}, apperr.New(apperr.NoEventsFound, "No events found on the page")
		}
		return jobs.Scraped{Records: recs}, nil
	}
}

// scrapeSite runs a stored site scraper, generating its schema first when
// it has none, and records the outcome as the scraper's test results.
func (d *Dispatcher) scrapeSite(ctx context.Context, desc jobs.Descriptor, progress jobs.ProgressFunc) (jobs.Scraped, error) {
	sc, err := d.deps.Scrapers.GetScraper(ctx, desc.Owner, desc.ScraperID)
	if err != nil {
		return jobs.Scraped{}, scraperErr(desc.ScraperID, err)
	}
	url := sc.URL
	if url == "" {
		url = desc.SourceURL
	}

	var s schema.Schema
	if len(sc.CSSSchema) > 0 {
		s, err = schema.ParseSchema(sc.CSSSchema)
		if err != nil {
			return jobs.Scraped{}, apperr.Wrap(apperr.SelectorNotMatching, err, "stored selector schema is invalid")
		}
	} else {
		if d.deps.Generator == nil {
			return jobs.Scraped{}, apperr.New(apperr.SchemaGenerationFailed, "scraper has no schema and no LLM provider is configured")
		}
		progress(10, "Generating selector schema")
		gen, err := d.deps.Generator.Generate(ctx, url)
		if err != nil {
			return jobs.Scraped{}, err
		}
		s = gen.Schema
		if sc.CSSSchema, err = json.Marshal(s); err != nil {
			return jobs.Scraped{}, apperr.Wrap(apperr.Internal, err, "encode schema")
		}
	}

	progress(40, "Running "+sc.Name)
	res, runErr := d.deps.Runner.Run(ctx, url, s)
	d.saveTestResults(ctx, sc, res.Records, runErr)
	return jobs.Scraped{Records: res.Records, Diagnostic: res.Diagnostic}, runErr
}

func (d *Dispatcher) saveTestResults(ctx context.Context, sc *model.SiteScraper, recs []model.ScrapedRecord, runErr error) {
	now := d.deps.Now().UTC()
	tr := &model.TestResults{
		Timestamp:   now,
		EventsCount: len(recs),
		Events:      slices.Clone(recs[:min(len(recs), model.MaxTestResultEvents)]),
	}
	if runErr != nil {
		tr.Error = apperr.Message(runErr)
	}
	sc.LastTested = &now
	sc.TestResults = tr
	// The job may already be past its deadline; the results still belong to
	// the scraper.
	if err := d.deps.Scrapers.UpdateScraper(context.WithoutCancel(ctx), sc); err != nil {
		appLog.Error("save scraper test results failed", err, "scraper_id", sc.ID)
	}
}

// GenerateSchema implements jobs.Pipeline. When the descriptor names a site
// scraper the schema is stored on it.
func (d *Dispatcher) GenerateSchema(ctx context.Context, desc jobs.Descriptor, progress jobs.ProgressFunc) (json.RawMessage, error) {
	if d.deps.Generator == nil {
		return nil, apperr.New(apperr.SchemaGenerationFailed, "no LLM provider is configured")
	}
	if progress == nil {
		progress = func(int, string) {}
	}

	var sc *model.SiteScraper
	url := desc.SourceURL
	if desc.ScraperID > 0 {
		if d.deps.Scrapers == nil {
			return nil, apperr.New(apperr.Internal, "site scrapers are not available")
		}
		var err error
		if sc, err = d.deps.Scrapers.GetScraper(ctx, desc.Owner, desc.ScraperID); err != nil {
			return nil, scraperErr(desc.ScraperID, err)
		}
		if sc.URL != "" {
			url = sc.URL
		}
	}

	progress(20, "Analyzing page structure")
	gen, err := d.deps.Generator.Generate(ctx, url)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(gen.Schema)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "encode schema")
	}
	progress(80, "Schema generated")

	if desc.ScraperID > 0 {
		sc.CSSSchema = raw
		if err := d.deps.Scrapers.UpdateScraper(ctx, sc); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "save schema")
		}
	}
	return raw, nil
}

func scraperErr(id int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Newf(apperr.MissingRequiredField, "site scraper %d not found", id)
	}
	return apperr.Wrap(apperr.Internal, err, "load site scraper")
}

var _ jobs.Pipeline = (*Dispatcher)(nil)
