package ics

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"socialcal/internal/apperr"
	"socialcal/internal/fetch"
	appLog "socialcal/internal/log"
	"socialcal/internal/model"
)

const (
	DefaultHorizon     = 180 * 24 * time.Hour
	maxParallelFetches = 4
)

// ScraperConfig configures a feed Scraper.
type ScraperConfig struct {
	Location *time.Location
	// Horizon bounds recurring expansion into the future.
	Horizon time.Duration
	Now     func() time.Time
	Options fetch.Options
}

// Scraper discovers, validates and parses calendar feeds.
type Scraper struct {
	fetcher fetch.Fetcher
	cfg     ScraperConfig
}

// Result is what one scrape produced.
type Result struct {
	// FeedURLs are the validated feeds the records came from.
	FeedURLs []string
	Records  []model.ScrapedRecord
}

func NewScraper(f fetch.Fetcher, cfg ScraperConfig) *Scraper {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scraper{fetcher: f, cfg: cfg}
}

type candidate struct {
	url    string
	events []ParsedEvent
	ok     bool
}

// Scrape turns rawURL into records. A direct feed URL is fetched and parsed;
// any other page is searched for feed links, each of which is validated by
// parsing. Records are deduplicated by UID, or by (summary, start).
func (s *Scraper) Scrape(ctx context.Context, rawURL string) (Result, error) {
	target := NormalizeFeedURL(rawURL, "")
	logger := appLog.With("url", appLog.RedactURL(target))

	var candidates []string
	if LooksLikeFeed(target) {
		candidates = []string{target}
	} else {
		res := s.fetcher.Fetch(ctx, target, s.cfg.Options)
		if !res.OK {
			return Result{}, res.Error()
		}
		if isCalendarBody(res.ContentType, res.HTML) {
			events, err := ParseFeed([]byte(res.HTML), s.cfg.Location)
			if err != nil {
				return Result{}, err
			}
			return s.finish([]candidate{{url: target, events: events, ok: true}})
		}
		base := res.FinalURL
		if base == "" {
			base = target
		}
		discovered := DiscoverFeedURLs(base, res.HTML)
		candidates = FilterCandidates(discovered)
		logger.Info("ics discovery completed", "discovered", len(discovered), "candidates", len(candidates))
		if len(candidates) == 0 {
			return Result{}, apperr.New(apperr.NoCalendarFound, "no calendar links found on the page")
		}
	}

	validated, err := s.validate(ctx, candidates)
	if err != nil {
		return Result{}, err
	}
	return s.finish(validated)
}

// validate fetches and parses every candidate concurrently. Results keep
// candidate order. A single direct feed URL propagates its fetch error.
func (s *Scraper) validate(ctx context.Context, urls []string) ([]candidate, error) {
	out := make([]candidate, len(urls))
	var directErr error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetches)
	for i, u := range urls {
		g.Go(func() error {
			out[i].url = u
			res := s.fetcher.Fetch(gctx, u, s.cfg.Options)
			if !res.OK {
				appLog.Warn("ics candidate fetch failed", "url", appLog.RedactURL(u), "kind", string(res.ErrKind))
				if len(urls) == 1 {
					directErr = res.Error()
				}
				return nil
			}
			events, err := ParseFeed([]byte(res.HTML), s.cfg.Location)
			if err != nil {
				appLog.Warn("ics candidate is not a calendar", "url", appLog.RedactURL(u), "err", err.Error())
				return nil
			}
			if len(events) == 0 {
				appLog.Warn("ics candidate has no events", "url", appLog.RedactURL(u))
				return nil
			}
			out[i].events = events
			out[i].ok = true
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, apperr.Wrap(apperr.Cancelled, ctx.Err(), "feed validation interrupted")
	}
	if directErr != nil {
		return nil, directErr
	}
	return out, nil
}

func (s *Scraper) finish(cands []candidate) (Result, error) {
	var (
		feeds  []string
		events []ParsedEvent
	)
	for _, c := range cands {
		if !c.ok {
			continue
		}
		feeds = append(feeds, c.url)
		events = append(events, c.events...)
	}
	if len(feeds) == 0 {
		return Result{}, apperr.New(apperr.NoCalendarFound, "found potential calendar links, but none contained valid iCal data")
	}

	now := s.cfg.Now()
	occs, err := Expand(events, ExpandConfig{
		Location:   s.cfg.Location,
		RangeStart: now.Add(-24 * time.Hour),
		RangeEnd:   now.Add(s.cfg.Horizon),
	})
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, err, "expand recurrences")
	}

	records := Dedupe(occs)
	if len(records) == 0 {
		return Result{FeedURLs: feeds}, apperr.New(apperr.NoEventsFound, "calendar feed contains no events")
	}
	appLog.Info("ics scrape completed", "feeds", len(feeds), "events", len(records))
	return Result{FeedURLs: feeds, Records: records}, nil
}

// Dedupe converts occurrences to records, keeping the first occurrence of
// each key. Without a key, (summary, start) identifies the event.
func Dedupe(occs []Occurrence) []model.ScrapedRecord {
	type fallbackKey struct {
		summary string
		start   int64
	}
	seenKey := make(map[string]bool)
	seenFallback := make(map[fallbackKey]bool)

	out := make([]model.ScrapedRecord, 0, len(occs))
	for _, o := range occs {
		if o.Key != "" {
			if seenKey[o.Key] {
				continue
			}
			seenKey[o.Key] = true
		} else {
			k := fallbackKey{summary: o.Event.Summary, start: o.Start.Unix()}
			if seenFallback[k] {
				continue
			}
			seenFallback[k] = true
		}
		out = append(out, toRecord(o))
	}
	return out
}

func toRecord(o Occurrence) model.ScrapedRecord {
	venue := SplitLocation(o.Event.Location)
	start, end := o.Start, o.End

	rec := model.ScrapedRecord{
		Title:       o.Event.Summary,
		Date:        start.Format("January 2, 2006"),
		Location:    o.Event.Location,
		Description: o.Event.Description,
		URL:         o.Event.URL,
		ImageURL:    o.Event.ImageURL,
		Venue:       &venue,
		Start:       &start,
		End:         &end,
		AllDay:      o.Event.AllDay,
		UID:         o.Key,
	}
	if o.Event.AllDay {
		rec.StartTime = "All Day"
	} else {
		rec.StartTime = start.Format("3:04 PM")
		rec.EndTime = end.Format("3:04 PM")
	}
	return rec
}

func isCalendarBody(contentType, body string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "text/calendar") || strings.Contains(ct, "text/x-vcalendar") {
		return true
	}
	if fetch.LooksLikeHTML(body) {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(strings.ToUpper(body)), "BEGIN:VCALENDAR")
}
