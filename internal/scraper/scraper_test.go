package scraper_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialcal/internal/apperr"
	"socialcal/internal/extract"
	"socialcal/internal/fetch"
	"socialcal/internal/ics"
	"socialcal/internal/jobs"
	"socialcal/internal/model"
	"socialcal/internal/schema"
	"socialcal/internal/scraper"
	"socialcal/internal/store"
)

const listing = `<html><body>
<div class="event">
  <h3>Jazz Night</h3>
  <span class="when">March 15, 2025 at 8:00 PM</span>
  <span class="where">Blue Room</span>
  <a href="/events/jazz-night">More</a>
  <img src="/img/jazz.jpg">
</div>
<div class="event">
  <h3>Blues Jam</h3>
  <span class="when">March 16, 2025 at 7:30 PM</span>
  <span class="where">Back Porch</span>
  <a href="/events/blues-jam">More</a>
  <img src="/img/blues.jpg">
</div>
</body></html>`

const feed = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//Club//EN\r\n" +
	"BEGIN:VEVENT\r\nDTSTART:20250301T230000Z\r\nDTEND:20250302T010000Z\r\nUID:a@club.example\r\nSUMMARY:Late Show\r\nEND:VEVENT\r\n" +
	"BEGIN:VEVENT\r\nDTSTART:20250308T230000Z\r\nDTEND:20250309T010000Z\r\nUID:b@club.example\r\nSUMMARY:Early Show\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

// pages serves fixed bodies by URL.
type pages map[string]fetch.Result

func (p pages) Fetch(_ context.Context, url string, _ fetch.Options) fetch.Result {
	if r, ok := p[url]; ok {
		return r
	}
	return fetch.Result{ErrKind: apperr.HTTPStatus(404), Status: 404}
}

type fixedGenerator struct {
	schema schema.Schema
	calls  int
}

func (g *fixedGenerator) GenerateSchema(context.Context, string, string) (schema.Schema, error) {
	g.calls++
	return g.schema, nil
}

func listingSchema() schema.Schema {
	return schema.Schema{BaseSelector: ".event", Fields: []schema.Field{
		{Name: "title", Selector: "h3"},
		{Name: "date", Selector: ".when"},
		{Name: "start_time", Selector: ".when"},
		{Name: "location", Selector: ".where"},
		{Name: "url", Selector: "a", Attribute: "href"},
		{Name: "image_url", Selector: "img", Attribute: "src"},
	}}
}

var clock = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

const venueURL = "https://venue.example/calendar"

func newDispatcher(t *testing.T, gen schema.SchemaGenerator, scrapers store.ScraperStore) *scraper.Dispatcher {
	t.Helper()
	f := pages{
		venueURL:                          {OK: true, HTML: listing, FinalURL: venueURL, Status: 200},
		"https://club.example/events.ics": {OK: true, HTML: feed, ContentType: "text/calendar", Status: 200},
	}
	deps := scraper.Deps{
		Feeds:      ics.NewScraper(f, ics.ScraperConfig{Now: func() time.Time { return clock }}),
		Runner:     extract.NewRunner(f),
		Extractors: []extract.Extractor{extract.NewJSONLDExtractor(f, time.UTC)},
		Scrapers:   scrapers,
		Now:        func() time.Time { return clock },
	}
	if gen != nil {
		deps.Generator = schema.NewGenerator(f, gen)
	}
	return scraper.New(deps)
}

func TestDispatcher_Kinds(t *testing.T) {
	d := newDispatcher(t, nil, store.NewMemory())
	assert.Equal(t, []string{"crawl4ai", "generic", "ical", "jsonld", "site"}, d.Kinds())
	assert.True(t, d.Supports(scraper.KindJSONLD))
	assert.False(t, d.Supports(scraper.KindFirecrawl))

	_, err := d.Scrape(context.Background(), jobs.Descriptor{Kind: "firecrawl", SourceURL: venueURL}, nil)
	assert.Equal(t, apperr.MissingRequiredField, apperr.KindOf(err))
}

func TestDispatcher_ICal(t *testing.T) {
	d := newDispatcher(t, nil, nil)
	var steps []int
	out, err := d.Scrape(context.Background(), jobs.Descriptor{Kind: "ical", SourceURL: "https://club.example/events.ics"},
		func(pct int, _ string) { steps = append(steps, pct) })
	require.NoError(t, err)
	require.Len(t, out.Records, 2)
	assert.Equal(t, "Late Show", out.Records[0].Title)
	assert.Equal(t, []int{10, 90}, steps)
}

func TestDispatcher_GenericWithoutLLMIsEmpty(t *testing.T) {
	d := newDispatcher(t, nil, nil)
	out, err := d.Scrape(context.Background(), jobs.Descriptor{Kind: "crawl4ai", SourceURL: venueURL}, nil)
	require.NoError(t, err)
	assert.Empty(t, out.Records)
	assert.NotEmpty(t, out.Message)
}

func TestDispatcher_Generic(t *testing.T) {
	gen := &fixedGenerator{schema: listingSchema()}
	d := newDispatcher(t, gen, nil)
	out, err := d.Scrape(context.Background(), jobs.Descriptor{Kind: "generic", SourceURL: venueURL}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls)
	require.Len(t, out.Records, 2)
	assert.Equal(t, "Jazz Night", out.Records[0].Title)
	assert.Equal(t, "https://venue.example/events/jazz-night", out.Records[0].URL)
}

func TestDispatcher_JSONLDWithoutEvents(t *testing.T) {
	d := newDispatcher(t, nil, nil)
	_, err := d.Scrape(context.Background(), jobs.Descriptor{Kind: "jsonld", SourceURL: venueURL}, nil)
	assert.Equal(t, apperr.NoEventsFound, apperr.KindOf(err))
}

func createScraper(t *testing.T, st store.ScraperStore, s schema.Schema) *model.SiteScraper {
	t.Helper()
	sc := &model.SiteScraper{OwnerID: "u1", Name: "Venue", URL: venueURL, IsActive: true}
	if !s.IsEmpty() {
		raw, err := json.Marshal(s)
		require.NoError(t, err)
		sc.CSSSchema = raw
	}
	require.NoError(t, st.CreateScraper(context.Background(), sc))
	return sc
}

func TestDispatcher_SiteScraperRecordsTestResults(t *testing.T) {
	st := store.NewMemory()
	sc := createScraper(t, st, listingSchema())
	d := newDispatcher(t, nil, st)

	out, err := d.Scrape(context.Background(), jobs.Descriptor{Owner: "u1", ScraperID: sc.ID}, nil)
	require.NoError(t, err)
	assert.Len(t, out.Records, 2)

	got, err := st.GetScraper(context.Background(), "u1", sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastTested)
	assert.True(t, clock.Equal(*got.LastTested))
	require.NotNil(t, got.TestResults)
	assert.Equal(t, 2, got.TestResults.EventsCount)
	assert.Len(t, got.TestResults.Events, 2)
	assert.Empty(t, got.TestResults.Error)
}

func TestDispatcher_SiteScraperNoMatchesKeepsError(t *testing.T) {
	st := store.NewMemory()
	broken := schema.Schema{BaseSelector: ".nope", Fields: []schema.Field{{Name: "title", Selector: "h3"}}}
	sc := createScraper(t, st, broken)
	d := newDispatcher(t, nil, st)

	out, err := d.Scrape(context.Background(), jobs.Descriptor{Owner: "u1", ScraperID: sc.ID}, nil)
	assert.Equal(t, apperr.NoEventsFound, apperr.KindOf(err))
	assert.Equal(t, 0, out.Diagnostic["base_selector"])

	got, err := st.GetScraper(context.Background(), "u1", sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TestResults)
	assert.Equal(t, 0, got.TestResults.EventsCount)
	assert.NotEmpty(t, got.TestResults.Error)
}

func TestDispatcher_SiteScraperWithoutSchemaGeneratesOne(t *testing.T) {
	st := store.NewMemory()
	sc := createScraper(t, st, schema.Schema{})
	gen := &fixedGenerator{schema: listingSchema()}
	d := newDispatcher(t, gen, st)

	out, err := d.Scrape(context.Background(), jobs.Descriptor{Owner: "u1", ScraperID: sc.ID}, nil)
	require.NoError(t, err)
	assert.Len(t, out.Records, 2)

	got, err := st.GetScraper(context.Background(), "u1", sc.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.CSSSchema)
}

func TestDispatcher_SiteScraperOfAnotherOwner(t *testing.T) {
	st := store.NewMemory()
	sc := createScraper(t, st, listingSchema())
	d := newDispatcher(t, nil, st)

	_, err := d.Scrape(context.Background(), jobs.Descriptor{Owner: "u2", ScraperID: sc.ID}, nil)
	assert.Equal(t, apperr.MissingRequiredField, apperr.KindOf(err))
}

func TestDispatcher_GenerateSchemaStoresIt(t *testing.T) {
	st := store.NewMemory()
	sc := createScraper(t, st, schema.Schema{})
	d := newDispatcher(t, &fixedGenerator{schema: listingSchema()}, st)

	raw, err := d.GenerateSchema(context.Background(), jobs.Descriptor{Mode: jobs.ModeSchema, Owner: "u1", ScraperID: sc.ID}, nil)
	require.NoError(t, err)

	parsed, err := schema.ParseSchema(raw)
	require.NoError(t, err)
	assert.Equal(t, ".event", parsed.BaseSelector)

	got, err := st.GetScraper(context.Background(), "u1", sc.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(got.CSSSchema))
}

func TestDispatcher_GenerateSchemaWithoutLLM(t *testing.T) {
	d := newDispatcher(t, nil, nil)
	_, err := d.GenerateSchema(context.Background(), jobs.Descriptor{Mode: jobs.ModeSchema, SourceURL: venueURL}, nil)
	assert.Equal(t, apperr.SchemaGenerationFailed, apperr.KindOf(err))
}
