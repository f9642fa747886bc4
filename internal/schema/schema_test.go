package schema_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialcal/internal/apperr"
	"socialcal/internal/fetch"
	"socialcal/internal/retry"
	"socialcal/internal/schema"
)

const listingHTML = `<html><head><script>var x = 1;</script><style>.a{}</style></head><body>
<section class="listing">
  <div class="event-card">
    <h3 class="title">Jazz Night</h3>
    <div class="promo-banner">Almost full</div>
    <div class="meta"><span class="when">Sat, Mar 15, 8:00 PM</span><span class="where">Blue Room</span></div>
    <a href="/e/1">Details</a><img src="/img/1.jpg">
  </div>
  <div class="event-card">
    <h3 class="title">Blues Jam</h3>
    <div class="promo-banner">Going fast</div>
    <div class="meta"><span class="when">Sun, Mar 16, 7:30 PM</span><span class="where">Back Porch</span></div>
    <a href="/e/2">Details</a><img src="/img/2.jpg">
  </div>
</section>
</body></html>`

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func TestParseSchema_FlatForm(t *testing.T) {
	s, err := schema.ParseSchema([]byte(`{
		"baseSelector": ".event-card",
		"title": ".title",
		"date": ".when",
		"url": {"selector": "a", "attribute": "href"},
		"ticket_price": ".price"
	}`))
	require.NoError(t, err)

	assert.Equal(t, ".event-card", s.BaseSelector)
	require.Len(t, s.Fields, 4)
	assert.Equal(t, schema.Field{Name: "title", Selector: ".title", Type: schema.TypeText}, s.Fields[0])
	assert.Equal(t, schema.Field{Name: "url", Selector: "a", Attribute: "href", Type: schema.TypeAttribute}, s.Fields[2])
	assert.Equal(t, "ticket_price", s.Fields[3].Name)
}

func TestParseSchema_FieldsForm(t *testing.T) {
	s, err := schema.ParseSchema([]byte(`{
		"name": "Events",
		"base_selector": {"name": "li.event"},
		"fields": [
			{"name": "image_url", "selector": "img", "attribute": "data-src", "type": "attribute"},
			{"name": "title", "selector": "h2", "type": "text"}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "Events", s.Name)
	assert.Equal(t, "li.event", s.BaseSelector)
	require.Len(t, s.Fields, 2)
	assert.Equal(t, "title", s.Fields[0].Name, "known fields come first in canonical order")
	assert.Equal(t, "data-src", s.Fields[1].Attribute)
}

func TestParseSchema_Rejects(t *testing.T) {
	for _, in := range []string{``, `null`, `{}`, `{"base_selector": ".x"}`, `[1, 2]`, `{"title": ""}`} {
		_, err := schema.ParseSchema([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestSchema_JSONCarriesBothForms(t *testing.T) {
	s := schema.Schema{BaseSelector: ".card"}
	s.Set(schema.Field{Name: "title", Selector: "h3"})
	s.Set(schema.Field{Name: "url", Selector: "a", Attribute: "href"})

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "h3", raw["title"])
	assert.Equal(t, map[string]any{"selector": "a", "attribute": "href"}, raw["url"])
	assert.Len(t, raw["fields"], 2)

	var back schema.Schema
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s.Normalize(), back)
}

func TestIsPromotional(t *testing.T) {
	assert.True(t, schema.IsPromotional("Almost full"))
	assert.True(t, schema.IsPromotional("SALES END SOON"))
	assert.True(t, schema.IsPromotional("Save this event"))
	assert.False(t, schema.IsPromotional("Sat, Mar 15, 8:00 PM"))
}

func TestEnhance_ReplacesPromotionalDate(t *testing.T) {
	in := schema.Schema{BaseSelector: ".event-card", Fields: []schema.Field{
		{Name: "title", Selector: "h3"},
		{Name: "date", Selector: ".promo-banner"},
		{Name: "location", Selector: ".where"},
	}}

	out, rep := schema.Enhance(mustDoc(t, listingHTML), in)

	assert.True(t, rep.DateReplaced)
	date, ok := out.Field("date")
	require.True(t, ok)
	assert.Equal(t, "span.when", date.Selector)

	doc := mustDoc(t, listingHTML)
	doc.Find(out.BaseSelector).Each(func(_ int, card *goquery.Selection) {
		text := card.Find(date.Selector).First().Text()
		assert.True(t, schema.DateLike(text), text)
		assert.False(t, schema.IsPromotional(text), text)
	})
}

func TestEnhance_FallsBackForBaseAndTitle(t *testing.T) {
	html := `<body>
	  <article class="event-card"><h2>One</h2><time>March 3, 2025</time></article>
	  <article class="event-card"><h2>Two</h2><time>March 4, 2025</time></article>
	</body>`
	in := schema.Schema{BaseSelector: ".does-not-exist", Fields: []schema.Field{
		{Name: "title", Selector: ".nope"},
		{Name: "date", Selector: "time"},
	}}

	out, rep := schema.Enhance(mustDoc(t, html), in)

	assert.True(t, rep.BaseFound)
	assert.True(t, rep.BaseReplaced)
	assert.Equal(t, 2, rep.Containers)
	assert.Equal(t, "article.event-card", out.BaseSelector)
	assert.True(t, rep.TitleReplaced)
	title, _ := out.Field("title")
	assert.Equal(t, "h2", title.Selector)
	assert.False(t, rep.DateReplaced)
}

func TestEnhance_DefaultsLinkAndImage(t *testing.T) {
	in := schema.Schema{BaseSelector: ".event-card", Fields: []schema.Field{{Name: "title", Selector: "h3"}}}

	out, rep := schema.Enhance(mustDoc(t, listingHTML), in)

	assert.ElementsMatch(t, []string{"url", "image_url"}, rep.Defaulted)
	url, _ := out.Field("url")
	assert.Equal(t, schema.Field{Name: "url", Selector: "a", Attribute: "href", Type: schema.TypeAttribute}, url)
	img, _ := out.Field("image_url")
	assert.Equal(t, "src", img.Attribute)
	assert.Contains(t, rep.Missing, "start_time")
	assert.NotContains(t, rep.Missing, "date", "date is re-derived from the cards")
}

func TestEnhance_NoContainers(t *testing.T) {
	in := schema.Schema{BaseSelector: ".missing", Fields: []schema.Field{{Name: "title", Selector: "h1"}}}
	_, rep := schema.Enhance(mustDoc(t, `<body><h1>Hello</h1></body>`), in)
	assert.False(t, rep.BaseFound)
}

type scriptedProvider struct {
	replies []string
	errs    []error
	calls   atomic.Int32
	gotUser string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, _, user string) (string, error) {
	i := int(p.calls.Add(1)) - 1
	p.gotUser = user
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	if i < len(p.replies) {
		return p.replies[i], nil
	}
	return "", errors.New("unexpected call")
}

func fastRetry() retry.Config {
	cfg := schema.DefaultRetry()
	cfg.Delay = func(int) time.Duration { return time.Millisecond }
	cfg.MaxDelay = 0
	return cfg
}

func TestDefaultRetry(t *testing.T) {
	cfg := schema.DefaultRetry()
	assert.Equal(t, 4, cfg.MaxAttempts, "first call plus three retries")
	assert.Equal(t, 5*time.Second, cfg.Delay(1))
	assert.Equal(t, 15*time.Second, cfg.Delay(3))
	assert.True(t, cfg.IsRetryable(apperr.New(apperr.UpstreamLLMError, "503")))
	assert.False(t, cfg.IsRetryable(apperr.New(apperr.SchemaGenerationFailed, "empty")))
}

func TestLLMGenerator_RetriesUpstreamErrors(t *testing.T) {
	p := &scriptedProvider{
		errs:    []error{apperr.New(apperr.UpstreamLLMError, "503"), nil, nil},
		replies: []string{"", "sorry, no json", "```json\n{\"base_selector\": \".event-card\", \"title\": \"h3\"}\n```"},
	}
	g := schema.NewLLMGenerator(p).WithRetry(fastRetry())

	s, err := g.GenerateSchema(context.Background(), "<div class=event-card><h3>x</h3></div>", "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), p.calls.Load())
	assert.Equal(t, ".event-card", s.BaseSelector)
}

func TestLLMGenerator_GivesUpAfterThreeRetries(t *testing.T) {
	e := apperr.New(apperr.UpstreamLLMError, "overloaded")
	p := &scriptedProvider{errs: []error{e, e, e, e, e}}
	g := schema.NewLLMGenerator(p).WithRetry(fastRetry())

	_, err := g.GenerateSchema(context.Background(), "<p>x</p>", "")
	require.Error(t, err)
	assert.Equal(t, apperr.UpstreamLLMError, apperr.KindOf(err))
	assert.Equal(t, int32(4), p.calls.Load())
}

func TestLLMGenerator_EmptyHTML(t *testing.T) {
	g := schema.NewLLMGenerator(&scriptedProvider{})
	_, err := g.GenerateSchema(context.Background(), "  ", "")
	assert.Equal(t, apperr.SchemaGenerationFailed, apperr.KindOf(err))
}

type pageFetcher struct {
	html string
	opts fetch.Options
}

func (f *pageFetcher) Fetch(_ context.Context, u string, opts fetch.Options) fetch.Result {
	f.opts = opts
	return fetch.Result{OK: true, HTML: f.html, Status: 200, FinalURL: u}
}

func TestGenerator_GeneratesAndEnhances(t *testing.T) {
	p := &scriptedProvider{replies: []string{`{"base_selector": ".event-card", "title": "h3", "date": ".promo-banner", "location": ".where"}`}}
	f := &pageFetcher{html: listingHTML}
	g := schema.NewGenerator(f, schema.NewLLMGenerator(p))

	res, err := g.Generate(context.Background(), "https://venue.example/events")
	require.NoError(t, err)

	assert.True(t, f.opts.Stealth)
	assert.NotContains(t, p.gotUser, "var x = 1", "scripts are stripped from the prompt")
	assert.Contains(t, p.gotUser, "Jazz Night")

	date, _ := res.Schema.Field("date")
	assert.Equal(t, "span.when", date.Selector)
	assert.True(t, res.Report.DateReplaced)
}

func TestGenerator_FailsFastWithoutContainers(t *testing.T) {
	p := &scriptedProvider{replies: []string{`{"base_selector": ".nothing", "title": "h1"}`}}
	g := schema.NewGenerator(&pageFetcher{html: `<body><h1>About us</h1></body>`}, schema.NewLLMGenerator(p))

	_, err := g.Generate(context.Background(), "https://venue.example/about")
	assert.Equal(t, apperr.SelectorNotMatching, apperr.KindOf(err))
}

func TestGenerator_Disabled(t *testing.T) {
	g := schema.NewGenerator(&pageFetcher{html: listingHTML}, nil)
	_, err := g.Generate(context.Background(), "https://venue.example/events")
	assert.Equal(t, apperr.SchemaGenerationFailed, apperr.KindOf(err))
}
