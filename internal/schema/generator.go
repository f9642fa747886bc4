package schema

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"socialcal/internal/apperr"
	"socialcal/internal/fetch"
	"socialcal/internal/llm"
	appLog "socialcal/internal/log"
	"socialcal/internal/retry"
)

// SchemaGenerator produces a selector schema from page HTML.
type SchemaGenerator interface {
	GenerateSchema(ctx context.Context, html, query string) (Schema, error)
}

const (
	// generateRetries follows the first call.
	generateRetries = 3
	generateStep    = 5 * time.Second
	// maxPromptHTML bounds the HTML sent to the model, in bytes.
	maxPromptHTML = 120_000
)

// DefaultQuery is the instruction sent with every page.
const DefaultQuery = `You are an expert web scraper. Build a CSS selector schema that extracts EVERY event listed on the page.

First find the repeating container element that holds one event, then the elements inside it that hold each detail.

Return ONLY a JSON object of this shape:
{
  "base_selector": ".event-list .event-item",
  "title": ".title",
  "date": ".date",
  "start_time": ".start-time",
  "end_time": ".end-time",
  "location": ".venue",
  "description": ".summary",
  "url": {"selector": "a.event-link", "attribute": "href"},
  "image_url": {"selector": "img", "attribute": "src"}
}

Rules:
- Field selectors are relative to base_selector.
- For links and images select the attribute (href, src), not the element text.
- Many sites lazy-load images: prefer "data-src" when "src" is a placeholder.
- Background images may be read from the "style" attribute.
- If date and time share one element, put it in "date" and omit "start_time".
- Never select promotional banners such as "Almost full" or "Sales end soon" as the date.`

// LLMGenerator asks a Provider for a schema.
type LLMGenerator struct {
	provider llm.Provider
	retry    retry.Config
}

// DefaultRetry retries upstream failures three times after the first call,
// waiting 5s × attempt in between.
func DefaultRetry() retry.Config {
	return retry.Config{
		MaxAttempts: generateRetries + 1,
		Delay:       retry.Linear(generateStep),
		MaxDelay:    generateRetries * generateStep,
		IsRetryable: func(err error) bool { return apperr.Is(err, apperr.UpstreamLLMError) },
	}
}

// NewLLMGenerator uses DefaultRetry.
func NewLLMGenerator(p llm.Provider) *LLMGenerator {
	return &LLMGenerator{provider: p, retry: DefaultRetry()}
}

// WithRetry replaces the retry policy.
func (g *LLMGenerator) WithRetry(cfg retry.Config) *LLMGenerator {
	g.retry = cfg
	return g
}

func (g *LLMGenerator) GenerateSchema(ctx context.Context, html, query string) (Schema, error) {
	if strings.TrimSpace(html) == "" {
		return Schema{}, apperr.New(apperr.SchemaGenerationFailed, "no HTML to generate a schema from")
	}
	if query == "" {
		query = DefaultQuery
	}
	user := "HTML:\n" + html

	var out Schema
	err := retry.Retry(ctx, g.retry, func() error {
		reply, err := g.provider.Complete(ctx, query, user)
		if err != nil {
			return err
		}
		raw, ok := llm.ExtractJSON(reply)
		if !ok {
			return apperr.New(apperr.UpstreamLLMError, "model reply contains no JSON object")
		}
		s, err := ParseSchema([]byte(raw))
		if err != nil {
			return apperr.Wrap(apperr.UpstreamLLMError, err, "model reply is not a selector schema")
		}
		out = s
		return nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrContextCancelled) {
			return Schema{}, apperr.Wrap(apperr.Cancelled, err, "schema generation interrupted")
		}
		if apperr.KindOf(err) == apperr.Internal {
			return Schema{}, apperr.Wrap(apperr.SchemaGenerationFailed, err, "schema generation failed")
		}
		return Schema{}, err
	}
	appLog.Info("schema generated", "provider", g.provider.Name(), "fields", len(out.Fields), "base", out.BaseSelector)
	return out, nil
}

// Generator fetches a listing page, asks a SchemaGenerator for a schema and
// enhances the result against the same page.
type Generator struct {
	fetcher fetch.Fetcher
	gen     SchemaGenerator
	opts    fetch.Options
	query   string
}

func NewGenerator(f fetch.Fetcher, gen SchemaGenerator) *Generator {
	opts := fetch.DefaultOptions()
	opts.Stealth = true
	return &Generator{fetcher: f, gen: gen, opts: opts, query: DefaultQuery}
}

// Result is a generated schema plus the enhancement report.
type Result struct {
	Schema Schema
	Report Report
}

// Generate produces an enhanced schema for url. A schema whose containers
// cannot be located even after the fallbacks fails with
// selector_not_matching.
func (g *Generator) Generate(ctx context.Context, url string) (Result, error) {
	if g.gen == nil {
		return Result{}, apperr.New(apperr.SchemaGenerationFailed, "no LLM provider is configured")
	}

	res := g.fetcher.Fetch(ctx, url, g.opts)
	if !res.OK {
		return Result{}, res.Error()
	}
	if strings.TrimSpace(res.HTML) == "" {
		return Result{}, apperr.New(apperr.SchemaGenerationFailed, "page returned no HTML")
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.HTML))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.SchemaGenerationFailed, err, "parse page HTML")
	}

	s, err := g.gen.GenerateSchema(ctx, PromptHTML(doc), g.query)
	if err != nil {
		return Result{}, err
	}

	enhanced, rep := Enhance(doc, s)
	if !rep.BaseFound {
		return Result{Schema: enhanced, Report: rep}, apperr.Newf(apperr.SelectorNotMatching,
			"no event containers found for base selector %q", s.BaseSelector)
	}
	return Result{Schema: enhanced, Report: rep}, nil
}

// PromptHTML returns the page body without scripts, styles and inline SVG,
// truncated to a size the model accepts.
func PromptHTML(doc *goquery.Document) string {
	clone := goquery.CloneDocument(doc)
	clone.Find("script, style, noscript, svg, iframe, link, meta").Remove()
	html, err := clone.Find("body").Html()
	if err != nil || strings.TrimSpace(html) == "" {
		html, _ = clone.Html()
	}
	if len(html) > maxPromptHTML {
		html = html[:maxPromptHTML]
	}
	return html
}
