package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"socialcal/internal/apperr"
	"socialcal/internal/llm"
	appLog "socialcal/internal/log"
	"socialcal/internal/model"
	"socialcal/internal/timeparse"
)

const (
	FirecrawlBaseURL     = "https://api.firecrawl.dev"
	SimpleScraperBaseURL = "https://api.simplescraper.io"

	apiTimeout     = 90 * time.Second
	maxPromptChars = 60_000
	maxAPIBody     = 8 << 20
)

// APIConfig configures the hosted extraction services.
type APIConfig struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (c APIConfig) withDefaults(base string) APIConfig {
	if c.BaseURL == "" {
		c.BaseURL = base
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Client == nil {
		c.Client = &http.Client{Timeout: apiTimeout}
	}
	return c
}

// postJSON sends body to url and decodes a 2xx JSON reply into out.
func postJSON(ctx context.Context, c APIConfig, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return apperr.Wrap(apperr.FetchFailed, err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.Wrap(apperr.Timeout, err, "request interrupted")
		}
		return apperr.Wrap(apperr.FetchFailed, err, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBody))
	if err != nil {
		return apperr.Wrap(apperr.FetchFailed, err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperr.Newf(apperr.HTTPStatus(resp.StatusCode), "POST %s: status %d", appLog.RedactURL(url), resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Wrap(apperr.FetchFailed, err, "decode response")
	}
	return nil
}

// FirecrawlExtractor renders a page to markdown with Firecrawl and asks an
// LLM (Groq) to pull the events out of it.
type FirecrawlExtractor struct {
	cfg      APIConfig
	provider llm.Provider
}

func NewFirecrawlExtractor(cfg APIConfig, p llm.Provider) *FirecrawlExtractor {
	return &FirecrawlExtractor{cfg: cfg.withDefaults(FirecrawlBaseURL), provider: p}
}

func (x *FirecrawlExtractor) Name() string { return "firecrawl" }

var firecrawlFields = []string{
	"event_title", "event_date", "event_time", "event_venue", "event_address",
	"event_city", "event_state", "event_zip", "event_country",
	"event_description", "event_url", "event_image_url",
}

const firecrawlSystem = "You are an expert at extracting event information from web pages. " +
	`Reply with a JSON object {"events": [...]} and nothing else.`

func (x *FirecrawlExtractor) Extract(ctx context.Context, src Source) ([]model.ScrapedRecord, error) {
	var scraped struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Data    struct {
			Markdown string `json:"markdown"`
		} `json:"data"`
	}
	err := postJSON(ctx, x.cfg, x.cfg.BaseURL+"/v1/scrape", map[string]any{
		"url":     src.URL,
		"formats": []string{"markdown"},
	}, &scraped)
	if err != nil {
		return nil, err
	}
	if !scraped.Success || strings.TrimSpace(scraped.Data.Markdown) == "" {
		return nil, apperr.Newf(apperr.FetchFailed, "firecrawl returned no content: %s", scraped.Error)
	}

	markdown := scraped.Data.Markdown
	if len(markdown) > maxPromptChars {
		markdown = markdown[:maxPromptChars]
	}
	user := fmt.Sprintf("Extract every event from this page. For each event, extract these fields: %s\n\nPage content:\n\n%s",
		strings.Join(firecrawlFields, ", "), markdown)

	reply, err := x.provider.Complete(ctx, firecrawlSystem, user)
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(reply)
	if err != nil {
		return nil, err
	}

	out := make([]model.ScrapedRecord, 0, len(items))
	for _, item := range items {
		if rec, ok := firecrawlRecord(item, src.URL); ok {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, apperr.New(apperr.NoEventsFound, "no events found in the page content")
	}
	appLog.Info("firecrawl extraction completed", "url", appLog.RedactURL(src.URL), "records", len(out))
	return out, nil
}

// decodeItems accepts {"events": [...]} or a bare array.
func decodeItems(reply string) ([]map[string]any, error) {
	raw, ok := llm.ExtractJSON(reply)
	if !ok {
		return nil, apperr.New(apperr.UpstreamLLMError, "model reply contains no JSON")
	}
	var wrapped struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err == nil && wrapped.Events != nil {
		return wrapped.Events, nil
	}
	var list []map[string]any
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamLLMError, err, "model reply is not an event list")
	}
	return list, nil
}

func firecrawlRecord(item map[string]any, base string) (model.ScrapedRecord, bool) {
	get := func(k string) string { return ldString(item[k]) }
	rec := model.ScrapedRecord{
		Title:       get("event_title"),
		Description: get("event_description"),
		URL:         TransformURL(get("event_url"), base),
		ImageURL:    TransformURL(get("event_image_url"), base),
	}
	if rec.Title == "" {
		return rec, false
	}
	splitDateTime(&rec, get("event_date"), get("event_time"))

	venue := model.Venue{
		VenueName:    get("event_venue"),
		VenueAddress: get("event_address"),
		VenueCity:    get("event_city"),
		VenueState:   get("event_state"),
		VenuePostal:  get("event_zip"),
		VenueCountry: get("event_country"),
	}
	if venue != (model.Venue{}) {
		rec.Venue = &venue
		rec.Location = venue.Location()
	}
	return rec, true
}

// splitDateTime fills the date and time fields from a date string and a
// possibly ranged time string.
func splitDateTime(rec *model.ScrapedRecord, date, clock string) {
	rec.Date = date
	rec.StartTime = clock
	if date == "" {
		return
	}
	if d, start, end, ok := timeparse.ExtractDateTime(strings.TrimSpace(date + " " + clock)); ok {
		rec.Date = d
		rec.StartTime = start
		rec.EndTime = end
	}
}

// SimpleScraperExtractor runs a SimpleScraper recipe against the source
// URL synchronously.
type SimpleScraperExtractor struct {
	cfg APIConfig
}

func NewSimpleScraperExtractor(cfg APIConfig) *SimpleScraperExtractor {
	return &SimpleScraperExtractor{cfg: cfg.withDefaults(SimpleScraperBaseURL)}
}

func (x *SimpleScraperExtractor) Name() string { return "simplescraper" }

func (x *SimpleScraperExtractor) Extract(ctx context.Context, src Source) ([]model.ScrapedRecord, error) {
	if src.Recipe == "" {
		return nil, apperr.New(apperr.MissingRequiredField, "a SimpleScraper recipe id is required")
	}
	var run struct {
		Data []map[string]any `json:"data"`
	}
	url := x.cfg.BaseURL + "/v1/recipes/" + src.Recipe + "/run"
	err := postJSON(ctx, x.cfg, url, map[string]any{
		"sourceUrl": src.URL,
		"runAsync":  false,
	}, &run)
	if err != nil {
		return nil, err
	}

	out := make([]model.ScrapedRecord, 0, len(run.Data))
	for _, item := range run.Data {
		if rec, ok := recipeRecord(item, src.URL); ok {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, apperr.New(apperr.NoEventsFound, "the recipe returned no events")
	}
	return out, nil
}

var recipeKeys = map[string][]string{
	"title":       {"title", "name", "event_title", "event_name"},
	"date":        {"date", "event_date", "when", "datetime"},
	"time":        {"time", "start_time", "event_time"},
	"end_time":    {"end_time"},
	"location":    {"location", "venue", "event_venue", "place"},
	"description": {"description", "summary", "event_description"},
	"url":         {"url", "link", "event_url", "event_link"},
	"image":       {"image", "image_url", "event_image", "img"},
}

// recipeRecord maps user-named recipe properties onto a record.
func recipeRecord(item map[string]any, base string) (model.ScrapedRecord, bool) {
	norm := make(map[string]string, len(item))
	for k, v := range item {
		key := strings.ToLower(strings.TrimSpace(k))
		key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
		norm[key] = ldString(v)
	}
	get := func(field string) string {
		for _, k := range recipeKeys[field] {
			if v := norm[k]; v != "" {
				return v
			}
		}
		return ""
	}

	rec := model.ScrapedRecord{
		Title:       get("title"),
		Location:    get("location"),
		Description: get("description"),
		URL:         TransformURL(get("url"), base),
		ImageURL:    TransformURL(get("image"), base),
	}
	if rec.Title == "" {
		return rec, false
	}
	splitDateTime(&rec, get("date"), get("time"))
	if e := get("end_time"); e != "" {
		rec.EndTime = e
	}
	return rec, true
}
