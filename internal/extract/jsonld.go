package extract

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"socialcal/internal/apperr"
	"socialcal/internal/fetch"
	appLog "socialcal/internal/log"
	"socialcal/internal/model"
)

// Source identifies what a dedicated extractor should read.
type Source struct {
	URL string
	// Recipe is the SimpleScraper recipe id; other extractors ignore it.
	Recipe string
}

// Extractor is a dedicated, schema-free source of records.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, src Source) ([]model.ScrapedRecord, error)
}

// JSONLDExtractor reads schema.org Event objects embedded in
// <script type="application/ld+json"> blocks.
type JSONLDExtractor struct {
	fetcher fetch.Fetcher
	loc     *time.Location
}

func NewJSONLDExtractor(f fetch.Fetcher, loc *time.Location) *JSONLDExtractor {
	if loc == nil {
		loc = time.UTC
	}
	return &JSONLDExtractor{fetcher: f, loc: loc}
}

func (x *JSONLDExtractor) Name() string { return "jsonld" }

func (x *JSONLDExtractor) Extract(ctx context.Context, src Source) ([]model.ScrapedRecord, error) {
	res := x.fetcher.Fetch(ctx, src.URL, fetch.DefaultOptions())
	if !res.OK {
		return nil, res.Error()
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.HTML))
	if err != nil {
		return nil, apperr.Wrap(apperr.FetchFailed, err, "parse page HTML")
	}
	base := res.FinalURL
	if base == "" {
		base = src.URL
	}
	records := ParseJSONLD(doc, base, x.loc)
	if len(records) == 0 {
		return nil, apperr.New(apperr.NoEventsFound, "no schema.org events found on the page")
	}
	return records, nil
}

// ParseJSONLD returns one record per schema.org Event on the page. Times
// without an offset are read in loc.
func ParseJSONLD(doc *goquery.Document, baseURL string, loc *time.Location) []model.ScrapedRecord {
	var out []model.ScrapedRecord
	seen := make(map[string]bool)

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		var data any
		if err := json.Unmarshal([]byte(text), &data); err != nil {
			appLog.Debug("jsonld block skipped", "err", err.Error())
			return
		}
		for _, obj := range flattenLD(data) {
			if !isEventType(obj["@type"]) {
				continue
			}
			rec, ok := ldRecord(obj, baseURL, loc)
			if !ok {
				continue
			}
			key := rec.URL + "|" + rec.Title + "|" + rec.Date
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, rec)
		}
	})
	return out
}

// flattenLD unwraps arrays, @graph containers and ItemList elements.
func flattenLD(v any) []map[string]any {
	var out []map[string]any
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			out = append(out, flattenLD(item)...)
		}
	case map[string]any:
		if graph, ok := t["@graph"]; ok {
			out = append(out, flattenLD(graph)...)
		}
		if items, ok := t["itemListElement"]; ok {
			out = append(out, flattenLD(items)...)
		}
		if item, ok := t["item"].(map[string]any); ok {
			out = append(out, item)
		}
		out = append(out, t)
	}
	return out
}

func isEventType(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.HasSuffix(t, "Event")
	case []any:
		for _, item := range t {
			if isEventType(item) {
				return true
			}
		}
	}
	return false
}

func ldRecord(obj map[string]any, baseURL string, loc *time.Location) (model.ScrapedRecord, bool) {
	rec := model.ScrapedRecord{
		Title:       ldString(obj["name"]),
		Description: ldString(obj["description"]),
		URL:         TransformURL(ldString(obj["url"]), baseURL),
		ImageURL:    TransformURL(ldImage(obj["image"]), baseURL),
	}
	startRaw := ldString(obj["startDate"])
	if rec.Title == "" || startRaw == "" {
		return rec, false
	}

	start, dateOnly, ok := parseLDTime(startRaw, loc)
	if !ok {
		// Leave the free-text date to the normalizer.
		rec.Date = startRaw
	} else {
		rec.Date = start.Format("January 2, 2006")
		if dateOnly {
			rec.StartTime = "All Day"
			rec.AllDay = true
		} else {
			rec.StartTime = start.Format("3:04 PM")
			rec.Start = &start
			if end, endDateOnly, ok := parseLDTime(ldString(obj["endDate"]), loc); ok && !endDateOnly && end.After(start) {
				rec.EndTime = end.Format("3:04 PM")
				rec.End = &end
			}
		}
	}

	venue, line := ldPlace(obj["location"])
	rec.Location = line
	rec.Venue = venue
	return rec, true
}

var ldLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04Z07:00",
}

var ldLocalLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

func parseLDTime(s string, loc *time.Location) (time.Time, bool, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, false
	}
	for _, layout := range ldLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.In(loc), false, true
		}
	}
	for _, layout := range ldLocalLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, false, true
		}
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, true, true
	}
	return time.Time{}, false, false
}

func ldString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		if len(t) > 0 {
			return ldString(t[0])
		}
	case map[string]any:
		if s := ldString(t["@value"]); s != "" {
			return s
		}
		return ldString(t["name"])
	}
	return ""
}

func ldImage(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		for _, item := range t {
			if s := ldImage(item); s != "" {
				return s
			}
		}
	case map[string]any:
		if s := ldString(t["url"]); s != "" {
			return s
		}
		return ldString(t["contentUrl"])
	}
	return ""
}

// ldPlace reads a Place (or a list of them, or a bare string).
func ldPlace(v any) (*model.Venue, string) {
	switch t := v.(type) {
	case string:
		return nil, strings.TrimSpace(t)
	case []any:
		if len(t) > 0 {
			return ldPlace(t[0])
		}
	case map[string]any:
		venue := model.Venue{VenueName: ldString(t["name"])}
		switch addr := t["address"].(type) {
		case string:
			venue.VenueAddress = strings.TrimSpace(addr)
		case map[string]any:
			venue.VenueAddress = ldString(addr["streetAddress"])
			venue.VenueCity = ldString(addr["addressLocality"])
			venue.VenueState = ldString(addr["addressRegion"])
			venue.VenuePostal = ldString(addr["postalCode"])
			venue.VenueCountry = ldString(addr["addressCountry"])
		}
		if venue == (model.Venue{}) {
			return nil, ""
		}
		return &venue, venue.Location()
	}
	return nil, ""
}
