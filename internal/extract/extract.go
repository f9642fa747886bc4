// Package extract applies selector schemas to listing pages and hosts the
// dedicated extractors (JSON-LD, Firecrawl, SimpleScraper).
package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"socialcal/internal/model"
	"socialcal/internal/schema"
	"socialcal/internal/timeparse"
)

// lazyImageField is injected when a schema reads no data-src attribute.
var lazyImageField = schema.Field{
	Name:      schema.FieldDataImageURL,
	Selector:  "img[data-src]",
	Attribute: "data-src",
	Type:      schema.TypeAttribute,
}

var (
	backgroundURLRe = regexp.MustCompile(`url\(\s*['"]?([^'")]+)['"]?\s*\)`)
	lazyAttrs       = []string{"data-src", "data-lazy-src", "data-original"}
)

// ExtractRecords cuts doc into records using s. With a base selector every
// container yields one record; without one the n-th match of each field
// forms the n-th record. URLs are made absolute against baseURL, data: URIs
// are dropped and records sharing a URL collapse to the first.
func ExtractRecords(doc *goquery.Document, s schema.Schema, baseURL string) []model.ScrapedRecord {
	s = withLazyImage(s.Normalize())

	var raw []map[string]string
	if s.BaseSelector != "" {
		doc.Find(s.BaseSelector).Each(func(_ int, c *goquery.Selection) {
			raw = append(raw, readContainer(c, s.Fields))
		})
	} else {
		raw = readZipped(doc.Selection, s.Fields)
	}

	seen := make(map[string]bool)
	out := make([]model.ScrapedRecord, 0, len(raw))
	for _, values := range raw {
		rec, ok := toRecord(values, baseURL)
		if !ok {
			continue
		}
		if rec.URL != "" {
			key := canonicalURL(rec.URL)
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, rec)
	}
	return out
}

func withLazyImage(s schema.Schema) schema.Schema {
	for _, f := range s.Fields {
		if f.Attribute == "data-src" {
			return s
		}
	}
	s.Fields = append(s.Fields, lazyImageField)
	return s
}

func readContainer(c *goquery.Selection, fields []schema.Field) map[string]string {
	values := make(map[string]string, len(fields))
	for _, f := range fields {
		if v := readField(c.Find(f.Selector).First(), f); v != "" {
			values[f.Name] = v
		}
	}
	return values
}

func readZipped(root *goquery.Selection, fields []schema.Field) []map[string]string {
	var out []map[string]string
	for _, f := range fields {
		root.Find(f.Selector).Each(func(i int, m *goquery.Selection) {
			for len(out) <= i {
				out = append(out, map[string]string{})
			}
			if v := readField(m, f); v != "" {
				out[i][f.Name] = v
			}
		})
	}
	return out
}

func readField(sel *goquery.Selection, f schema.Field) string {
	if sel.Length() == 0 {
		return ""
	}
	if f.Attribute == "" {
		return timeparse.CollapseSpace(sel.Text())
	}
	v := strings.TrimSpace(sel.AttrOr(f.Attribute, ""))
	switch {
	case f.Attribute == "style":
		if m := backgroundURLRe.FindStringSubmatch(v); m != nil {
			return strings.TrimSpace(m[1])
		}
		return ""
	case f.Attribute == "src" && (v == "" || isDataURI(v)):
		// Lazy loaders park a placeholder in src.
		for _, attr := range lazyAttrs {
			if lazy := strings.TrimSpace(sel.AttrOr(attr, "")); lazy != "" {
				return lazy
			}
		}
	}
	return v
}

func toRecord(v map[string]string, baseURL string) (model.ScrapedRecord, bool) {
	rec := model.ScrapedRecord{
		Title:       v[schema.FieldTitle],
		Date:        v[schema.FieldDate],
		StartTime:   v[schema.FieldStartTime],
		EndTime:     v[schema.FieldEndTime],
		Location:    v[schema.FieldLocation],
		Description: v[schema.FieldDescription],
		URL:         TransformURL(v[schema.FieldURL], baseURL),
		ImageURL:    TransformURL(v[schema.FieldImageURL], baseURL),
	}
	if rec.ImageURL == "" {
		rec.ImageURL = TransformURL(v[schema.FieldDataImageURL], baseURL)
	}
	if rec.Title == "" && rec.Date == "" && rec.URL == "" {
		return rec, false
	}
	if rec.StartTime == "" && rec.Date != "" {
		if date, start, end, ok := timeparse.ExtractDateTime(rec.Date); ok && start != "" {
			rec.Date, rec.StartTime = date, start
			if rec.EndTime == "" {
				rec.EndTime = end
			}
		}
	}
	return rec, true
}

// TransformURL makes raw absolute against base. Empty input, data: URIs and
// non-web schemes yield "".
func TransformURL(raw, base string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || isDataURI(raw) {
		return ""
	}
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return raw
	case strings.HasPrefix(lower, "javascript:"), strings.HasPrefix(lower, "mailto:"),
		strings.HasPrefix(lower, "tel:"), raw == "#":
		return ""
	}

	b, err := url.Parse(base)
	if err != nil || b.Scheme == "" || b.Host == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(raw, "//"):
		return b.Scheme + ":" + raw
	case strings.HasPrefix(raw, "/"):
		return b.Scheme + "://" + b.Host + raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return b.ResolveReference(ref).String()
}

func isDataURI(s string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "data:")
}

// canonicalURL drops the fragment and a trailing slash for deduplication.
func canonicalURL(u string) string {
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u = u[:i]
	}
	return strings.TrimSuffix(strings.ToLower(u), "/")
}

// Diagnose counts how many nodes each selector matches on the whole page.
func Diagnose(doc *goquery.Document, s schema.Schema) map[string]int {
	out := make(map[string]int, len(s.Fields)+1)
	if s.BaseSelector != "" {
		out["base_selector"] = doc.Find(s.BaseSelector).Length()
	}
	for _, f := range s.Fields {
		out[f.Name] = doc.Find(f.Selector).Length()
	}
	return out
}
