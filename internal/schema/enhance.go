package schema

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	appLog "socialcal/internal/log"
)

var (
	// BaseFallbacks are tried in order when the base selector matches
	// nothing.
	BaseFallbacks = []string{
		"article.event-card",
		"[data-event-id]",
		"[class*='event-card']",
		"[class*='event-listing']",
		"div:has(h3):has(.event-date)",
		"div:has(h3):has(time)",
	}

	// TitleFallbacks are tried in order when the title selector matches
	// nothing inside the containers.
	TitleFallbacks = []string{"h3", "h2", "h4", ".title", "[class*='title']", "[class*='event-name']"}

	promoPhrases = []string{"almost full", "going fast", "sales end soon", "save", "share", "popular", "selling fast"}

	monthRe   = regexp.MustCompile(`(?i)\b(jan(uary)?|feb(ruary)?|mar(ch)?|apr(il)?|may|june?|july?|aug(ust)?|sep(t|tember)?|oct(ober)?|nov(ember)?|dec(ember)?)\.?\s*\d{1,2}\b|\b\d{1,2}(st|nd|rd|th)?\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)`)
	timeRe    = regexp.MustCompile(`(?i)\b\d{1,2}:\d{2}\b|\b\d{1,2}\s*[ap]\.?m\b`)
	numDateRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}(/\d{2,4})?\b`)
	classRe   = regexp.MustCompile(`^-?[_a-zA-Z][_a-zA-Z0-9-]*$`)
)

const (
	sampleContainers = 5
	maxDateTextLen   = 120
)

// IsPromotional reports whether text is a sales banner rather than event
// data.
func IsPromotional(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range promoPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// DateLike reports whether text carries a month-day, numeric date or clock
// time.
func DateLike(text string) bool {
	return monthRe.MatchString(text) || timeRe.MatchString(text) || numDateRe.MatchString(text)
}

// Report describes what Enhance changed.
type Report struct {
	// BaseFound is false when neither the base selector nor any fallback
	// matched.
	BaseFound     bool     `json:"base_found"`
	Containers    int      `json:"containers"`
	BaseReplaced  bool     `json:"base_replaced,omitempty"`
	TitleReplaced bool     `json:"title_replaced,omitempty"`
	DateReplaced  bool     `json:"date_replaced,omitempty"`
	Defaulted     []string `json:"defaulted,omitempty"`
	Missing       []string `json:"missing,omitempty"`
}

// Enhance checks a schema against the page it was generated for and repairs
// it: a base selector that matches, a title that matches inside the
// containers, a date selector that is not promotional text and defaults for
// the link and image fields.
func Enhance(doc *goquery.Document, in Schema) (Schema, Report) {
	s := in.Normalize()
	var rep Report

	containers := findBase(doc, &s, &rep)
	sample := containers
	if sample.Length() > sampleContainers {
		sample = sample.Slice(0, sampleContainers)
	}

	fixTitle(sample, &s, &rep)
	fixDate(sample, &s, &rep)

	if _, ok := s.Field(FieldURL); !ok {
		s.Set(Field{Name: FieldURL, Selector: "a", Attribute: "href"})
		rep.Defaulted = append(rep.Defaulted, FieldURL)
	}
	if _, ok := s.Field(FieldImageURL); !ok {
		s.Set(Field{Name: FieldImageURL, Selector: "img", Attribute: "src"})
		rep.Defaulted = append(rep.Defaulted, FieldImageURL)
	}

	s = s.Normalize()
	rep.Missing = s.Missing()
	appLog.Debug("schema enhanced",
		"base", s.BaseSelector, "containers", rep.Containers,
		"base_replaced", rep.BaseReplaced, "title_replaced", rep.TitleReplaced,
		"date_replaced", rep.DateReplaced, "missing", strings.Join(rep.Missing, ","))
	return s, rep
}

func findBase(doc *goquery.Document, s *Schema, rep *Report) *goquery.Selection {
	if s.BaseSelector != "" {
		if sel := doc.Find(s.BaseSelector); sel.Length() > 0 {
			rep.BaseFound = true
			rep.Containers = sel.Length()
			return sel
		}
	}
	for _, fb := range BaseFallbacks {
		if sel := doc.Find(fb); sel.Length() > 0 {
			appLog.Info("schema base selector replaced", "from", s.BaseSelector, "to", fb)
			s.BaseSelector = fb
			rep.BaseFound = true
			rep.BaseReplaced = true
			rep.Containers = sel.Length()
			return sel
		}
	}
	// Without containers the field checks run against the whole page.
	return doc.Selection
}

func fixTitle(sample *goquery.Selection, s *Schema, rep *Report) {
	if f, ok := s.Field(FieldTitle); ok && matchesText(sample, f.Selector) {
		return
	}
	for _, fb := range TitleFallbacks {
		if matchesText(sample, fb) {
			s.Set(Field{Name: FieldTitle, Selector: fb})
			rep.TitleReplaced = true
			return
		}
	}
}

// matchesText reports whether sel yields non-empty text in any container.
func matchesText(sample *goquery.Selection, sel string) bool {
	found := false
	sample.EachWithBreak(func(_ int, c *goquery.Selection) bool {
		c.Find(sel).EachWithBreak(func(_ int, m *goquery.Selection) bool {
			found = strings.TrimSpace(m.Text()) != ""
			return !found
		})
		return !found
	})
	return found
}

func fixDate(sample *goquery.Selection, s *Schema, rep *Report) {
	if f, ok := s.Field(FieldDate); ok && f.Attribute == "" && dateSelectorOK(sample, f.Selector) {
		return
	}

	title := ""
	if f, ok := s.Field(FieldTitle); ok {
		title = strings.TrimSpace(sample.First().Find(f.Selector).First().Text())
	}

	var tried []string
	replaced := false
	sample.EachWithBreak(func(_ int, c *goquery.Selection) bool {
		for _, cand := range dateCandidates(c, title) {
			if slices.Contains(tried, cand) {
				continue
			}
			tried = append(tried, cand)
			if dateSelectorOK(sample, cand) {
				s.Set(Field{Name: FieldDate, Selector: cand})
				replaced = true
				return false
			}
		}
		return true
	})
	if replaced {
		f, _ := s.Field(FieldDate)
		appLog.Info("schema date selector re-derived", "selector", f.Selector)
		rep.DateReplaced = true
	}
}

// dateSelectorOK requires the first match in each container to be free of
// promotional text, and at least one of them to look like a date or time.
func dateSelectorOK(sample *goquery.Selection, sel string) bool {
	good, bad := false, false
	sample.EachWithBreak(func(_ int, c *goquery.Selection) bool {
		text := strings.TrimSpace(c.Find(sel).First().Text())
		if text == "" {
			return true
		}
		if IsPromotional(text) {
			bad = true
			return false
		}
		if DateLike(text) {
			good = true
		}
		return true
	})
	return good && !bad
}

// dateCandidates lists selectors, relative to c, for the innermost elements
// whose text looks like a date or time.
func dateCandidates(c *goquery.Selection, title string) []string {
	var out []string
	c.Find("*").Each(func(_ int, el *goquery.Selection) {
		if !dateText(el.Text(), title) {
			return
		}
		deeper := false
		el.Children().EachWithBreak(func(_ int, child *goquery.Selection) bool {
			deeper = dateText(child.Text(), title)
			return !deeper
		})
		if deeper {
			return
		}
		out = append(out, simpleSelector(el), pathSelector(c, el))
	})
	return out
}

func dateText(text, title string) bool {
	text = strings.TrimSpace(text)
	if text == "" || len(text) > maxDateTextLen || IsPromotional(text) {
		return false
	}
	if title != "" && strings.Contains(text, title) {
		return false
	}
	return DateLike(text)
}

func simpleSelector(el *goquery.Selection) string {
	tag := goquery.NodeName(el)
	classes := validClasses(el)
	if len(classes) == 0 {
		return tag
	}
	return tag + "." + strings.Join(classes, ".")
}

// pathSelector builds a child-combinator path from c down to el.
func pathSelector(c, el *goquery.Selection) string {
	var steps []string
	root := c.Get(0)
	for cur := el; cur.Length() > 0 && cur.Get(0) != root; cur = cur.Parent() {
		tag := goquery.NodeName(cur)
		step := tag
		if classes := validClasses(cur); len(classes) > 0 {
			step += "." + strings.Join(classes, ".")
		} else {
			step += ":nth-of-type(" + strconv.Itoa(cur.PrevAllFiltered(tag).Length()+1) + ")"
		}
		steps = append(steps, step)
	}
	slices.Reverse(steps)
	return strings.Join(steps, " > ")
}

func validClasses(el *goquery.Selection) []string {
	var out []string
	for _, cls := range strings.Fields(el.AttrOr("class", "")) {
		if classRe.MatchString(cls) {
			out = append(out, cls)
		}
	}
	return out
}
