package ics

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// feedHrefPatterns mark an href as a likely calendar feed.
var feedHrefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\.ics$`),
	regexp.MustCompile(`(?i)ical=1`),
	regexp.MustCompile(`(?i)format=ical`),
	regexp.MustCompile(`(?i)/feed/`),
	regexp.MustCompile(`(?i)webcal://`),
	regexp.MustCompile(`(?i)calendar\.`),
	regexp.MustCompile(`(?i)events.*\?ical`),
}

// feedLinkKeywords mark an anchor as a feed link by its visible text.
var feedLinkKeywords = []string{"ical", "calendar feed", "subscribe", "export calendar"}

var feedLinkTypes = map[string]bool{
	"text/calendar":        true,
	"application/x-webcal": true,
}

var (
	nonFeedExtRe = regexp.MustCompile(`(?i)\.(css|js|png|jpe?g|gif|svg|webp)(\?|$)`)
	commentsRe   = regexp.MustCompile(`(?i)comments`)
	rssFeedRe    = regexp.MustCompile(`(?i)/feed/?(\?|$)|/feed/(rss|atom)`)
	icalHintRe   = regexp.MustCompile(`(?i)\.ics(\?|$)|ical`)
)

// LooksLikeFeed reports whether rawURL points directly at a feed rather than
// at a page that might link to one.
func LooksLikeFeed(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if strings.HasPrefix(lower, "webcal://") || strings.Contains(lower, "ical=1") {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.HasSuffix(lower, ".ics")
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".ics")
}

// NormalizeFeedURL resolves raw against base and rewrites webcal:// to
// https://. Unresolvable input is returned trimmed.
func NormalizeFeedURL(raw, base string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if !u.IsAbs() && base != "" {
		if b, berr := url.Parse(base); berr == nil {
			u = b.ResolveReference(u)
		}
	}
	if strings.EqualFold(u.Scheme, "webcal") {
		u.Scheme = "https"
	}
	return u.String()
}

// DiscoverFeedURLs collects candidate feed URLs from <a> and <link>
// elements of an HTML page. Order of first appearance is kept and
// duplicates are dropped.
func DiscoverFeedURLs(baseURL, html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	add := func(href string) {
		if href == "" || seen[href] {
			return
		}
		seen[href] = true
		out = append(out, href)
	}

	doc.Find("a[href], link[href]").Each(func(_ int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.AttrOr("href", ""))
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(strings.ToLower(raw), "javascript:") {
			return
		}
		href := NormalizeFeedURL(raw, baseURL)

		if goquery.NodeName(s) == "link" && feedLinkTypes[strings.ToLower(s.AttrOr("type", ""))] {
			add(href)
			return
		}

		for _, re := range feedHrefPatterns {
			if re.MatchString(raw) || re.MatchString(href) {
				add(href)
				return
			}
		}

		text := strings.ToLower(s.Text())
		for _, kw := range feedLinkKeywords {
			if strings.Contains(text, kw) {
				add(href)
				return
			}
		}
	})

	return out
}

// FilterCandidates drops URLs that match the discovery patterns but are
// obviously not calendars: stylesheets and assets, comment feeds and plain
// RSS/Atom feeds without an iCal hint.
func FilterCandidates(candidates []string) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		switch {
		case nonFeedExtRe.MatchString(c):
		case commentsRe.MatchString(c):
		case rssFeedRe.MatchString(c) && !icalHintRe.MatchString(c):
		default:
			out = append(out, c)
		}
	}
	return out
}
