package timeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const monthPattern = `(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)`

// datePattern is one entry of the priority-ordered recognizer list.
type datePattern struct {
	name string
	re   *regexp.Regexp
	// submatch group index of each part; -1 means absent.
	year, month, day int
}

// datePatterns are tried most specific first. The first pattern that
// yields a date wins.
var datePatterns = []datePattern{
	{
		name: "iso",
		re:   regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})`),
		year: 1, month: 2, day: 3,
	},
	{
		name: "slash_year",
		re:   regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4}|\d{2})\b`),
		year: 3, month: 1, day: 2,
	},
	{
		name: "month_day",
		re:   regexp.MustCompile(`(?i)\b` + monthPattern + `\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b(?:,?\s*(\d{4})\b)?`),
		year: 3, month: 1, day: 2,
	},
	{
		name: "day_month",
		re:   regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?` + monthPattern + `\b\.?(?:,?\s*(\d{4})\b)?`),
		year: 3, month: 2, day: 1,
	},
	{
		name: "slash",
		re:   regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})\b`),
		year: -1, month: 1, day: 2,
	},
}

var (
	allDayRe       = regexp.MustCompile(`(?i)\ball[\s-]*day\b`)
	parentheticRe  = regexp.MustCompile(`\([^)]*\)`)
	spaceRe        = regexp.MustCompile(`\s+`)
	slashTripleRe  = regexp.MustCompile(`^\s*([A-Za-z]+)\s+/\s+(.+?)\s+/\s+(.+?)\s*$`)
	weekdayRe      = regexp.MustCompile(`(?i)^\s*(mon(?:day)?|tue(?:s(?:day)?)?|wed(?:nesday)?|thu(?:r(?:s(?:day)?)?)?|fri(?:day)?|sat(?:urday)?|sun(?:day)?)\b\.?,?\s*`)
	meridiemDotsRe = regexp.MustCompile(`(?i)\b([ap])\.\s?m\.?`)

	// meridiemTimeRe matches 12-hour clock times: 8PM, 8 pm, 7:30PM, 6:30 p.m.
	meridiemTimeRe = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?(?::\d{2})?\s*([ap])\.?\s?m\b\.?`)
	// clockTimeRe matches 24-hour times: 20:00, 7:05:00.
	clockTimeRe = regexp.MustCompile(`\b(\d{1,2}):(\d{2})(?::(\d{2}))?\b`)
	// sharedMeridiemRangeRe matches "8 - 10 PM" where both ends share AM/PM.
	sharedMeridiemRangeRe = regexp.MustCompile(`(?i)\b(\d{1,2}(?::\d{2})?)\s*(?:-|–|—|to|until)\s*(\d{1,2}(?::\d{2})?)\s*([ap])\.?\s?m\b\.?`)
	rangeSepRe            = regexp.MustCompile(`(?i)^\s*(?:-|–|—|to|until|thru|through)\s*`)
)

// CollapseSpace trims s and collapses runs of whitespace.
func CollapseSpace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// IsAllDay reports whether s carries the case-insensitive "All Day" marker.
func IsAllDay(s string) bool {
	return allDayRe.MatchString(s)
}

// NormalizeTime rewrites a free-form time into a canonical spelling:
// "6:30 p.m." -> "6:30 PM", "8pm" -> "8 PM", "Show: 7:30PM" -> "7:30 PM",
// "20:00:00" -> "20:00". Strings without a recognizable time come back with
// collapsed whitespace.
func NormalizeTime(s string) string {
	s = CollapseSpace(s)
	if s == "" {
		return ""
	}
	if IsAllDay(s) {
		return "All Day"
	}
	s = meridiemDotsRe.ReplaceAllStringFunc(s, func(m string) string {
		return strings.ToUpper(m[:1]) + "M"
	})
	if m := meridiemTimeRe.FindStringSubmatch(s); m != nil {
		mer := strings.ToUpper(m[3]) + "M"
		if m[2] != "" {
			return fmt.Sprintf("%s:%s %s", trimLeadingZero(m[1]), m[2], mer)
		}
		return fmt.Sprintf("%s %s", trimLeadingZero(m[1]), mer)
	}
	if m := clockTimeRe.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		return fmt.Sprintf("%02d:%s", h, m[2])
	}
	return s
}

func trimLeadingZero(s string) string {
	if len(s) > 1 && s[0] == '0' {
		return s[1:]
	}
	return s
}

// dateMatch is a located date inside a larger string.
type dateMatch struct {
	pattern    string
	start, end int
	text       string
	groups     []string
}

// findDate runs the priority-ordered recognizers against s and returns the
// first hit. Within one pattern the leftmost occurrence wins, so
// "SCALE 22x - March 6, 2025 - March 9, 2025" resolves to March 6.
func findDate(s string) (dateMatch, bool) {
	for _, p := range datePatterns {
		idx := p.re.FindStringSubmatchIndex(s)
		if idx == nil {
			continue
		}
		groups := make([]string, 4)
		pick := func(g int) string {
			if g < 0 || idx[2*g] < 0 {
				return ""
			}
			return s[idx[2*g]:idx[2*g+1]]
		}
		groups[1], groups[2], groups[3] = pick(p.year), pick(p.month), pick(p.day)
		return dateMatch{
			pattern: p.name,
			start:   idx[0],
			end:     idx[1],
			text:    strings.TrimSpace(s[idx[0]:idx[1]]),
			groups:  groups,
		}, true
	}
	return dateMatch{}, false
}

// findTimes locates a start and optional end time in s. The first time found
// is the start; an end is only taken when a range separator follows it.
func findTimes(s string) (start, end string) {
	if m := sharedMeridiemRangeRe.FindStringSubmatchIndex(s); m != nil {
		// Only use the shared form when the first operand has no own AM/PM,
		// otherwise the general scan below handles it.
		first := s[m[2]:m[3]]
		before := s[:m[0]]
		if !meridiemTimeRe.MatchString(before) {
			mer := strings.ToUpper(s[m[6]:m[7]]) + "M"
			return NormalizeTime(first + " " + mer), NormalizeTime(s[m[4]:m[5]] + " " + mer)
		}
	}

	locs := meridiemTimeRe.FindAllStringIndex(s, 2)
	if len(locs) == 0 {
		locs = clockTimeRe.FindAllStringIndex(s, 2)
	}
	if len(locs) == 0 {
		return "", ""
	}
	start = NormalizeTime(s[locs[0][0]:locs[0][1]])
	if len(locs) > 1 {
		between := s[locs[0][1]:locs[1][0]]
		if rangeSepRe.MatchString(between) && strings.TrimSpace(rangeSepRe.ReplaceAllString(between, "")) == "" {
			end = NormalizeTime(s[locs[1][0]:locs[1][1]])
		}
	}
	return start, end
}

// ExtractDateTime splits a combined listing string into its date, start time
// and end time parts. ok is false when no date can be located.
//
//	"March 15, 2025 at 8:00 PM - 10:00 PM" -> "March 15, 2025", "8:00 PM", "10:00 PM"
//	"Tuesday / March 4, 2025 / 6:30 p.m."  -> "March 4, 2025", "6:30 PM", ""
//	"Thu Mar 6 7:30 PM (Doors 7:00 PM)"    -> "Mar 6", "7:30 PM", ""
//	"March 6, 2025 - March 9, 2025 All Day" -> "March 6, 2025", "All Day", ""
func ExtractDateTime(s string) (date, start, end string, ok bool) {
	s = CollapseSpace(s)
	if s == "" {
		return "", "", "", false
	}

	if m := slashTripleRe.FindStringSubmatch(s); m != nil && weekdayRe.MatchString(m[1]) {
		if dm, found := findDate(m[2]); found {
			st, en := findTimes(m[3])
			if IsAllDay(m[3]) {
				st, en = "All Day", ""
			}
			return dm.text, st, en, true
		}
	}

	allDay := IsAllDay(s)
	cleaned := parentheticRe.ReplaceAllString(s, " ")
	cleaned = allDayRe.ReplaceAllString(cleaned, " ")
	cleaned = CollapseSpace(cleaned)

	dm, found := findDate(cleaned)
	if !found {
		return "", "", "", false
	}
	date = dm.text

	if allDay {
		return date, "All Day", "", true
	}

	// Times are searched after the date so that digits of the date itself
	// (and leading event names) are never read as a clock.
	rest := cleaned[dm.end:]
	if dm.pattern == "iso" {
		rest = strings.TrimPrefix(rest, "T")
	}
	start, end = findTimes(rest)
	return date, start, end, true
}

// hasTime reports whether s contains a recognizable clock time.
func hasTime(s string) bool {
	return meridiemTimeRe.MatchString(s) || clockTimeRe.MatchString(s)
}
