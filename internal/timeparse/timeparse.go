// Package timeparse turns the free-text date and time strings found on event
// listing pages into concrete start and end instants in a configured zone.
package timeparse

import (
	"strconv"
	"strings"
	"time"

	"socialcal/internal/apperr"
)

// DefaultDuration is applied when a listing has no end time.
const DefaultDuration = 2 * time.Hour

// pastGrace is how far in the past a year-less date may be before it is
// assumed to refer to next year.
const pastGrace = 7 * 24 * time.Hour

// Date is a calendar day without a zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// Range is a resolved event interval.
type Range struct {
	Start  time.Time
	End    time.Time
	AllDay bool
}

type Parser struct {
	loc *time.Location
	now func() time.Time
}

type Option func(*Parser)

// WithClock replaces time.Now for year inference.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.now = now
		}
	}
}

// NewParser returns a parser producing instants in loc. A nil loc means UTC.
func NewParser(loc *time.Location, opts ...Option) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	p := &Parser{loc: loc, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Parser) Location() *time.Location { return p.loc }

var instantLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05-0700",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05-0700",
}

func parseInstant(s string) (time.Time, bool) {
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Parse resolves date, start and end strings into a Range.
//
// If start is empty and date carries time information ("March 15 at 8 PM"),
// the date string is split first. An "All Day" marker in either string
// yields 00:00-23:59 on the first date, ignoring any end. A missing end is
// start plus two hours, unless start itself is a range ("5pm - 11pm"). An
// end earlier than start is taken to be after midnight on the following day.
func (p *Parser) Parse(date, start, end string) (Range, error) {
	date = CollapseSpace(date)
	start = CollapseSpace(start)
	end = CollapseSpace(end)

	if date == "" {
		return Range{}, apperr.New(apperr.ParseDateFailed, "empty date")
	}

	// Already-resolved instants pass through unchanged so that re-parsing
	// our own output is idempotent.
	// A lone instant at local midnight is an all-day start.
	if st, ok := parseInstant(date); ok && start == "" {
		st = st.In(p.loc)
		if end == "" && isMidnight(st) {
			return Range{Start: st, End: endOfDay(st), AllDay: true}, nil
		}
		en := st.Add(DefaultDuration)
		if end != "" {
			if t, ok := parseInstant(end); ok {
				en = t.In(p.loc)
			}
		}
		if !en.After(st) {
			return Range{}, apperr.Newf(apperr.InvalidRange, "end %s is not after start %s", en.Format(time.RFC3339), st.Format(time.RFC3339))
		}
		return Range{Start: st, End: en, AllDay: isMidnight(st) && en.Equal(endOfDay(st))}, nil
	}

	allDay := IsAllDay(date) || IsAllDay(start)
	if start == "" && !allDay {
		if d, s, e, ok := ExtractDateTime(date); ok && (s != "" || hasTime(date)) {
			date, start = d, s
			if end == "" {
				end = e
			}
		}
	}

	d, err := p.ParseDate(date)
	if err != nil {
		return Range{}, err
	}

	if allDay {
		st := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, p.loc)
		return Range{Start: st, End: endOfDay(st), AllDay: true}, nil
	}

	if start == "" {
		return Range{}, apperr.Newf(apperr.ParseTimeFailed, "no start time for %q", date)
	}
	if end == "" {
		if s, e := findTimes(start); s != "" && e != "" {
			start, end = s, e
		}
	}
	sc, err := ParseClock(start)
	if err != nil {
		return Range{}, err
	}
	st := time.Date(d.Year, d.Month, d.Day, sc.Hour, sc.Minute, 0, 0, p.loc)

	if end == "" {
		return Range{Start: st, End: st.Add(DefaultDuration)}, nil
	}
	ec, err := ParseClock(end)
	if err != nil {
		return Range{}, err
	}
	en := time.Date(d.Year, d.Month, d.Day, ec.Hour, ec.Minute, 0, 0, p.loc)
	if en.Before(st) {
		en = en.AddDate(0, 0, 1)
	}
	if !en.After(st) {
		return Range{}, apperr.Newf(apperr.InvalidRange, "end %q is not after start %q", end, start)
	}
	return Range{Start: st, End: en}, nil
}

// FormatEventDatetime is Parse for callers that only need to know whether
// the strings resolved.
func (p *Parser) FormatEventDatetime(date, start, end string) (time.Time, time.Time, bool) {
	r, err := p.Parse(date, start, end)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return r.Start, r.End, true
}

// ParseDateTime parses a date and a single time string.
func (p *Parser) ParseDateTime(date, timeStr string) (Date, Clock, error) {
	d, err := p.ParseDate(date)
	if err != nil {
		return Date{}, Clock{}, err
	}
	c, err := ParseClock(timeStr)
	if err != nil {
		return Date{}, Clock{}, err
	}
	return d, c, nil
}

// ParseDate locates and validates a calendar date in s. Weekday prefixes,
// ordinal suffixes and parenthetical notes are ignored. A missing year is
// inferred from the parser clock: the current year, or next year when the
// date would otherwise lie more than a week in the past.
func (p *Parser) ParseDate(s string) (Date, error) {
	s = CollapseSpace(parentheticRe.ReplaceAllString(s, " "))
	s = weekdayRe.ReplaceAllString(s, "")
	if s == "" {
		return Date{}, apperr.New(apperr.ParseDateFailed, "empty date")
	}
	m, ok := findDate(s)
	if !ok {
		return Date{}, apperr.Newf(apperr.ParseDateFailed, "unrecognized date %q", s)
	}

	month, ok := parseMonth(m.groups[2])
	if !ok {
		return Date{}, apperr.Newf(apperr.ParseDateFailed, "invalid month in %q", s)
	}
	day, err := strconv.Atoi(m.groups[3])
	if err != nil || day < 1 || day > 31 {
		return Date{}, apperr.Newf(apperr.ParseDateFailed, "invalid day in %q", s)
	}

	year := 0
	if m.groups[1] != "" {
		year, _ = strconv.Atoi(m.groups[1])
		if len(m.groups[1]) == 2 {
			year += 2000
		}
	} else {
		year = p.inferYear(month, day)
	}

	if day > daysIn(month, year) {
		return Date{}, apperr.Newf(apperr.ParseDateFailed, "day %d out of range for %s %d", day, month, year)
	}
	return Date{Year: year, Month: month, Day: day}, nil
}

func (p *Parser) inferYear(month time.Month, day int) int {
	now := p.now().In(p.loc)
	year := now.Year()
	// Feb 29 in a non-leap year would normalize into March; clamp to the
	// last day of the month for the comparison.
	cmpDay := day
	if cmpDay > daysIn(month, year) {
		cmpDay = daysIn(month, year)
	}
	candidate := time.Date(year, month, cmpDay, 23, 59, 59, 0, p.loc)
	if candidate.Before(now.Add(-pastGrace)) {
		year++
	}
	return year
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

var monthNames = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

func parseMonth(s string) (time.Month, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 || n > 12 {
			return 0, false
		}
		return time.Month(n), true
	}
	if len(s) < 3 {
		return 0, false
	}
	m, ok := monthNames[s[:3]]
	return m, ok
}

// ParseClock parses a single time of day. Accepted forms include "8PM",
// "8 PM", "8:00PM", "6:30 p.m.", "20:00", "noon", "midnight" and prefixed
// variants such as "Show: 7:30PM".
func ParseClock(s string) (Clock, error) {
	raw := s
	s = strings.ToLower(CollapseSpace(s))
	switch s {
	case "":
		return Clock{}, apperr.New(apperr.ParseTimeFailed, "empty time")
	case "noon":
		return Clock{Hour: 12}, nil
	case "midnight":
		return Clock{}, nil
	}

	s = meridiemDotsRe.ReplaceAllStringFunc(s, func(m string) string {
		return m[:1] + "m"
	})

	if m := meridiemTimeRe.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		minute := 0
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		if h < 1 || h > 12 || minute > 59 {
			return Clock{}, apperr.Newf(apperr.ParseTimeFailed, "invalid time %q", raw)
		}
		if h == 12 {
			h = 0
		}
		if strings.ToLower(m[3]) == "p" {
			h += 12
		}
		return Clock{Hour: h, Minute: minute}, nil
	}

	if m := clockTimeRe.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if h > 23 || minute > 59 {
			return Clock{}, apperr.Newf(apperr.ParseTimeFailed, "invalid time %q", raw)
		}
		return Clock{Hour: h, Minute: minute}, nil
	}

	return Clock{}, apperr.Newf(apperr.ParseTimeFailed, "unrecognized time %q", raw)
}

func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 0, 0, t.Location())
}

// Format renders t in the layout used for persisted datetimes.
func Format(t time.Time) string {
	return t.Format("2006-01-02 15:04:05-0700")
}

// ExtractDateTime is the package-level ExtractDateTime, kept on Parser so
// callers holding a parser need no second import.
func (p *Parser) ExtractDateTime(s string) (date, start, end string, ok bool) {
	return ExtractDateTime(s)
}
