package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"socialcal/internal/apperr"
	appLog "socialcal/internal/log"
	"socialcal/internal/model"
)

// ParsedEvent is the normalized representation of a VEVENT. Recurrence
// expansion operates on this type.
type ParsedEvent struct {
	UID string
	Seq int

	Summary     string
	Description string
	Location    string
	URL         string
	ImageURL    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID, if this VEVENT overrides one instance
	IsOverride bool
}

// ParseFeed parses an iCalendar payload. Floating (zone-less) times are
// interpreted in loc. VEVENTs without a usable DTSTART are skipped.
func ParseFeed(body []byte, loc *time.Location) ([]ParsedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, apperr.New(apperr.NoCalendarFound, "empty calendar body")
	}
	if !bytes.Contains(bytes.ToUpper(body[:min(len(body), 1024)]), []byte("BEGIN:VCALENDAR")) {
		return nil, apperr.New(apperr.NoCalendarFound, "body is not an iCalendar document")
	}
	if loc == nil {
		loc = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.NoCalendarFound, err, "invalid iCalendar data")
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp, loc)
		if perr != nil {
			appLog.Debug("ics vevent skipped", "err", perr.Error())
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return unescapeText(strings.TrimSpace(p.Value))
	}
	return ""
}

func propParam(p *ical.IANAProperty, key string) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if vs, ok := p.ICalParameters[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	var out ParsedEvent

	out.UID = propValue(ve, ical.ComponentPropertyUniqueId)
	if seq := propValue(ve, ical.ComponentPropertySequence); seq != "" {
		if n, err := strconv.Atoi(seq); err == nil {
			out.Seq = n
		}
	}
	out.Summary = propValue(ve, ical.ComponentPropertySummary)
	out.Description = propValue(ve, ical.ComponentPropertyDescription)
	out.Location = propValue(ve, ical.ComponentPropertyLocation)
	out.URL = propValue(ve, ical.ComponentPropertyUrl)

	for _, p := range ve.GetProperties(ical.ComponentPropertyAttach) {
		v := strings.TrimSpace(p.Value)
		if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
			out.ImageURL = v
			break
		}
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, dateOnly, err := parseICSTime(dtStart.Value, propParam(dtStart, "TZID"), loc)
	if err != nil {
		return out, err
	}
	if strings.EqualFold(propParam(dtStart, "VALUE"), "DATE") {
		dateOnly = true
	}
	out.Start = start
	out.AllDay = dateOnly

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		if end, _, err := parseICSTime(dtEnd.Value, propParam(dtEnd, "TZID"), loc); err == nil {
			out.End = end
		}
	}

	if out.AllDay {
		day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
		out.Start = day
		out.End = day.Add(23*time.Hour + 59*time.Minute)
	} else if !out.End.After(out.Start) {
		out.End = out.Start.Add(2 * time.Hour)
	}

	out.RawRRule = propValue(ve, ical.ComponentPropertyRrule)

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tzid := propParam(p, "TZID")
		for _, part := range strings.Split(p.Value, ",") {
			if t, _, err := parseICSTime(part, tzid, loc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if rid := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); rid != nil {
		if t, _, err := parseICSTime(rid.Value, propParam(rid, "TZID"), loc); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// parseICSTime parses DATE and DATE-TIME values. A trailing Z means UTC, a
// TZID names the zone, anything else is floating and lands in fallback.
func parseICSTime(v, tzid string, fallback *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	loc := fallback
	if tzid != "" {
		if l, err := time.LoadLocation(strings.Trim(tzid, `"`)); err == nil {
			loc = l
		}
	}

	switch {
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	case strings.Contains(v, "T"):
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		return t, false, err
	default:
		t, err := time.ParseInLocation("20060102", v, loc)
		return t, true, err
	}
}

var textUnescaper = strings.NewReplacer(`\\`, `\`, `\,`, `,`, `\;`, `;`, `\n`, "\n", `\N`, "\n")

func unescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	return textUnescaper.Replace(s)
}

// SplitLocation splits a comma-separated LOCATION into venue parts:
// name, address, city, state.
func SplitLocation(location string) model.Venue {
	var v model.Venue
	parts := strings.Split(location, ",")
	field := []*string{&v.VenueName, &v.VenueAddress, &v.VenueCity, &v.VenueState}
	for i, p := range parts {
		if i >= len(field) {
			break
		}
		*field[i] = strings.TrimSpace(p)
	}
	return v
}
