package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "socialcal/internal/log"
)

const defaultMaxOccurrencesPerEvent = 500

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Location is the zone occurrences are converted into. Nil means UTC.
	Location *time.Location

	// RangeStart / RangeEnd bound recurring expansion. One-off events are
	// kept regardless of the window.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single RRULE. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// Occurrence is one concrete instance of a (possibly recurring) event.
type Occurrence struct {
	Event ParsedEvent
	Start time.Time
	End   time.Time
	// Key identifies the instance: the UID for one-off events, UID plus
	// start time for recurring ones. Empty when the feed has no UID.
	Key string
}

// Expand turns parsed events into occurrences, in feed order. It handles
// one-off events, RRULE recurrence with EXDATE removals and RECURRENCE-ID
// overrides of single instances.
func Expand(events []ParsedEvent, cfg ExpandConfig) ([]Occurrence, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	recurringUIDs := make(map[string]bool)
	overrides := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.RawRRule != "" && ev.UID != "" {
			recurringUIDs[ev.UID] = true
		}
		if ev.IsOverride && ev.UID != "" {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
		}
	}

	out := make([]Occurrence, 0, len(events))
	for _, ev := range events {
		switch {
		case ev.IsOverride && recurringUIDs[ev.UID]:
			// Emitted in place of the instance it replaces.
			continue
		case ev.RawRRule == "":
			out = append(out, occurrence(ev, ev.Start, ev.End, ev.UID, cfg.Location))
		default:
			occ, capped := expandRecurring(ev, overrides[ev.UID], cfg)
			if capped {
				appLog.Warn("expand: truncated occurrences for UID due to cap", "uid", ev.UID, "cap", cfg.MaxOccurrencesPerEvent)
			}
			out = append(out, occ...)
		}
	}
	return out, nil
}

func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		// Keep the first instance rather than losing the event entirely.
		return []Occurrence{occurrence(ev, ev.Start, ev.End, ev.UID, cfg.Location)}, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	loc := ev.Start.Location()
	starts := set.Between(cfg.RangeStart.In(loc), cfg.RangeEnd.In(loc), true)

	capped := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		capped = true
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]Occurrence, 0, len(starts))
	for _, s := range starts {
		key := ""
		if ev.UID != "" {
			key = ev.UID + "/" + s.UTC().Format("20060102T150405Z")
		}
		if o, ok := findOverride(overrides, s); ok {
			out = append(out, occurrence(o, o.Start, o.End, key, cfg.Location))
			continue
		}
		out = append(out, occurrence(ev, s, s.Add(dur), key, cfg.Location))
	}
	return out, capped
}

// findOverride finds the override whose RECURRENCE-ID equals start.
func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func occurrence(ev ParsedEvent, start, end time.Time, key string, loc *time.Location) Occurrence {
	return Occurrence{
		Event: ev,
		Start: start.In(loc),
		End:   end.In(loc),
		Key:   key,
	}
}
