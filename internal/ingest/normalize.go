// Package ingest turns scraped records into stored events: normalization,
// validation and the owner-scoped upsert.
package ingest

import (
	"net/url"
	"strings"
	"time"

	"socialcal/internal/apperr"
	"socialcal/internal/ics"
	"socialcal/internal/model"
	"socialcal/internal/timeparse"
)

// Skip is a record that was not stored, with the reason shown to the user.
type Skip struct {
	Title  string      `json:"title"`
	Reason string      `json:"reason"`
	Kind   apperr.Kind `json:"kind"`
}

func skipFor(title string, err error) *Skip {
	return &Skip{Title: title, Reason: apperr.Message(err), Kind: apperr.KindOf(err)}
}

// Normalizer converts scraped records into events in the parser's zone.
type Normalizer struct {
	parser *timeparse.Parser
}

func NewNormalizer(p *timeparse.Parser) *Normalizer {
	if p == nil {
		p = timeparse.NewParser(nil)
	}
	return &Normalizer{parser: p}
}

// ToEvent builds the event for rec. A non-nil Skip means the record cannot
// be stored.
func (n *Normalizer) ToEvent(owner string, rec model.ScrapedRecord) (model.Event, *Skip) {
	title := timeparse.CollapseSpace(rec.Title)
	if title == "" {
		return model.Event{}, skipFor(rec.Title, apperr.New(apperr.MissingRequiredField, "missing title"))
	}

	start, end, err := n.interval(rec)
	if err != nil {
		return model.Event{}, skipFor(title, err)
	}

	ev := model.Event{
		OwnerID:     owner,
		Title:       title,
		Description: strings.TrimSpace(rec.Description),
		Start:       start,
		End:         end,
		URL:         absoluteURL(rec.URL),
		ImageURL:    absoluteURL(rec.ImageURL),
		IsPublic:    true,
	}
	switch {
	case rec.Venue != nil:
		ev.Venue = *rec.Venue
	case strings.TrimSpace(rec.Location) != "":
		ev.Venue = ics.SplitLocation(rec.Location)
	}
	return ev, nil
}

func (n *Normalizer) interval(rec model.ScrapedRecord) (time.Time, time.Time, error) {
	if rec.Start == nil {
		r, err := n.parser.Parse(rec.Date, rec.StartTime, rec.EndTime)
		return r.Start, r.End, err
	}

	loc := n.parser.Location()
	st := rec.Start.In(loc)
	var en time.Time
	switch {
	case rec.AllDay:
		st = time.Date(st.Year(), st.Month(), st.Day(), 0, 0, 0, 0, loc)
		en = time.Date(st.Year(), st.Month(), st.Day(), 23, 59, 0, 0, loc)
	case rec.End != nil:
		en = rec.End.In(loc)
	default:
		en = st.Add(timeparse.DefaultDuration)
	}
	if !en.After(st) {
		return st, en, apperr.Newf(apperr.InvalidRange, "end %s is not after start %s",
			en.Format(time.RFC3339), st.Format(time.RFC3339))
	}
	return st, en, nil
}

// absoluteURL keeps only absolute http(s) URLs.
func absoluteURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

// ValidateForm checks an event entered by hand. Unlike the scraper path,
// violations are returned instead of skipped.
func ValidateForm(ev model.Event) error {
	if strings.TrimSpace(ev.Title) == "" {
		return apperr.New(apperr.MissingRequiredField, "title is required")
	}
	if ev.Start.IsZero() {
		return apperr.New(apperr.MissingRequiredField, "start time is required")
	}
	if ev.End.IsZero() {
		return apperr.New(apperr.MissingRequiredField, "end time is required")
	}
	if !ev.End.After(ev.Start) {
		return apperr.New(apperr.InvalidRange, "end time must be after start time")
	}
	for _, u := range []string{ev.URL, ev.ImageURL} {
		if u != "" && absoluteURL(u) == "" {
			return apperr.Newf(apperr.MissingRequiredField, "%q is not an absolute URL", u)
		}
	}
	return nil
}
