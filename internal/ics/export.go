package ics

import (
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"socialcal/internal/model"
)

// SubscriptionHeader carries the webcal:// form of an export URL.
const SubscriptionHeader = "X-Webcal-URL"

const defaultProdID = "-//SocialCal Events//socialcal//EN"

// ExportOptions controls calendar serialization.
type ExportOptions struct {
	// Host is the domain part of generated UIDs (<id>@<host>).
	Host   string
	ProdID string
	// Now stamps DTSTAMP; defaults to time.Now.
	Now func() time.Time
}

// Export renders events as a VCALENDAR with METHOD:PUBLISH. Events without
// a usable end get start + 1h.
func Export(events []model.Event, opts ExportOptions) ([]byte, error) {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.ProdID == "" {
		opts.ProdID = defaultProdID
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	stamp := now().UTC()

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(opts.ProdID)

	for _, e := range events {
		ve := cal.AddEvent(strconv.FormatInt(e.ID, 10) + "@" + opts.Host)
		ve.SetDtStampTime(stamp)
		ve.SetSummary(e.Title)
		if e.Description != "" {
			ve.SetDescription(e.Description)
		}

		start := e.Start.UTC()
		end := e.End.UTC()
		if e.End.IsZero() || !end.After(start) {
			end = start.Add(time.Hour)
		}
		ve.SetStartAt(start)
		ve.SetEndAt(end)

		if loc := e.Venue.Location(); loc != "" {
			ve.SetLocation(loc)
		}
		if isAbsoluteHTTP(e.URL) {
			ve.SetURL(e.URL)
		}
		ve.SetStatus(ical.ObjectStatusConfirmed)
	}

	return []byte(cal.Serialize()), nil
}

// SubscriptionURL rewrites an http(s) URL to the webcal:// scheme.
func SubscriptionURL(httpURL string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(strings.ToLower(httpURL), prefix) {
			return "webcal://" + httpURL[len(prefix):]
		}
	}
	return httpURL
}

func isAbsoluteHTTP(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
