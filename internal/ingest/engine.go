package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"socialcal/internal/apperr"
	appLog "socialcal/internal/log"
	"socialcal/internal/metrics"
	"socialcal/internal/model"
	"socialcal/internal/music"
	"socialcal/internal/store"
)

type Action string

const (
	Created Action = "created"
	Updated Action = "updated"
)

// Outcome is the result of one upsert.
type Outcome struct {
	Action Action
	Event  model.Event
}

// EventRef identifies a stored event in a job report.
type EventRef struct {
	ID      int64     `json:"id"`
	Title   string    `json:"title"`
	Start   time.Time `json:"start_time"`
	End     time.Time `json:"end_time"`
	URL     string    `json:"url,omitempty"`
	Display string    `json:"display"`
	Action  Action    `json:"action"`
}

func refOf(o Outcome) EventRef {
	ev := o.Event
	return EventRef{
		ID:      ev.ID,
		Title:   ev.Title,
		Start:   ev.Start,
		End:     ev.End,
		URL:     ev.URL,
		Display: fmt.Sprintf("%s (%s)", ev.Title, ev.Start.Format("Mon Jan 2, 2006 3:04 PM")),
		Action:  o.Action,
	}
}

// Report is the tally of one Process call.
type Report struct {
	Found     int        `json:"found"`
	Created   int        `json:"created"`
	Updated   int        `json:"updated"`
	Events    []EventRef `json:"events"`
	Skipped   []Skip     `json:"skipped"`
	Cancelled bool       `json:"cancelled"`
}

// Hooks let the caller observe and stop a Process call. All fields are
// optional.
type Hooks struct {
	// Progress is called after each record with the number handled so far.
	Progress func(done, total int)
	// Cancelled is polled before each record; true stops after the current
	// one.
	Cancelled func() bool
	// Session is the music lookup cache of the calling session.
	Session music.Cache
}

// Engine stores normalized events, deduplicating per owner.
type Engine struct {
	events  store.EventStore
	norm    *Normalizer
	music   *music.Enricher
	metrics *metrics.Metrics
}

type Option func(*Engine)

func WithMusic(e *music.Enricher) Option { return func(en *Engine) { en.music = e } }

func WithMetrics(m *metrics.Metrics) Option { return func(en *Engine) { en.metrics = m } }

func NewEngine(events store.EventStore, norm *Normalizer, opts ...Option) *Engine {
	if norm == nil {
		norm = NewNormalizer(nil)
	}
	e := &Engine{events: events, norm: norm}
	for _, o := range opts {
		o(e)
	}
	return e
}

// dedupeKey is (owner, url) when the url is set, else (owner, title, start).
func dedupeKey(ev model.Event) string {
	if ev.URL != "" {
		return ev.OwnerID + "|url|" + ev.URL
	}
	return ev.OwnerID + "|ts|" + ev.Title + "|" + ev.Start.UTC().Format(time.RFC3339)
}

func (e *Engine) findExisting(ctx context.Context, ev model.Event) (*model.Event, error) {
	if ev.URL != "" {
		return e.events.FindByURL(ctx, ev.OwnerID, ev.URL)
	}
	return e.events.FindByTitleStart(ctx, ev.OwnerID, ev.Title, ev.Start)
}

// Upsert inserts ev for owner or updates the event with the same dedupe
// key. Empty fields of ev never overwrite stored values.
func (e *Engine) Upsert(ctx context.Context, owner string, ev model.Event) (Outcome, error) {
	ev.OwnerID = owner
	existing, err := e.findExisting(ctx, ev)
	switch {
	case errors.Is(err, store.ErrNotFound):
		err := e.events.Create(ctx, &ev)
		if err == nil {
			return Outcome{Action: Created, Event: ev}, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return Outcome{}, apperr.Wrap(apperr.Internal, err, "create event")
		}
		// Another import stored the same url since the lookup.
		if existing, err = e.findExisting(ctx, ev); err != nil {
			return Outcome{}, apperr.Wrap(apperr.Internal, err, "look up event")
		}
	case err != nil:
		return Outcome{}, apperr.Wrap(apperr.Internal, err, "look up event")
	}

	merged := merge(*existing, ev)
	if err := e.events.Update(ctx, &merged); err != nil {
		return Outcome{}, apperr.Wrap(apperr.Internal, err, "update event")
	}
	return Outcome{Action: Updated, Event: merged}, nil
}

func merge(dst, src model.Event) model.Event {
	set := func(d *string, s string) {
		if strings.TrimSpace(s) != "" {
			*d = s
		}
	}
	set(&dst.Title, src.Title)
	set(&dst.Description, src.Description)
	set(&dst.URL, src.URL)
	set(&dst.ImageURL, src.ImageURL)
	set(&dst.VenueName, src.VenueName)
	set(&dst.VenueAddress, src.VenueAddress)
	set(&dst.VenueCity, src.VenueCity)
	set(&dst.VenueState, src.VenueState)
	set(&dst.VenuePostal, src.VenuePostal)
	set(&dst.VenueCountry, src.VenueCountry)
	if !src.Start.IsZero() && !src.End.IsZero() {
		dst.Start, dst.End = src.Start, src.End
	}
	if !src.Music.IsZero() {
		dst.Music = src.Music
	}
	return dst
}

// Process normalizes and upserts records in order. Per-record failures are
// reported in Skipped; only context cancellation aborts the run, returning
// the partial report.
func (e *Engine) Process(ctx context.Context, owner string, records []model.ScrapedRecord, h Hooks) (Report, error) {
	report := Report{Found: len(records), Events: []EventRef{}, Skipped: []Skip{}}
	seen := make(map[string]bool, len(records))
	total := len(records)

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			kind := apperr.Cancelled
			if errors.Is(err, context.DeadlineExceeded) {
				kind = apperr.Timeout
			}
			return report, apperr.Wrap(kind, err, "import interrupted")
		}
		if h.Cancelled != nil && h.Cancelled() {
			report.Cancelled = true
			break
		}

		e.processOne(ctx, owner, rec, h.Session, seen, &report)
		if h.Progress != nil {
			h.Progress(i+1, total)
		}
	}

	appLog.Info("import processed",
		"owner", owner, "found", report.Found, "created", report.Created,
		"updated", report.Updated, "skipped", len(report.Skipped), "cancelled", report.Cancelled)
	return report, nil
}

func (e *Engine) processOne(ctx context.Context, owner string, rec model.ScrapedRecord, session music.Cache, seen map[string]bool, report *Report) {
	skip := func(s Skip) {
		report.Skipped = append(report.Skipped, s)
		e.metrics.Record("skipped")
		appLog.Debug("record skipped", "title", s.Title, "kind", string(s.Kind), "reason", s.Reason)
	}

	ev, sk := e.norm.ToEvent(owner, rec)
	if sk != nil {
		skip(*sk)
		return
	}

	key := dedupeKey(ev)
	if seen[key] {
		skip(Skip{Title: ev.Title, Reason: "duplicate of an earlier record in this import", Kind: apperr.DuplicateSkipped})
		return
	}
	seen[key] = true

	if e.music.Enabled() && music.IsMusicEvent(ev.Title, ev.Description) {
		e.metrics.MusicEnriched(e.music.Enrich(ctx, session, key, &ev))
	}

	out, err := e.Upsert(ctx, owner, ev)
	if err != nil {
		appLog.Error("upsert failed", err, "title", ev.Title)
		skip(*skipFor(ev.Title, err))
		return
	}
	switch out.Action {
	case Created:
		report.Created++
	case Updated:
		report.Updated++
	}
	e.metrics.Record(string(out.Action))
	report.Events = append(report.Events, refOf(out))
}
