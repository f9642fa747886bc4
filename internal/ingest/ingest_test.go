package ingest_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialcal/internal/apperr"
	"socialcal/internal/ingest"
	"socialcal/internal/model"
	"socialcal/internal/music"
	"socialcal/internal/store"
	"socialcal/internal/timeparse"
)

var ny = mustLoad("America/New_York")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func newNormalizer() *ingest.Normalizer {
	now := func() time.Time { return time.Date(2025, 2, 1, 12, 0, 0, 0, ny) }
	return ingest.NewNormalizer(timeparse.NewParser(ny, timeparse.WithClock(now)))
}

func TestToEvent(t *testing.T) {
	n := newNormalizer()

	ev, skip := n.ToEvent("u1", model.ScrapedRecord{
		Title:     "  Jazz   Night ",
		Date:      "March 6, 2025",
		StartTime: "8:00 PM",
		EndTime:   "10:30 PM",
		Location:  "The Hall, 1 Main St, Boston, MA",
		URL:       "https://venue.example/e/1",
		ImageURL:  "data:image/png;base64,AAAA",
	})
	require.Nil(t, skip)
	assert.Equal(t, "Jazz Night", ev.Title)
	assert.Equal(t, "u1", ev.OwnerID)
	assert.Equal(t, time.Date(2025, 3, 6, 20, 0, 0, 0, ny), ev.Start)
	assert.Equal(t, time.Date(2025, 3, 6, 22, 30, 0, 0, ny), ev.End)
	assert.Equal(t, "The Hall", ev.VenueName)
	assert.Equal(t, "Boston", ev.VenueCity)
	assert.Empty(t, ev.ImageURL)
	assert.True(t, ev.IsPublic)
}

func TestToEvent_AllDayRange(t *testing.T) {
	ev, skip := newNormalizer().ToEvent("u1", model.ScrapedRecord{
		Title:     "Craft Fair",
		Date:      "March 6, 2025 - March 9, 2025",
		StartTime: "All Day",
	})
	require.Nil(t, skip)
	assert.Equal(t, time.Date(2025, 3, 6, 0, 0, 0, 0, ny), ev.Start)
	assert.Equal(t, time.Date(2025, 3, 6, 23, 59, 0, 0, ny), ev.End)
}

func TestToEvent_RangeInStartTime(t *testing.T) {
	ev, skip := newNormalizer().ToEvent("u1", model.ScrapedRecord{
		Title:     "Open Mic",
		Date:      "Mon Mar 3rd",
		StartTime: "5:00pm - 11:00pm",
	})
	require.Nil(t, skip)
	assert.Equal(t, time.Date(2025, 3, 3, 17, 0, 0, 0, ny), ev.Start)
	assert.Equal(t, time.Date(2025, 3, 3, 23, 0, 0, 0, ny), ev.End)
}

func TestToEvent_FeedInstants(t *testing.T) {
	start := time.Date(2025, 3, 7, 1, 0, 0, 0, time.UTC)
	venue := model.Venue{VenueName: "Club"}

	ev, skip := newNormalizer().ToEvent("u1", model.ScrapedRecord{
		Title: "Feed event", Start: &start, Venue: &venue, Location: "ignored, here",
	})
	require.Nil(t, skip)
	assert.Equal(t, ny, ev.Start.Location())
	assert.True(t, ev.Start.Equal(start))
	assert.Equal(t, start.Add(timeparse.DefaultDuration), ev.End.UTC())
	assert.Equal(t, "Club", ev.VenueName)

	allDay, skip := newNormalizer().ToEvent("u1", model.ScrapedRecord{
		Title: "Holiday", Start: &start, AllDay: true,
	})
	require.Nil(t, skip)
	assert.Equal(t, 0, allDay.Start.Hour())
	assert.Equal(t, 23, allDay.End.Hour())
	assert.Equal(t, 59, allDay.End.Minute())
}

func TestToEvent_Skips(t *testing.T) {
	n := newNormalizer()
	start := time.Date(2025, 3, 7, 1, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	cases := []struct {
		name string
		rec  model.ScrapedRecord
		kind apperr.Kind
	}{
		{"no title", model.ScrapedRecord{Date: "March 6, 2025", StartTime: "8 PM"}, apperr.MissingRequiredField},
		{"bad date", model.ScrapedRecord{Title: "x", Date: "someday soon", StartTime: "8 PM"}, apperr.ParseDateFailed},
		{"no time", model.ScrapedRecord{Title: "x", Date: "March 6, 2025"}, apperr.ParseTimeFailed},
		{"end before start", model.ScrapedRecord{Title: "x", Start: &start, End: &end}, apperr.InvalidRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, skip := n.ToEvent("u1", tc.rec)
			require.NotNil(t, skip)
			assert.Equal(t, tc.kind, skip.Kind)
			assert.NotEmpty(t, skip.Reason)
		})
	}
}

func records(n int) []model.ScrapedRecord {
	out := make([]model.ScrapedRecord, n)
	for i := range out {
		out[i] = model.ScrapedRecord{
			Title:     fmt.Sprintf("Event %d", i+1),
			Date:      fmt.Sprintf("March %d, 2025", i+1),
			StartTime: "7:00 PM",
			URL:       fmt.Sprintf("https://venue.example/e/%d", i+1),
		}
	}
	return out
}

func TestProcess_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	eng := ingest.NewEngine(st, newNormalizer())

	first, err := eng.Process(ctx, "u1", records(4), ingest.Hooks{})
	require.NoError(t, err)
	assert.Equal(t, 4, first.Found)
	assert.Equal(t, 4, first.Created)
	assert.Equal(t, 0, first.Updated)

	second, err := eng.Process(ctx, "u1", records(4), ingest.Hooks{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 4, second.Updated)

	all, err := st.ListByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 4)
	for _, ev := range all {
		assert.True(t, ev.End.After(ev.Start))
	}

	// Another owner gets their own copies.
	other, err := eng.Process(ctx, "u2", records(4), ingest.Hooks{})
	require.NoError(t, err)
	assert.Equal(t, 4, other.Created)
}

func TestUpsert_UpdatesByURL(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	eng := ingest.NewEngine(st, newNormalizer())

	rec := model.ScrapedRecord{
		Title: "Old title", Date: "March 6, 2025", StartTime: "8 PM",
		Description: "keep me", URL: "https://venue.example/u",
	}
	r1, err := eng.Process(ctx, "u1", []model.ScrapedRecord{rec}, ingest.Hooks{})
	require.NoError(t, err)
	require.Equal(t, 1, r1.Created)

	rec.Title = "New title"
	rec.Description = ""
	r2, err := eng.Process(ctx, "u1", []model.ScrapedRecord{rec}, ingest.Hooks{})
	require.NoError(t, err)
	assert.Equal(t, 0, r2.Created)
	assert.Equal(t, 1, r2.Updated)

	got, err := st.FindByURL(ctx, "u1", "https://venue.example/u")
	require.NoError(t, err)
	assert.Equal(t, "New title", got.Title)
	assert.Equal(t, "keep me", got.Description, "empty scraped fields do not clobber")
	assert.Equal(t, r1.Events[0].ID, got.ID)
}

// staleLookup misses the first url lookup, as when a concurrent import
// stores the same url between lookup and insert.
type staleLookup struct {
	*store.Memory
	missed bool
}

func (s *staleLookup) FindByURL(ctx context.Context, owner, url string) (*model.Event, error) {
	if !s.missed {
		s.missed = true
		return nil, store.ErrNotFound
	}
	return s.Memory.FindByURL(ctx, owner, url)
}

func TestUpsert_ConcurrentSameURLUpdates(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	start := time.Date(2025, 3, 6, 20, 0, 0, 0, ny)
	stored := &model.Event{OwnerID: "u1", Title: "Gig", URL: "https://venue.example/g", Start: start, End: start.Add(time.Hour)}
	require.NoError(t, mem.Create(ctx, stored))

	eng := ingest.NewEngine(&staleLookup{Memory: mem}, newNormalizer())
	o, err := eng.Upsert(ctx, "u1", model.Event{Title: "Gig (late show)", URL: stored.URL, Start: start, End: start.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, ingest.Updated, o.Action)
	assert.Equal(t, stored.ID, o.Event.ID)

	all, err := mem.ListByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Gig (late show)", all[0].Title)
}

func TestUpsert_TitleStartKeyWithoutURL(t *testing.T) {
	ctx := context.Background()
	eng := ingest.NewEngine(store.NewMemory(), newNormalizer())
	start := time.Date(2025, 3, 6, 20, 0, 0, 0, ny)
	ev := model.Event{Title: "No link", Start: start, End: start.Add(time.Hour)}

	o1, err := eng.Upsert(ctx, "u1", ev)
	require.NoError(t, err)
	assert.Equal(t, ingest.Created, o1.Action)

	ev.VenueName = "Annex"
	o2, err := eng.Upsert(ctx, "u1", ev)
	require.NoError(t, err)
	assert.Equal(t, ingest.Updated, o2.Action)
	assert.Equal(t, o1.Event.ID, o2.Event.ID)
	assert.Equal(t, "Annex", o2.Event.VenueName)
}

func TestProcess_SkipsAndDuplicates(t *testing.T) {
	recs := records(2)
	recs = append(recs, recs[0], model.ScrapedRecord{Title: "", Date: "March 1, 2025"})

	report, err := ingest.NewEngine(store.NewMemory(), newNormalizer()).
		Process(context.Background(), "u1", recs, ingest.Hooks{})
	require.NoError(t, err)
	assert.Equal(t, 4, report.Found)
	assert.Equal(t, 2, report.Created)
	require.Len(t, report.Skipped, 2)
	assert.Equal(t, apperr.DuplicateSkipped, report.Skipped[0].Kind)
	assert.Equal(t, apperr.MissingRequiredField, report.Skipped[1].Kind)
}

func TestProcess_ProgressAndCancel(t *testing.T) {
	var progress []int
	calls := 0
	hooks := ingest.Hooks{
		Progress: func(done, total int) {
			assert.Equal(t, 10, total)
			progress = append(progress, done)
		},
		Cancelled: func() bool {
			calls++
			return calls > 3
		},
	}

	report, err := ingest.NewEngine(store.NewMemory(), newNormalizer()).
		Process(context.Background(), "u1", records(10), hooks)
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, 3, report.Created)
	assert.Equal(t, []int{1, 2, 3}, progress)
}

func TestProcess_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ingest.NewEngine(store.NewMemory(), newNormalizer()).
		Process(ctx, "u1", records(2), ingest.Hooks{})
	require.Error(t, err)
	assert.Equal(t, apperr.Cancelled, apperr.KindOf(err))
}

type stubTracks struct{ calls int }

func (s *stubTracks) SearchTrack(_ context.Context, artist string) (*music.Track, error) {
	s.calls++
	return &music.Track{ID: "trk-" + artist, ArtistName: artist}, nil
}

func TestProcess_MusicEnrichmentUsesSession(t *testing.T) {
	ctx := context.Background()
	client := &stubTracks{}
	eng := ingest.NewEngine(store.NewMemory(), newNormalizer(),
		ingest.WithMusic(music.NewEnricher(client, nil)))

	recs := []model.ScrapedRecord{{
		Title:       "John Pizzarelli Swing Seven: Dear Mr. Sinatra",
		Description: "An evening of jazz",
		Date:        "March 6, 2025", StartTime: "8 PM",
		URL: "https://venue.example/pizzarelli",
	}}
	session := music.MapCache{}

	_, err := eng.Process(ctx, "u1", recs, ingest.Hooks{Session: session})
	require.NoError(t, err)
	report, err := eng.Process(ctx, "u1", recs, ingest.Hooks{Session: session})
	require.NoError(t, err)

	assert.Equal(t, 1, client.calls)
	require.Len(t, report.Events, 1)
	assert.Equal(t, ingest.Updated, report.Events[0].Action)
}

func TestValidateForm(t *testing.T) {
	start := time.Date(2025, 3, 6, 20, 0, 0, 0, ny)
	ok := model.Event{Title: "Dinner", Start: start, End: start.Add(time.Hour), URL: "https://x.example"}
	assert.NoError(t, ingest.ValidateForm(ok))

	noTitle := ok
	noTitle.Title = " "
	assert.Equal(t, apperr.MissingRequiredField, apperr.KindOf(ingest.ValidateForm(noTitle)))

	equal := ok
	equal.End = equal.Start
	assert.Equal(t, apperr.InvalidRange, apperr.KindOf(ingest.ValidateForm(equal)))

	relative := ok
	relative.URL = "/events/1"
	assert.Error(t, ingest.ValidateForm(relative))
}
