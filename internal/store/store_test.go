package store_test

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialcal/internal/model"
	"socialcal/internal/store"
)

var eventCols = []string{
	"id", "owner_id", "title", "description", "start_time", "end_time",
	"venue_name", "venue_address", "venue_city", "venue_state", "venue_postal_code", "venue_country",
	"url", "image_url", "is_public",
	"music_track_id", "music_track_name", "music_artist_id", "music_artist_name", "music_preview_url", "music_external_url",
	"created_at", "updated_at",
}

var scraperCols = []string{
	"id", "owner_id", "name", "url", "description", "is_active", "css_schema",
	"last_tested", "test_results", "created_at", "updated_at",
}

func newPostgres(t *testing.T) (*store.Postgres, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return store.NewPostgres(sqlx.NewDb(mockDB, "postgres")), mock
}

func anyArgs(n int) []driver.Value {
	out := make([]driver.Value, n)
	for i := range out {
		out[i] = sqlmock.AnyArg()
	}
	return out
}

func TestMigrate(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS events_owner_url_key").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS events_owner_title_start_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS site_scrapers").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Migrate(context.Background(), sqlx.NewDb(mockDB, "postgres")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FindByURL(t *testing.T) {
	p, mock := newPostgres(t)
	start := time.Date(2025, 3, 6, 20, 0, 0, 0, time.UTC)
	now := time.Now()

	mock.ExpectQuery("SELECT .+ FROM events WHERE owner_id = \\$1 AND url = \\$2").
		WithArgs("u1", "https://venue.example/e/1").
		WillReturnRows(sqlmock.NewRows(eventCols).AddRow(
			7, "u1", "Jazz Night", "", start, start.Add(2*time.Hour),
			"The Hall", "1 Main St", "Boston", "MA", "02115", "",
			"https://venue.example/e/1", "", false,
			"trk", "", "", "", "", "",
			now, now,
		))

	ev, err := p.FindByURL(context.Background(), "u1", "https://venue.example/e/1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), ev.ID)
	assert.Equal(t, "The Hall", ev.VenueName)
	assert.Equal(t, "trk", ev.TrackID)
	assert.True(t, ev.End.After(ev.Start))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_NotFound(t *testing.T) {
	p, mock := newPostgres(t)

	mock.ExpectQuery("SELECT .+ FROM events WHERE owner_id = \\$1 AND title = \\$2").
		WillReturnRows(sqlmock.NewRows(eventCols))
	_, err := p.FindByTitleStart(context.Background(), "u1", "Nothing", time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = p.FindByURL(context.Background(), "u1", "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	mock.ExpectQuery("UPDATE events SET").
		WithArgs(anyArgs(21)...).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}))
	err = p.Update(context.Background(), &model.Event{ID: 99, OwnerID: "u1", Title: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	mock.ExpectExec("DELETE FROM site_scrapers").
		WithArgs("u1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, p.DeleteScraper(context.Background(), "u1", 3), store.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Create(t *testing.T) {
	p, mock := newPostgres(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO events").
		WithArgs(anyArgs(20)...).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(11, now, now))

	ev := &model.Event{OwnerID: "u1", Title: "Gig", Start: now, End: now.Add(time.Hour)}
	require.NoError(t, p.Create(context.Background(), ev))
	assert.Equal(t, int64(11), ev.ID)
	assert.Equal(t, now, ev.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateDuplicateURL(t *testing.T) {
	p, mock := newPostgres(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO events").
		WithArgs(anyArgs(20)...).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "events_owner_url_key"})

	ev := &model.Event{OwnerID: "u1", Title: "Gig", URL: "https://x/a", Start: now, End: now.Add(time.Hour)}
	assert.ErrorIs(t, p.Create(context.Background(), ev), store.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Scrapers(t *testing.T) {
	p, mock := newPostgres(t)
	now := time.Now()

	mock.ExpectQuery("SELECT .+ FROM site_scrapers WHERE owner_id = \\$1 AND id = \\$2").
		WithArgs("u1", int64(4)).
		WillReturnRows(sqlmock.NewRows(scraperCols).AddRow(
			4, "u1", "Club", "https://club.example/events", "", true,
			[]byte(`{"base_selector":"article","title":"h3"}`),
			now, []byte(`{"timestamp":"2025-03-01T00:00:00Z","events_count":2,"events":[]}`),
			now, now,
		))

	s, err := p.GetScraper(context.Background(), "u1", 4)
	require.NoError(t, err)
	assert.JSONEq(t, `{"base_selector":"article","title":"h3"}`, string(s.CSSSchema))
	require.NotNil(t, s.TestResults)
	assert.Equal(t, 2, s.TestResults.EventsCount)

	mock.ExpectQuery("SELECT .+ FROM site_scrapers WHERE is_active").
		WillReturnRows(sqlmock.NewRows(scraperCols).AddRow(
			4, "u1", "Club", "https://club.example/events", "", true, nil, nil, nil, now, now,
		))
	active, err := p.ListActiveScrapers(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Nil(t, active[0].TestResults)
	assert.Empty(t, active[0].CSSSchema)

	mock.ExpectQuery("INSERT INTO site_scrapers").
		WithArgs(anyArgs(8)...).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))
	created := &model.SiteScraper{OwnerID: "u1", Name: "New", URL: "https://x.example", IsActive: true}
	require.NoError(t, p.CreateScraper(context.Background(), created))
	assert.Equal(t, int64(5), created.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemory_Events(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	start := time.Date(2025, 3, 6, 20, 0, 0, 0, time.UTC)

	a := &model.Event{OwnerID: "u1", Title: "A", URL: "https://x/a", Start: start, End: start.Add(time.Hour)}
	b := &model.Event{OwnerID: "u1", Title: "B", Start: start.Add(-time.Hour), End: start}
	other := &model.Event{OwnerID: "u2", Title: "A", URL: "https://x/a", Start: start, End: start.Add(time.Hour)}
	for _, ev := range []*model.Event{a, b, other} {
		require.NoError(t, m.Create(ctx, ev))
	}

	got, err := m.FindByURL(ctx, "u1", "https://x/a")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	got, err = m.FindByTitleStart(ctx, "u1", "B", start.Add(-time.Hour).In(time.FixedZone("X", 3600)))
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = m.Get(ctx, "u2", a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got.Title = "B2"
	require.NoError(t, m.Update(ctx, got))
	list, err := m.ListByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "B2", list[0].Title)
	assert.Equal(t, "A", list[1].Title)

	stranger := *got
	stranger.OwnerID = "u2"
	assert.ErrorIs(t, m.Update(ctx, &stranger), store.ErrNotFound)
}

func TestMemory_UniqueOwnerURL(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	start := time.Date(2025, 3, 6, 20, 0, 0, 0, time.UTC)
	mk := func(owner, url string) *model.Event {
		return &model.Event{OwnerID: owner, Title: "Gig", URL: url, Start: start, End: start.Add(time.Hour)}
	}

	first := mk("u1", "https://x/a")
	require.NoError(t, m.Create(ctx, first))
	assert.ErrorIs(t, m.Create(ctx, mk("u1", "https://x/a")), store.ErrDuplicate)
	require.NoError(t, m.Create(ctx, mk("u2", "https://x/a")), "urls are unique per owner")
	require.NoError(t, m.Create(ctx, mk("u1", "")))
	require.NoError(t, m.Create(ctx, mk("u1", "")), "events without a url never collide")

	second := mk("u1", "https://x/b")
	require.NoError(t, m.Create(ctx, second))
	second.URL = "https://x/a"
	assert.ErrorIs(t, m.Update(ctx, second), store.ErrDuplicate)

	first.Title = "Renamed"
	assert.NoError(t, m.Update(ctx, first), "an event keeps its own url")
}

func TestMemory_Scrapers(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	s1 := &model.SiteScraper{OwnerID: "u1", Name: "one", URL: "https://one.example", IsActive: true}
	s2 := &model.SiteScraper{OwnerID: "u2", Name: "two", URL: "https://two.example"}
	require.NoError(t, m.CreateScraper(ctx, s1))
	require.NoError(t, m.CreateScraper(ctx, s2))

	active, err := m.ListActiveScrapers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "one", active[0].Name)

	now := time.Now()
	s1.LastTested = &now
	s1.TestResults = &model.TestResults{Timestamp: now, EventsCount: 3}
	require.NoError(t, m.UpdateScraper(ctx, s1))

	got, err := m.GetScraper(ctx, "u1", s1.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TestResults)
	assert.Equal(t, 3, got.TestResults.EventsCount)

	_, err = m.GetScraper(ctx, "u2", s1.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, m.DeleteScraper(ctx, "u1", s1.ID))
	list, err := m.ListScrapers(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}
