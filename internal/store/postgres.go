package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"socialcal/internal/model"
)

// schemaDDL creates the tables on first start. At most one event exists per
// (owner, url) when url is set.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		venue_name TEXT NOT NULL DEFAULT '',
		venue_address TEXT NOT NULL DEFAULT '',
		venue_city TEXT NOT NULL DEFAULT '',
		venue_state TEXT NOT NULL DEFAULT '',
		venue_postal_code TEXT NOT NULL DEFAULT '',
		venue_country TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		music_track_id TEXT NOT NULL DEFAULT '',
		music_track_name TEXT NOT NULL DEFAULT '',
		music_artist_id TEXT NOT NULL DEFAULT '',
		music_artist_name TEXT NOT NULL DEFAULT '',
		music_preview_url TEXT NOT NULL DEFAULT '',
		music_external_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (end_time > start_time)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS events_owner_url_key ON events (owner_id, url) WHERE url <> ''`,
	`CREATE INDEX IF NOT EXISTS events_owner_title_start_idx ON events (owner_id, title, start_time)`,
	`CREATE TABLE IF NOT EXISTS site_scrapers (
		id BIGSERIAL PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		css_schema JSONB,
		last_tested TIMESTAMPTZ,
		test_results JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schemaDDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const eventColumns = `id, owner_id, title, description, start_time, end_time,
	venue_name, venue_address, venue_city, venue_state, venue_postal_code, venue_country,
	url, image_url, is_public,
	music_track_id, music_track_name, music_artist_id, music_artist_name, music_preview_url, music_external_url,
	created_at, updated_at`

const scraperColumns = `id, owner_id, name, url, description, is_active, css_schema,
	last_tested, test_results, created_at, updated_at`

// Postgres implements Store on top of sqlx.
type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) getEvent(ctx context.Context, query string, args ...any) (*model.Event, error) {
	var ev model.Event
	if err := p.db.GetContext(ctx, &ev, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select event: %w", err)
	}
	return &ev, nil
}

func (p *Postgres) FindByURL(ctx context.Context, owner, url string) (*model.Event, error) {
	if url == "" {
		return nil, ErrNotFound
	}
	return p.getEvent(ctx, `SELECT `+eventColumns+` FROM events WHERE owner_id = $1 AND url = $2`, owner, url)
}

func (p *Postgres) FindByTitleStart(ctx context.Context, owner, title string, start time.Time) (*model.Event, error) {
	return p.getEvent(ctx,
		`SELECT `+eventColumns+` FROM events WHERE owner_id = $1 AND title = $2 AND start_time = $3 ORDER BY id LIMIT 1`,
		owner, title, start)
}

func (p *Postgres) Get(ctx context.Context, owner string, id int64) (*model.Event, error) {
	return p.getEvent(ctx, `SELECT `+eventColumns+` FROM events WHERE owner_id = $1 AND id = $2`, owner, id)
}

func (p *Postgres) ListByOwner(ctx context.Context, owner string) ([]model.Event, error) {
	var out []model.Event
	err := p.db.SelectContext(ctx, &out,
		`SELECT `+eventColumns+` FROM events WHERE owner_id = $1 ORDER BY start_time, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

func eventArgs(ev *model.Event) []any {
	return []any{
		ev.OwnerID, ev.Title, ev.Description, ev.Start, ev.End,
		ev.VenueName, ev.VenueAddress, ev.VenueCity, ev.VenueState, ev.VenuePostal, ev.VenueCountry,
		ev.URL, ev.ImageURL, ev.IsPublic,
		ev.TrackID, ev.TrackName, ev.ArtistID, ev.ArtistName, ev.PreviewURL, ev.ExternalURL,
	}
}

func (p *Postgres) Create(ctx context.Context, ev *model.Event) error {
	query := `INSERT INTO events (owner_id, title, description, start_time, end_time,
		venue_name, venue_address, venue_city, venue_state, venue_postal_code, venue_country,
		url, image_url, is_public,
		music_track_id, music_track_name, music_artist_id, music_artist_name, music_preview_url, music_external_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING id, created_at, updated_at`

	row := p.db.QueryRowxContext(ctx, query, eventArgs(ev)...)
	if err := row.Scan(&ev.ID, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// isUniqueViolation reports a hit on events_owner_url_key.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *Postgres) Update(ctx context.Context, ev *model.Event) error {
	query := `UPDATE events SET title = $2, description = $3, start_time = $4, end_time = $5,
		venue_name = $6, venue_address = $7, venue_city = $8, venue_state = $9,
		venue_postal_code = $10, venue_country = $11,
		url = $12, image_url = $13, is_public = $14,
		music_track_id = $15, music_track_name = $16, music_artist_id = $17,
		music_artist_name = $18, music_preview_url = $19, music_external_url = $20,
		updated_at = NOW()
		WHERE id = $21 AND owner_id = $1
		RETURNING updated_at`

	args := append(eventArgs(ev), ev.ID)
	row := p.db.QueryRowxContext(ctx, query, args...)
	if err := row.Scan(&ev.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

// scraperRow carries the JSON columns next to the model.
type scraperRow struct {
	model.SiteScraper
	Schema  []byte `db:"css_schema"`
	Results []byte `db:"test_results"`
}

func (r scraperRow) toModel() (model.SiteScraper, error) {
	s := r.SiteScraper
	if len(r.Schema) > 0 {
		s.CSSSchema = append([]byte(nil), r.Schema...)
	}
	if len(r.Results) > 0 {
		var tr model.TestResults
		if err := json.Unmarshal(r.Results, &tr); err != nil {
			return s, fmt.Errorf("decode test_results of scraper %d: %w", s.ID, err)
		}
		s.TestResults = &tr
	}
	return s, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func resultsJSON(tr *model.TestResults) (any, error) {
	if tr == nil {
		return nil, nil
	}
	b, err := json.Marshal(tr)
	if err != nil {
		return nil, fmt.Errorf("encode test_results: %w", err)
	}
	return string(b), nil
}

func (p *Postgres) selectScrapers(ctx context.Context, query string, args ...any) ([]model.SiteScraper, error) {
	var rows []scraperRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select scrapers: %w", err)
	}
	out := make([]model.SiteScraper, 0, len(rows))
	for _, r := range rows {
		s, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *Postgres) CreateScraper(ctx context.Context, s *model.SiteScraper) error {
	results, err := resultsJSON(s.TestResults)
	if err != nil {
		return err
	}
	query := `INSERT INTO site_scrapers (owner_id, name, url, description, is_active, css_schema, last_tested, test_results)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`
	row := p.db.QueryRowxContext(ctx, query,
		s.OwnerID, s.Name, s.URL, s.Description, s.IsActive, nullJSON(s.CSSSchema), s.LastTested, results)
	if err := row.Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return fmt.Errorf("insert scraper: %w", err)
	}
	return nil
}

func (p *Postgres) GetScraper(ctx context.Context, owner string, id int64) (*model.SiteScraper, error) {
	var r scraperRow
	err := p.db.GetContext(ctx, &r,
		`SELECT `+scraperColumns+` FROM site_scrapers WHERE owner_id = $1 AND id = $2`, owner, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select scraper: %w", err)
	}
	s, err := r.toModel()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) ListScrapers(ctx context.Context, owner string) ([]model.SiteScraper, error) {
	return p.selectScrapers(ctx,
		`SELECT `+scraperColumns+` FROM site_scrapers WHERE owner_id = $1 ORDER BY id`, owner)
}

func (p *Postgres) ListActiveScrapers(ctx context.Context) ([]model.SiteScraper, error) {
	return p.selectScrapers(ctx,
		`SELECT `+scraperColumns+` FROM site_scrapers WHERE is_active ORDER BY id`)
}

func (p *Postgres) UpdateScraper(ctx context.Context, s *model.SiteScraper) error {
	results, err := resultsJSON(s.TestResults)
	if err != nil {
		return err
	}
	query := `UPDATE site_scrapers SET name = $3, url = $4, description = $5, is_active = $6,
		css_schema = $7, last_tested = $8, test_results = $9, updated_at = NOW()
		WHERE owner_id = $1 AND id = $2
		RETURNING updated_at`
	row := p.db.QueryRowxContext(ctx, query,
		s.OwnerID, s.ID, s.Name, s.URL, s.Description, s.IsActive, nullJSON(s.CSSSchema), s.LastTested, results)
	if err := row.Scan(&s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update scraper: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteScraper(ctx context.Context, owner string, id int64) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM site_scrapers WHERE owner_id = $1 AND id = $2`, owner, id)
	if err != nil {
		return fmt.Errorf("delete scraper: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
