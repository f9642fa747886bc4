// Package store persists events and site scrapers. Postgres backs
// production; Memory backs tests and single-process runs without a
// database_url.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"socialcal/internal/model"
)

// ErrNotFound is returned when a lookup matches no row owned by the caller.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by Create and Update when the owner already has
// another event with the same url.
var ErrDuplicate = errors.New("duplicate event url")

// EventStore is the event side of the store. Every method is scoped to an
// owner; each write is its own transaction.
type EventStore interface {
	FindByURL(ctx context.Context, owner, url string) (*model.Event, error)
	FindByTitleStart(ctx context.Context, owner, title string, start time.Time) (*model.Event, error)
	Create(ctx context.Context, ev *model.Event) error
	Update(ctx context.Context, ev *model.Event) error
	Get(ctx context.Context, owner string, id int64) (*model.Event, error)
	ListByOwner(ctx context.Context, owner string) ([]model.Event, error)
}

// ScraperStore holds user-owned site scrapers.
type ScraperStore interface {
	CreateScraper(ctx context.Context, s *model.SiteScraper) error
	GetScraper(ctx context.Context, owner string, id int64) (*model.SiteScraper, error)
	ListScrapers(ctx context.Context, owner string) ([]model.SiteScraper, error)
	UpdateScraper(ctx context.Context, s *model.SiteScraper) error
	DeleteScraper(ctx context.Context, owner string, id int64) error
	// ListActiveScrapers returns active scrapers of every owner.
	ListActiveScrapers(ctx context.Context) ([]model.SiteScraper, error)
}

// Store is both halves.
type Store interface {
	EventStore
	ScraperStore
}

const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
	pingTimeout     = 5 * time.Second
)

// Connect opens a Postgres pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
