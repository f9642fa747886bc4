package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Event is a persisted calendar event owned by a single user.
//
// Invariants for stored events: Title is non-empty, Start and End are set,
// End is after Start, URL and ImageURL are absolute when present and
// ImageURL is never a data: URI.
type Event struct {
	ID      int64  `json:"id" db:"id"`
	OwnerID string `json:"owner_id" db:"owner_id"`

	Title       string `json:"title" db:"title"`
	Description string `json:"description" db:"description"`

	Start time.Time `json:"start_time" db:"start_time"`
	End   time.Time `json:"end_time" db:"end_time"`

	Venue

	URL      string `json:"url" db:"url"`
	ImageURL string `json:"image_url" db:"image_url"`
	IsPublic bool   `json:"is_public" db:"is_public"`

	Music

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Venue holds the location fields of an event.
type Venue struct {
	VenueName    string `json:"venue_name" db:"venue_name"`
	VenueAddress string `json:"venue_address" db:"venue_address"`
	VenueCity    string `json:"venue_city" db:"venue_city"`
	VenueState   string `json:"venue_state" db:"venue_state"`
	VenuePostal  string `json:"venue_postal_code" db:"venue_postal_code"`
	VenueCountry string `json:"venue_country" db:"venue_country"`
}

// Location formats the venue as a single comma-separated line.
func (v Venue) Location() string {
	parts := []string{v.VenueName, v.VenueAddress, v.VenueCity, v.VenueState, v.VenuePostal, v.VenueCountry}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}

// Music holds track metadata attached to music events.
type Music struct {
	TrackID     string `json:"music_track_id" db:"music_track_id"`
	TrackName   string `json:"music_track_name" db:"music_track_name"`
	ArtistID    string `json:"music_artist_id" db:"music_artist_id"`
	ArtistName  string `json:"music_artist_name" db:"music_artist_name"`
	PreviewURL  string `json:"music_preview_url" db:"music_preview_url"`
	ExternalURL string `json:"music_external_url" db:"music_external_url"`
}

// IsZero reports whether no music metadata is attached.
func (m Music) IsZero() bool {
	return m == Music{}
}

// ScrapedRecord is the intermediate free-text form of an event produced by
// an extractor. It lives only for the duration of one import job.
type ScrapedRecord struct {
	Title       string `json:"title"`
	Date        string `json:"date"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Location    string `json:"location"`
	Description string `json:"description"`
	URL         string `json:"url"`
	ImageURL    string `json:"image_url"`

	// Venue is set by extractors that already know the structured venue
	// (iCal LOCATION split, JSON-LD Place). It wins over Location.
	Venue *Venue `json:"venue,omitempty"`

	// Start/End are set by extractors that carry real instants (iCal). When
	// present the date/time strings are informational only.
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
	// AllDay marks date-only feed events.
	AllDay bool `json:"all_day,omitempty"`

	// UID is the feed identifier, when the source has one.
	UID string `json:"uid,omitempty"`
}

// SiteScraper is a persisted, user-owned description of how to scrape one
// listing page.
type SiteScraper struct {
	ID          int64           `json:"id" db:"id"`
	OwnerID     string          `json:"owner_id" db:"owner_id"`
	Name        string          `json:"name" db:"name"`
	URL         string          `json:"url" db:"url"`
	Description string          `json:"description" db:"description"`
	IsActive    bool            `json:"is_active" db:"is_active"`
	CSSSchema   json.RawMessage `json:"css_schema,omitempty" db:"-"`
	LastTested  *time.Time      `json:"last_tested,omitempty" db:"last_tested"`
	TestResults *TestResults    `json:"test_results,omitempty" db:"-"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// TestResults summarizes the last run of a site scraper.
type TestResults struct {
	Timestamp   time.Time       `json:"timestamp"`
	EventsCount int             `json:"events_count"`
	Events      []ScrapedRecord `json:"events"`
	Error       string          `json:"error,omitempty"`
}

// MaxTestResultEvents caps how many records are kept in TestResults.
const MaxTestResultEvents = 5
