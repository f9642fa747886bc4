package music

import (
	"context"
	"sync"
	"time"

	appLog "socialcal/internal/log"
	"socialcal/internal/model"
)

// Cache remembers lookups by event key. A cached zero Track records that
// the service had nothing for the artist.
type Cache interface {
	Get(key string) (Track, bool)
	Set(key string, t Track)
}

// MapCache is a session-scoped cache: the caller owns the map and its
// lifetime. It is not safe for concurrent use.
type MapCache map[string]Track

func (m MapCache) Get(key string) (Track, bool) {
	t, ok := m[key]
	return t, ok
}

func (m MapCache) Set(key string, t Track) { m[key] = t }

// MemoryCache is the process-scoped cache used when no session is
// available. Entries expire after ttl.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	track   Track
	expires time.Time
}

const DefaultCacheTTL = 24 * time.Hour

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(key string) (Track, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Track{}, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return Track{}, false
	}
	return e.track, true
}

func (c *MemoryCache) Set(key string, t Track) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{track: t, expires: c.now().Add(c.ttl)}
}

// Enricher attaches track metadata to music events.
type Enricher struct {
	client   Client
	fallback Cache
}

// NewEnricher returns an Enricher; a nil client disables enrichment.
func NewEnricher(client Client, fallback Cache) *Enricher {
	if fallback == nil {
		fallback = NewMemoryCache(DefaultCacheTTL)
	}
	return &Enricher{client: client, fallback: fallback}
}

// Enabled reports whether lookups can happen at all.
func (e *Enricher) Enabled() bool { return e != nil && e.client != nil }

// Enrich sets the music fields of ev when it looks like a music event and a
// track is found. The session cache is consulted first, then the process
// cache; session may be nil. Failures leave the fields empty and are never
// returned.
func (e *Enricher) Enrich(ctx context.Context, session Cache, key string, ev *model.Event) bool {
	if !e.Enabled() || !IsMusicEvent(ev.Title, ev.Description) {
		return false
	}

	if key != "" {
		if t, ok := e.cached(session, key); ok {
			apply(ev, t)
			return t.ID != ""
		}
	}

	artist := ExtractArtist(ev.Title)
	if artist == "" {
		return false
	}
	t, err := e.client.SearchTrack(ctx, artist)
	if err != nil {
		appLog.Warn("music lookup failed", "artist", artist, "err", err.Error())
		return false
	}

	var found Track
	if t != nil {
		found = *t
	}
	if key != "" {
		e.fallback.Set(key, found)
		if session != nil {
			session.Set(key, found)
		}
	}
	apply(ev, found)
	appLog.Debug("music lookup", "artist", artist, "track_id", found.ID)
	return found.ID != ""
}

// cached looks key up in session, then in the process cache. A process
// hit is copied into the session.
func (e *Enricher) cached(session Cache, key string) (Track, bool) {
	if session != nil {
		if t, ok := session.Get(key); ok {
			return t, true
		}
	}
	t, ok := e.fallback.Get(key)
	if ok && session != nil {
		session.Set(key, t)
	}
	return t, ok
}

func apply(ev *model.Event, t Track) {
	if t.ID == "" {
		return
	}
	ev.Music = model.Music{
		TrackID:     t.ID,
		TrackName:   t.Name,
		ArtistID:    t.ArtistID,
		ArtistName:  t.ArtistName,
		PreviewURL:  t.PreviewURL,
		ExternalURL: t.ExternalURL,
	}
}
