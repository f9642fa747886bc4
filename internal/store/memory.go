package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"socialcal/internal/model"
)

// Memory is an in-process Store. Values are copied in and out so callers
// never share state with the store.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	nextEvent int64
	nextScr   int64
	events    map[int64]model.Event
	scrapers  map[int64]model.SiteScraper
}

func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		events:   make(map[int64]model.Event),
		scrapers: make(map[int64]model.SiteScraper),
	}
}

func (m *Memory) findEvent(match func(model.Event) bool) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.Event
	for _, ev := range m.events {
		if match(ev) && (best == nil || ev.ID < best.ID) {
			best = &ev
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (m *Memory) FindByURL(_ context.Context, owner, url string) (*model.Event, error) {
	if url == "" {
		return nil, ErrNotFound
	}
	return m.findEvent(func(ev model.Event) bool { return ev.OwnerID == owner && ev.URL == url })
}

func (m *Memory) FindByTitleStart(_ context.Context, owner, title string, start time.Time) (*model.Event, error) {
	return m.findEvent(func(ev model.Event) bool {
		return ev.OwnerID == owner && ev.Title == title && ev.Start.Equal(start)
	})
}

func (m *Memory) Get(_ context.Context, owner string, id int64) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok || ev.OwnerID != owner {
		return nil, ErrNotFound
	}
	return &ev, nil
}

func (m *Memory) ListByOwner(_ context.Context, owner string) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Event{}
	for _, ev := range m.events {
		if ev.OwnerID == owner {
			out = append(out, ev)
		}
	}
	slices.SortFunc(out, func(a, b model.Event) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// urlTaken mirrors the (owner_id, url) unique index. The caller holds mu;
// self is skipped; Create passes 0.
func (m *Memory) urlTaken(ev *model.Event, self int64) bool {
	if ev.URL == "" {
		return false
	}
	for id, other := range m.events {
		if id != self && other.OwnerID == ev.OwnerID && other.URL == ev.URL {
			return true
		}
	}
	return false
}

func (m *Memory) Create(_ context.Context, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.urlTaken(ev, 0) {
		return ErrDuplicate
	}
	m.nextEvent++
	now := m.now()
	ev.ID = m.nextEvent
	ev.CreatedAt, ev.UpdatedAt = now, now
	m.events[ev.ID] = *ev
	return nil
}

func (m *Memory) Update(_ context.Context, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.events[ev.ID]
	if !ok || old.OwnerID != ev.OwnerID {
		return ErrNotFound
	}
	if m.urlTaken(ev, ev.ID) {
		return ErrDuplicate
	}
	ev.CreatedAt = old.CreatedAt
	ev.UpdatedAt = m.now()
	m.events[ev.ID] = *ev
	return nil
}

func cloneScraper(s model.SiteScraper) model.SiteScraper {
	s.CSSSchema = slices.Clone(s.CSSSchema)
	if s.TestResults != nil {
		tr := *s.TestResults
		tr.Events = slices.Clone(tr.Events)
		s.TestResults = &tr
	}
	if s.LastTested != nil {
		t := *s.LastTested
		s.LastTested = &t
	}
	return s
}

func (m *Memory) CreateScraper(_ context.Context, s *model.SiteScraper) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextScr++
	now := m.now()
	s.ID = m.nextScr
	s.CreatedAt, s.UpdatedAt = now, now
	m.scrapers[s.ID] = cloneScraper(*s)
	return nil
}

func (m *Memory) GetScraper(_ context.Context, owner string, id int64) (*model.SiteScraper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scrapers[id]
	if !ok || s.OwnerID != owner {
		return nil, ErrNotFound
	}
	s = cloneScraper(s)
	return &s, nil
}

func (m *Memory) listScrapers(match func(model.SiteScraper) bool) []model.SiteScraper {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.SiteScraper{}
	for _, s := range m.scrapers {
		if match(s) {
			out = append(out, cloneScraper(s))
		}
	}
	slices.SortFunc(out, func(a, b model.SiteScraper) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (m *Memory) ListScrapers(_ context.Context, owner string) ([]model.SiteScraper, error) {
	return m.listScrapers(func(s model.SiteScraper) bool { return s.OwnerID == owner }), nil
}

func (m *Memory) ListActiveScrapers(_ context.Context) ([]model.SiteScraper, error) {
	return m.listScrapers(func(s model.SiteScraper) bool { return s.IsActive }), nil
}

func (m *Memory) UpdateScraper(_ context.Context, s *model.SiteScraper) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.scrapers[s.ID]
	if !ok || old.OwnerID != s.OwnerID {
		return ErrNotFound
	}
	s.CreatedAt = old.CreatedAt
	s.UpdatedAt = m.now()
	m.scrapers[s.ID] = cloneScraper(*s)
	return nil
}

func (m *Memory) DeleteScraper(_ context.Context, owner string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scrapers[id]
	if !ok || s.OwnerID != owner {
		return ErrNotFound
	}
	delete(m.scrapers, id)
	return nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
