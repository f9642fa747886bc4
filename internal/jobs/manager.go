package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"socialcal/internal/apperr"
	"socialcal/internal/ingest"
	appLog "socialcal/internal/log"
	"socialcal/internal/metrics"
	"socialcal/internal/model"
	"socialcal/internal/music"
)

const (
	DefaultStatusTTL   = time.Hour
	DefaultJobTimeout  = time.Hour
	DefaultRedirectURL = "/events/"
)

// ErrBusy is returned by Start while another import of the same owner and
// URL holds the lock.
var ErrBusy = errors.New("another import is already in progress for this URL")

// ErrNotFound is returned for unknown or expired job ids.
var ErrNotFound = errors.New("job not found")

type Mode string

const (
	// ModeImport scrapes a source and upserts its events.
	ModeImport Mode = "import"
	// ModeSchema generates and stores a selector schema for a site scraper.
	ModeSchema Mode = "schema"
)

// Descriptor describes the work of one job.
type Descriptor struct {
	Mode      Mode
	Kind      string
	Owner     string
	SourceURL string
	ScraperID int64
	Recipe    string

	// Session is the music lookup cache of the requesting session; nil uses
	// the process-wide cache.
	Session music.Cache
}

func (d Descriptor) lockKey() string {
	return fmt.Sprintf("import:%s:%s", d.Owner, d.SourceURL)
}

// ProgressFunc reports progress of the scraping stage, 0 to 100.
type ProgressFunc func(pct int, msg string)

// Scraped is what a pipeline produced for an import.
type Scraped struct {
	Records    []model.ScrapedRecord
	Diagnostic map[string]int
	Message    string
}

// Pipeline performs the source-specific part of a job.
type Pipeline interface {
	Scrape(ctx context.Context, d Descriptor, progress ProgressFunc) (Scraped, error)
	GenerateSchema(ctx context.Context, d Descriptor, progress ProgressFunc) (json.RawMessage, error)
}

// Config tunes the manager. Zero values take the defaults.
type Config struct {
	StatusTTL   time.Duration
	JobTimeout  time.Duration
	LockTimeout time.Duration
	RedirectURL string
}

// Manager starts jobs and serves their snapshots.
type Manager struct {
	cache    StatusCache
	lock     *TimedLock
	pipeline Pipeline
	engine   *ingest.Engine
	metrics  *metrics.Metrics
	cfg      Config

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cache StatusCache, pipeline Pipeline, engine *ingest.Engine, cfg Config, m *metrics.Metrics) *Manager {
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = DefaultStatusTTL
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = DefaultRedirectURL
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cache:    cache,
		lock:     NewTimedLock(cache, cfg.LockTimeout),
		pipeline: pipeline,
		engine:   engine,
		metrics:  m,
		cfg:      cfg,
		base:     base,
		cancel:   cancel,
	}
}

func statusKey(id string) string { return "job:" + id }
func cancelKey(id string) string { return "job:" + id + ":cancel" }

func (m *Manager) publish(ctx context.Context, s Status) error {
	s.UpdatedAt = time.Now().UTC()
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return m.cache.Set(ctx, statusKey(s.ID), b, m.cfg.StatusTTL)
}

// Start acquires the per-URL lock, publishes the started snapshot and runs
// the job in the background.
func (m *Manager) Start(ctx context.Context, d Descriptor) (string, error) {
	if d.Mode == "" {
		d.Mode = ModeImport
	}
	id := uuid.NewString()
	token, err := m.acquire(ctx, d)
	if err != nil {
		return "", err
	}

	st := Started(id, d)
	if err := m.publish(ctx, st); err != nil {
		_ = m.lock.Release(ctx, d.lockKey(), token)
		return "", err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(m.base, st, d, token)
	}()
	return id, nil
}

// RunSync runs a job on the calling goroutine and returns its final
// snapshot, which is also published.
func (m *Manager) RunSync(ctx context.Context, d Descriptor) (Status, error) {
	if d.Mode == "" {
		d.Mode = ModeImport
	}
	token, err := m.acquire(ctx, d)
	if err != nil {
		return Status{}, err
	}
	st := Started(uuid.NewString(), d)
	if err := m.publish(ctx, st); err != nil {
		_ = m.lock.Release(ctx, d.lockKey(), token)
		return Status{}, err
	}
	return m.run(ctx, st, d, token), nil
}

func (m *Manager) acquire(ctx context.Context, d Descriptor) (string, error) {
	token, ok, err := m.lock.Acquire(ctx, d.lockKey())
	if err != nil {
		return "", fmt.Errorf("acquire import lock: %w", err)
	}
	if !ok {
		return "", ErrBusy
	}
	return token, nil
}

// Status returns the latest snapshot of job id.
func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	b, err := m.cache.Get(ctx, statusKey(id))
	if errors.Is(err, ErrMiss) {
		return Status{}, ErrNotFound
	}
	if err != nil {
		return Status{}, err
	}
	s, err := decodeStatus(b)
	if err != nil {
		return Status{}, err
	}
	if !s.State.Terminal() {
		s.CancelRequested = m.cancelRequested(ctx, id)
	}
	return s, nil
}

// Cancel asks job id to stop after its current record.
func (m *Manager) Cancel(ctx context.Context, id string) (Status, error) {
	s, err := m.Status(ctx, id)
	if err != nil {
		return s, err
	}
	if s.State.Terminal() {
		return s, nil
	}
	if err := m.cache.Set(ctx, cancelKey(id), []byte("1"), m.cfg.StatusTTL); err != nil {
		return s, err
	}
	s.CancelRequested = true
	return s, nil
}

func (m *Manager) cancelRequested(ctx context.Context, id string) bool {
	_, err := m.cache.Get(ctx, cancelKey(id))
	return err == nil
}

// Shutdown stops running jobs and waits for them to publish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives one job to a terminal snapshot and returns it. The import
// lock is released before the terminal snapshot is published, so a client
// that sees it may start the next import at once.
func (m *Manager) run(parent context.Context, st Status, d Descriptor, token string) (final Status) {
	log := appLog.With("job_id", st.ID, "kind", d.Kind, "url", appLog.RedactURL(d.SourceURL))
	started := time.Now()
	m.metrics.JobStarted(d.Kind)

	ctx, cancel := context.WithTimeout(parent, m.cfg.JobTimeout)
	defer cancel()

	// Snapshots are written with a context that outlives the job's.
	pubCtx := context.WithoutCancel(ctx)
	current := st
	update := func(next Status) {
		current = next
		if err := m.publish(pubCtx, next); err != nil {
			log.Error("publish status failed", err)
		}
		if err := m.lock.Refresh(pubCtx, d.lockKey(), token); err != nil {
			log.Warn("import lock refresh failed", "err", err.Error())
		}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", fmt.Errorf("%v", r))
			final = Failed(current, apperr.New(apperr.Internal, "internal error"))
		}
		if err := m.lock.Release(pubCtx, d.lockKey(), token); err != nil {
			log.Warn("import lock release failed", "err", err.Error())
		}
		if err := m.publish(pubCtx, final); err != nil {
			log.Error("publish status failed", err)
		}
		m.metrics.JobFinished(d.Kind, string(final.State), time.Since(started))
		log.Info("job finished", "status", string(final.State), "elapsed", time.Since(started).String())
	}()

	return m.execute(ctx, pubCtx, d, &current, update, log)
}

// execute performs the job and returns its terminal snapshot without
// publishing it.
func (m *Manager) execute(ctx, pubCtx context.Context, d Descriptor, current *Status, update func(Status), log *appLog.Logger) Status {
	scrapeProgress := func(pct int, msg string) {
		update(Running(*current, StageScraping, pct, msg))
	}
	update(Running(*current, StageScraping, 0, "Fetching "+d.SourceURL))

	if d.Mode == ModeSchema {
		schema, err := m.pipeline.GenerateSchema(ctx, d, scrapeProgress)
		m.metrics.SchemaGenerated(err == nil)
		if err != nil {
			log.Warn("schema generation failed", "err", err.Error())
			return Failed(*current, err)
		}
		final := Complete(*current, ingest.Report{}, "Schema generated")
		final.Schema = schema
		return final
	}

	scraped, err := m.pipeline.Scrape(ctx, d, scrapeProgress)
	if err != nil {
		var final Status
		if apperr.Is(err, apperr.NoEventsFound) {
			final = Complete(*current, ingest.Report{}, apperr.Message(err))
			final.RedirectURL = m.cfg.RedirectURL
		} else {
			log.Warn("scrape failed", "err", err.Error())
			final = Failed(*current, err)
		}
		final.Diagnostic = scraped.Diagnostic
		return final
	}
	log.Info("scrape finished", "records", len(scraped.Records))
	update(Running(*current, StageScraping, 100, fmt.Sprintf("Found %d events", len(scraped.Records))))

	id := current.ID
	report, err := m.engine.Process(ctx, d.Owner, scraped.Records, ingest.Hooks{
		Session: d.Session,
		Progress: func(done, total int) {
			update(Running(*current, StageProcessing, done*100/total,
				fmt.Sprintf("Processing event %d of %d", done, total)))
		},
		Cancelled: func() bool { return m.cancelRequested(pubCtx, id) },
	})
	if err != nil {
		return Failed(*current, err)
	}

	final := Complete(*current, report, completionMessage(report, scraped.Message))
	final.Diagnostic = scraped.Diagnostic
	final.RedirectURL = m.cfg.RedirectURL
	return final
}

func completionMessage(r ingest.Report, extra string) string {
	msg := fmt.Sprintf("Successfully processed %d events (%d created, %d updated)",
		r.Created+r.Updated, r.Created, r.Updated)
	if n := len(r.Skipped); n > 0 {
		msg += fmt.Sprintf(". %d events were skipped", n)
	}
	if r.Cancelled {
		msg += ". Import was cancelled"
	}
	if extra != "" {
		msg += "\n" + extra
	}
	return msg
}
