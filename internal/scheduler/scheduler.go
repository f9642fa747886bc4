// Package scheduler re-runs active site scrapers on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"socialcal/internal/jobs"
	appLog "socialcal/internal/log"
	"socialcal/internal/model"
	"socialcal/internal/scraper"
)

// ScraperLister lists the site scrapers to refresh.
type ScraperLister interface {
	ListActiveScrapers(ctx context.Context) ([]model.SiteScraper, error)
}

// Starter starts a background job; jobs.Manager satisfies it.
type Starter interface {
	Start(ctx context.Context, d jobs.Descriptor) (string, error)
}

// Refresher starts one import job per active site scraper on every tick.
type Refresher struct {
	spec     string
	cron     *cron.Cron
	scrapers ScraperLister
	jobs     Starter

	ctx    context.Context
	cancel context.CancelFunc
}

// Standard 5-field expressions plus descriptors such as "@every 30m".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates spec. The refresher does nothing until Start.
func New(spec string, scrapers ScraperLister, starter Starter) (*Refresher, error) {
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("scheduler: invalid refresh schedule %q: %w", spec, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		spec:     spec,
		cron:     cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		scrapers: scrapers,
		jobs:     starter,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start schedules the refresh and starts the cron loop.
func (r *Refresher) Start() error {
	_, err := r.cron.AddFunc(r.spec, func() {
		if _, err := r.RunOnce(r.ctx); err != nil {
			appLog.Error("scraper refresh failed", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	r.cron.Start()
	appLog.Info("scraper refresh scheduled", "schedule", r.spec)
	return nil
}

// Stop stops the cron loop and waits for a running tick.
func (r *Refresher) Stop() {
	r.cancel()
	<-r.cron.Stop().Done()
	appLog.Info("scraper refresh stopped")
}

// RunOnce starts an import for every active scraper and returns how many
// were started. Scrapers whose previous import is still running are skipped.
func (r *Refresher) RunOnce(ctx context.Context) (int, error) {
	list, err := r.scrapers.ListActiveScrapers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active scrapers: %w", err)
	}
	started := 0
	for _, sc := range list {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		id, err := r.jobs.Start(ctx, jobs.Descriptor{
			Mode:      jobs.ModeImport,
			Kind:      scraper.KindSite,
			Owner:     sc.OwnerID,
			SourceURL: sc.URL,
			ScraperID: sc.ID,
		})
		switch {
		case errors.Is(err, jobs.ErrBusy):
			appLog.Debug("scraper refresh skipped; import running", "scraper_id", sc.ID)
		case err != nil:
			appLog.Warn("scraper refresh could not start", "scraper_id", sc.ID, "err", err.Error())
		default:
			started++
			appLog.Info("scraper refresh started", "scraper_id", sc.ID, "job_id", id)
		}
	}
	return started, nil
}
