package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"socialcal/internal/config"
	"socialcal/internal/extract"
	"socialcal/internal/fetch"
	"socialcal/internal/ics"
	"socialcal/internal/ingest"
	"socialcal/internal/jobs"
	"socialcal/internal/llm"
	appLog "socialcal/internal/log"
	"socialcal/internal/metrics"
	"socialcal/internal/music"
	"socialcal/internal/scheduler"
	"socialcal/internal/schema"
	"socialcal/internal/scraper"
	"socialcal/internal/store"
	"socialcal/internal/timeparse"
	"socialcal/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	debug      bool

	// One-shot import: -import URL [-type ical] [-owner id] runs a single
	// synchronous import and exits.
	importURL string
	kind      string
	owner     string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.debug {
		conf.Log.Level = string(appLog.LevelDebug)
	}
	appLog.Configure(appLog.Level(conf.Log.Level), conf.Log.Format)
	defer appLog.Sync()

	appLog.Info("socialcal starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"store", map[bool]string{true: "postgres", false: "memory"}[conf.DatabaseURL != ""],
		"redis", conf.UseRedis(),
		"refresh", conf.RefreshCron,
		"chromium", conf.Chromium.Enabled,
		"llm", conf.LLMEnabled(),
		"music", conf.MusicEnabled(),
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("socialcal stopped with error", err)
		appLog.Sync()
		os.Exit(1)
	}
	appLog.Info("socialcal exiting")
}

// app is the wired service.
type app struct {
	events   store.Store
	manager  *jobs.Manager
	pipeline *scraper.Dispatcher
	registry *prometheus.Registry
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func run(ctx context.Context, conf *config.Settings, flags flagConfig) error {
	a, err := build(ctx, conf)
	if err != nil {
		return err
	}
	defer a.close()

	if flags.importURL != "" {
		return importOnce(ctx, a, flags)
	}

	if conf.RefreshCron != "" {
		refresher, err := scheduler.New(conf.RefreshCron, a.events, a.manager)
		if err != nil {
			return err
		}
		if err := refresher.Start(); err != nil {
			return err
		}
		defer refresher.Stop()
	}

	srv := web.NewServer(web.Deps{
		Jobs:       a.manager,
		Kinds:      a.pipeline,
		Events:     a.events,
		Scrapers:   a.events,
		PublicHost: conf.PublicHost,
		Location:   conf.Location(),
		Gatherer:   a.registry,
		Debug:      flags.debug,
	})
	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("http shutdown incomplete", "err", err.Error())
	}
	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("jobs still running at shutdown", "err", err.Error())
	}
	return nil
}

func build(ctx context.Context, conf *config.Settings) (*app, error) {
	a := &app{registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)
	loc := conf.Location()

	if conf.DatabaseURL != "" {
		db, err := store.Connect(ctx, conf.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if err := store.Migrate(ctx, db); err != nil {
			a.close()
			return nil, err
		}
		a.events = store.NewPostgres(db)
	} else {
		appLog.Warn("no database_url configured; events are kept in memory")
		a.events = store.NewMemory()
	}

	cache, err := statusCache(ctx, conf, a)
	if err != nil {
		a.close()
		return nil, err
	}

	fetcher := newFetcher(conf)

	var extractors []extract.Extractor
	extractors = append(extractors, extract.NewJSONLDExtractor(fetcher, loc))
	if conf.Keys.Firecrawl != "" && conf.Keys.Groq != "" {
		groq := llm.NewGroq(llm.Config{APIKey: conf.Keys.Groq, Timeout: conf.Timeouts.LLM})
		extractors = append(extractors, extract.NewFirecrawlExtractor(extract.APIConfig{APIKey: conf.Keys.Firecrawl}, groq))
	}
	if conf.Keys.SimpleScraper != "" {
		extractors = append(extractors, extract.NewSimpleScraperExtractor(extract.APIConfig{APIKey: conf.Keys.SimpleScraper}))
	}

	var generator *schema.Generator
	provider, err := llm.FromSettings(conf)
	switch {
	case err == nil:
		generator = schema.NewGenerator(fetcher, schema.NewLLMGenerator(provider))
		appLog.Info("schema generation enabled", "provider", provider.Name())
	case errors.Is(err, llm.ErrNoProvider):
		appLog.Warn("no LLM key configured; generic extraction returns no events")
	default:
		a.close()
		return nil, err
	}

	a.pipeline = scraper.New(scraper.Deps{
		Feeds: ics.NewScraper(fetcher, ics.ScraperConfig{
			Location: loc,
			Horizon:  time.Duration(conf.FeedHorizonDays) * 24 * time.Hour,
		}),
		Generator:  generator,
		Runner:     extract.NewRunner(fetcher),
		Extractors: extractors,
		Scrapers:   a.events,
	})
	appLog.Info("scraper types registered", "kinds", a.pipeline.Kinds())

	var enricher *music.Enricher
	if conf.MusicEnabled() {
		client := music.NewSpotifyClient(music.SpotifyConfig{
			ClientID:     conf.Keys.SpotifyClientID,
			ClientSecret: conf.Keys.SpotifyClientSecret,
		})
		enricher = music.NewEnricher(client, music.NewMemoryCache(music.DefaultCacheTTL))
	}

	engine := ingest.NewEngine(a.events,
		ingest.NewNormalizer(timeparse.NewParser(loc)),
		ingest.WithMusic(enricher),
		ingest.WithMetrics(m),
	)
	a.manager = jobs.NewManager(cache, a.pipeline, engine, jobs.Config{
		StatusTTL:   conf.Timeouts.Status,
		JobTimeout:  conf.Timeouts.Job,
		LockTimeout: conf.Timeouts.Lock,
	}, m)
	return a, nil
}

func statusCache(ctx context.Context, conf *config.Settings, a *app) (jobs.StatusCache, error) {
	if !conf.UseRedis() {
		appLog.Info("using in-process job cache; run a single worker")
		return jobs.NewMemoryCache(), nil
	}
	client, err := jobs.ConnectRedis(ctx, conf.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	appLog.Info("using redis job cache", "url", appLog.RedactURL(conf.RedisURL))
	return jobs.NewRedisCache(client), nil
}

// newFetcher routes browser-style fetches to Chromium when it is enabled
// and everything else to plain HTTP with the conditional disk cache.
func newFetcher(conf *config.Settings) fetch.Fetcher {
	robots := fetch.NewRobotsChecker(nil, conf.UserAgent, 0)
	httpFetcher := fetch.NewHTTPFetcher(fetch.HTTPConfig{
		CacheDir:  conf.CacheDir,
		UserAgent: conf.UserAgent,
		Timeout:   conf.Timeouts.Fetch,
		Robots:    robots,
	})
	if !conf.Chromium.Enabled {
		return fetch.NewAuto(httpFetcher, nil)
	}
	chrome := fetch.NewChromeFetcher(fetch.ChromeConfig{
		ExecPath:  conf.Chromium.ExecPath,
		UserAgent: conf.UserAgent,
		Fallback:  httpFetcher,
	})
	return fetch.NewAuto(httpFetcher, chrome)
}

func importOnce(ctx context.Context, a *app, flags flagConfig) error {
	st, err := a.manager.RunSync(ctx, jobs.Descriptor{
		Mode:      jobs.ModeImport,
		Kind:      flags.kind,
		Owner:     flags.owner,
		SourceURL: flags.importURL,
	})
	if err != nil {
		return err
	}
	if st.State == jobs.StateError {
		return fmt.Errorf("import failed (%s): %s", st.ErrorKind, st.Message)
	}
	fmt.Println(st.Message)
	for _, ev := range st.Events {
		fmt.Printf("  %-7s %s\n", ev.Action, ev.Display)
	}
	for _, sk := range st.Skipped {
		fmt.Printf("  skipped %s: %s\n", sk.Title, sk.Reason)
	}
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/socialcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.debug, "debug", false, "Debug logging and gin debug mode")
	flag.StringVar(&cfg.importURL, "import", "", "Import this URL once and exit")
	flag.StringVar(&cfg.kind, "type", scraper.KindICal, "Scraper type for -import")
	flag.StringVar(&cfg.owner, "owner", "cli", "Owner id for -import")

	flag.Parse()

	return cfg
}
