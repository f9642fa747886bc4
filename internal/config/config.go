package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// NOTE: Settings is constructed once at startup (Load) and validated up
// front. Nothing below main reads the environment directly.

// LogConfig controls the log backend.
type LogConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR.
	Level string `yaml:"level" json:"level"`
	// Format is "console" (default) or "json".
	Format string `yaml:"format" json:"format"`
}

// ChromiumConfig controls headless browser fetching.
type ChromiumConfig struct {
	// Enabled turns on chromedp-backed fetching for stealth/JS pages. When
	// disabled every fetch goes through the plain HTTP fetcher.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// ExecPath optionally points at a Chromium binary.
	ExecPath string `yaml:"exec_path,omitempty" json:"exec_path,omitempty"`
}

// Timeouts groups the pipeline time budgets.
type Timeouts struct {
	Fetch  time.Duration `yaml:"fetch" json:"fetch"`
	LLM    time.Duration `yaml:"llm" json:"llm"`
	Job    time.Duration `yaml:"job" json:"job"`
	Status time.Duration `yaml:"status_ttl" json:"status_ttl"`
	Lock   time.Duration `yaml:"lock" json:"lock"`
}

// Keys holds third-party credentials. Each one switches a feature on.
type Keys struct {
	OpenAI              string `yaml:"openai_api_key,omitempty" json:"-"`
	Gemini              string `yaml:"gemini_api_key,omitempty" json:"-"`
	Anthropic           string `yaml:"anthropic_api_key,omitempty" json:"-"`
	Groq                string `yaml:"groq_api_key,omitempty" json:"-"`
	Firecrawl           string `yaml:"firecrawl_api_key,omitempty" json:"-"`
	SimpleScraper       string `yaml:"simplescraper_api_key,omitempty" json:"-"`
	SpotifyClientID     string `yaml:"spotify_client_id,omitempty" json:"-"`
	SpotifyClientSecret string `yaml:"spotify_client_secret,omitempty" json:"-"`
}

// Settings is the top-level application configuration.
type Settings struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone events are normalized into
	// (e.g. "America/New_York").
	Timezone string `yaml:"timezone" json:"timezone"`

	// PublicHost is used for iCal UIDs (<id>@<host>) and the webcal link.
	PublicHost string `yaml:"public_host" json:"public_host"`

	// DatabaseURL is a Postgres DSN. Empty selects the in-memory store.
	DatabaseURL string `yaml:"database_url,omitempty" json:"-"`

	// RedisURL points at the shared job-status cache. Empty, or
	// DisableRedisCache, selects the in-process cache (single worker only).
	RedisURL          string `yaml:"redis_url,omitempty" json:"-"`
	DisableRedisCache bool   `yaml:"disable_redis_cache" json:"disable_redis_cache"`

	// CacheDir holds the conditional-fetch cache (ETag / Last-Modified).
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// RefreshCron re-runs active site scrapers. Empty disables it.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// FeedHorizonDays bounds recurring iCal expansion.
	FeedHorizonDays int `yaml:"feed_horizon_days" json:"feed_horizon_days"`

	UserAgent string `yaml:"user_agent" json:"user_agent"`

	Timeouts Timeouts       `yaml:"timeouts" json:"timeouts"`
	Log      LogConfig      `yaml:"log" json:"log"`
	Chromium ChromiumConfig `yaml:"chromium" json:"chromium"`
	Keys     Keys           `yaml:"keys" json:"-"`

	// location is resolved once by Validate.
	location *time.Location
}

const (
	DefaultTimezone  = "America/New_York"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// DefaultSettings returns an in-memory default configuration.
func DefaultSettings() *Settings {
	return &Settings{
		Listen:          "127.0.0.1:8080",
		Timezone:        DefaultTimezone,
		PublicHost:      "localhost",
		CacheDir:        "./var/fetch-cache",
		RefreshCron:     "",
		FeedHorizonDays: 180,
		UserAgent:       DefaultUserAgent,
		Timeouts: Timeouts{
			Fetch:  60 * time.Second,
			LLM:    80 * time.Second,
			Job:    time.Hour,
			Status: time.Hour,
			Lock:   5 * time.Minute,
		},
		Log:      LogConfig{Level: "INFO", Format: "console"},
		Chromium: ChromiumConfig{Enabled: true},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled files still behave correctly.
func (s *Settings) Normalize() {
	d := DefaultSettings()
	if s.Listen == "" {
		s.Listen = d.Listen
	}
	if s.Timezone == "" {
		s.Timezone = d.Timezone
	}
	if s.PublicHost == "" {
		s.PublicHost = d.PublicHost
	}
	if s.CacheDir == "" {
		s.CacheDir = d.CacheDir
	}
	if s.FeedHorizonDays <= 0 {
		s.FeedHorizonDays = d.FeedHorizonDays
	}
	if s.UserAgent == "" {
		s.UserAgent = d.UserAgent
	}
	if s.Timeouts.Fetch <= 0 {
		s.Timeouts.Fetch = d.Timeouts.Fetch
	}
	if s.Timeouts.LLM <= 0 {
		s.Timeouts.LLM = d.Timeouts.LLM
	}
	if s.Timeouts.Job <= 0 {
		s.Timeouts.Job = d.Timeouts.Job
	}
	if s.Timeouts.Status <= 0 {
		s.Timeouts.Status = d.Timeouts.Status
	}
	if s.Timeouts.Lock <= 0 {
		s.Timeouts.Lock = d.Timeouts.Lock
	}
	if s.Log.Level == "" {
		s.Log.Level = d.Log.Level
	}
	if s.Log.Format == "" {
		s.Log.Format = d.Log.Format
	}
}

// Validate checks the settings and resolves the timezone. It must be called
// once before the settings are handed to the rest of the program.
func (s *Settings) Validate() error {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", s.Timezone, err)
	}
	s.location = loc

	if s.Timeouts.Lock > s.Timeouts.Job {
		return fmt.Errorf("config: lock timeout %s exceeds job timeout %s", s.Timeouts.Lock, s.Timeouts.Job)
	}
	if (s.Keys.SpotifyClientID == "") != (s.Keys.SpotifyClientSecret == "") {
		return errors.New("config: spotify client id and secret must be set together")
	}
	switch strings.ToLower(s.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", s.Log.Format)
	}
	return nil
}

// Location returns the canonical timezone. Validate must have succeeded.
func (s *Settings) Location() *time.Location {
	if s.location == nil {
		return time.UTC
	}
	return s.location
}

// UseRedis reports whether the shared Redis cache should back job state.
func (s *Settings) UseRedis() bool {
	return s.RedisURL != "" && !s.DisableRedisCache
}

// LLMEnabled reports whether any schema-generation provider is configured.
func (s *Settings) LLMEnabled() bool {
	return s.Keys.OpenAI != "" || s.Keys.Gemini != "" || s.Keys.Anthropic != ""
}

// MusicEnabled reports whether music enrichment can run.
func (s *Settings) MusicEnabled() bool {
	return s.Keys.SpotifyClientID != "" && s.Keys.SpotifyClientSecret != ""
}

// Load loads configuration from the given YAML path, then overlays the
// environment (including a .env file in the working directory, if any).
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - If the file exists:
//   - read YAML and unmarshal into Settings
//   - normalize defaults
//   - Environment keys override file values.
func Load(path string) (*Settings, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	// Missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}

	ApplyEnv(cfg, os.LookupEnv)
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultSettings()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Settings
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// LookupFunc matches os.LookupEnv; tests pass a map-backed lookup.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays recognized environment keys onto cfg.
func ApplyEnv(cfg *Settings, lookup LookupFunc) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("OPENAI_API_KEY", &cfg.Keys.OpenAI)
	str("GEMINI_API_KEY", &cfg.Keys.Gemini)
	str("ANTHROPIC_API_KEY", &cfg.Keys.Anthropic)
	str("GROQ_API_KEY", &cfg.Keys.Groq)
	str("FIRECRAWL_API_KEY", &cfg.Keys.Firecrawl)
	str("SIMPLESCRAPER_API_KEY", &cfg.Keys.SimpleScraper)
	str("SPOTIFY_CLIENT_ID", &cfg.Keys.SpotifyClientID)
	str("SPOTIFY_CLIENT_SECRET", &cfg.Keys.SpotifyClientSecret)
	str("REDIS_URL", &cfg.RedisURL)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("SOCIALCAL_LISTEN", &cfg.Listen)
	str("SOCIALCAL_TIMEZONE", &cfg.Timezone)
	str("SOCIALCAL_PUBLIC_HOST", &cfg.PublicHost)
	str("SOCIALCAL_LOG_LEVEL", &cfg.Log.Level)

	if v, ok := lookup("DISABLE_REDIS_CACHE"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.DisableRedisCache = b
		}
	}
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Settings) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".socialcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
