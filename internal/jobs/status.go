// Package jobs runs import jobs in the background and publishes their
// snapshots to a shared status cache.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"socialcal/internal/apperr"
	"socialcal/internal/ingest"
)

// State discriminates the Status variant.
type State string

const (
	StateStarted  State = "started"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateError    State = "error"
)

// Terminal reports whether no further snapshot follows s.
func (s State) Terminal() bool { return s == StateComplete || s == StateError }

// Stage names the part of a running job.
type Stage string

const (
	StageScraping   Stage = "scraping"
	StageProcessing Stage = "processing"
)

type Stats struct {
	Found   int `json:"found"`
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Status is one job snapshot. Which fields are meaningful depends on State:
//
//	started   job_id, scraper_type, source_url
//	running   + stage, stage_progress, status_message
//	complete  + stats, events, skipped, message, redirect_url, cancelled
//	error     + error_kind, message
//
// Snapshots are built with Started, Running, Complete and Failed and are
// replaced whole on every update.
type Status struct {
	ID        string `json:"job_id"`
	State     State  `json:"status"`
	Kind      string `json:"scraper_type"`
	SourceURL string `json:"source_url"`

	OverallProgress int    `json:"overall_progress"`
	Stage           Stage  `json:"stage,omitempty"`
	StageProgress   int    `json:"stage_progress"`
	StatusMessage   string `json:"status_message,omitempty"`

	Stats       *Stats            `json:"stats,omitempty"`
	Events      []ingest.EventRef `json:"events,omitempty"`
	Skipped     []ingest.Skip     `json:"skipped,omitempty"`
	Message     string            `json:"message,omitempty"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	Diagnostic  map[string]int    `json:"diagnostic,omitempty"`
	Schema      json.RawMessage   `json:"css_schema,omitempty"`
	Cancelled   bool              `json:"cancelled"`

	// CancelRequested is set on reads once a client asked to stop the job.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	ErrorKind apperr.Kind `json:"error_kind,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func Started(id string, d Descriptor) Status {
	return Status{ID: id, State: StateStarted, Kind: d.Kind, SourceURL: d.SourceURL, StatusMessage: "Job started"}
}

// overall maps stage progress onto the whole job: scraping covers 0-50,
// processing 50-100.
func overall(stage Stage, pct int) int {
	pct = min(max(pct, 0), 100)
	if stage == StageProcessing {
		return 50 + pct/2
	}
	return pct / 2
}

func Running(prev Status, stage Stage, pct int, msg string) Status {
	s := header(prev, StateRunning)
	s.Stage = stage
	s.StageProgress = min(max(pct, 0), 100)
	s.StatusMessage = msg
	s.OverallProgress = max(prev.OverallProgress, overall(stage, pct))
	return s
}

func Complete(prev Status, r ingest.Report, msg string) Status {
	s := header(prev, StateComplete)
	s.OverallProgress = 100
	s.StageProgress = 100
	s.Stats = &Stats{Found: r.Found, Created: r.Created, Updated: r.Updated}
	s.Events = r.Events
	s.Skipped = r.Skipped
	s.Cancelled = r.Cancelled
	s.Message = msg
	s.StatusMessage = msg
	return s
}

func Failed(prev Status, err error) Status {
	s := header(prev, StateError)
	s.OverallProgress = prev.OverallProgress
	s.ErrorKind = apperr.KindOf(err)
	s.Message = apperr.Message(err)
	s.StatusMessage = s.Message
	return s
}

func header(prev Status, state State) Status {
	return Status{ID: prev.ID, State: state, Kind: prev.Kind, SourceURL: prev.SourceURL}
}

// Validate checks the fields required by the variant.
func (s Status) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("status: missing job_id")
	}
	switch s.State {
	case StateStarted:
	case StateRunning:
		if s.Stage != StageScraping && s.Stage != StageProcessing {
			return fmt.Errorf("status: running job %s has stage %q", s.ID, s.Stage)
		}
	case StateComplete:
		if s.Stats == nil {
			return fmt.Errorf("status: complete job %s has no stats", s.ID)
		}
	case StateError:
		if s.ErrorKind == "" {
			return fmt.Errorf("status: failed job %s has no error_kind", s.ID)
		}
	default:
		return fmt.Errorf("status: unknown status %q", s.State)
	}
	if s.OverallProgress < 0 || s.OverallProgress > 100 {
		return fmt.Errorf("status: overall_progress %d out of range", s.OverallProgress)
	}
	return nil
}

// decodeStatus parses and validates a cached snapshot.
func decodeStatus(b []byte) (Status, error) {
	var s Status
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("decode status: %w", err)
	}
	return s, s.Validate()
}
