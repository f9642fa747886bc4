// Package web serves the import, site-scraper and calendar endpoints used by
// the UI and by calendar clients.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"socialcal/internal/apperr"
	"socialcal/internal/jobs"
	appLog "socialcal/internal/log"
	"socialcal/internal/metrics"
	"socialcal/internal/store"
)

// OwnerHeader carries the id of the authenticated user, set by the fronting
// proxy.
const OwnerHeader = "X-User-ID"

// JobRunner is the part of jobs.Manager the handlers use.
type JobRunner interface {
	Start(ctx context.Context, d jobs.Descriptor) (string, error)
	RunSync(ctx context.Context, d jobs.Descriptor) (jobs.Status, error)
	Status(ctx context.Context, id string) (jobs.Status, error)
	Cancel(ctx context.Context, id string) (jobs.Status, error)
}

// KindChecker reports which scraper types can be imported.
type KindChecker interface {
	Supports(kind string) bool
}

// Deps are the components behind the HTTP surface.
type Deps struct {
	Jobs     JobRunner
	Kinds    KindChecker
	Events   store.EventStore
	Scrapers store.ScraperStore
	// PublicHost is the UID host of exported calendar entries.
	PublicHost string
	Location   *time.Location
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Debug    bool
}

// Server provides the HTTP API.
type Server struct {
	deps   Deps
	router *gin.Engine
}

func NewServer(deps Deps) *Server {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{deps: deps, router: gin.New()}
	s.router.Use(recovery(), requestLogger())
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler(s.deps.Gatherer)))

	api := r.Group("/", requireOwner())
	api.POST("/events/import", s.handleImport)
	api.GET("/events/import/status/:id", s.handleImportStatus)
	api.POST("/events/import/:id/cancel", s.handleImportCancel)

	api.GET("/events", s.handleListEvents)
	api.POST("/events", s.handleCreateEvent)
	api.GET("/events/export.ics", s.handleExport)

	api.GET("/scrapers", s.handleListScrapers)
	api.POST("/scrapers", s.handleCreateScraper)
	api.GET("/scrapers/:id", s.handleGetScraper)
	api.PUT("/scrapers/:id", s.handleUpdateScraper)
	api.DELETE("/scrapers/:id", s.handleDeleteScraper)
	api.POST("/scrapers/:id/run", s.handleRunScraper)
	api.POST("/scrapers/:id/schema", s.handleGenerateSchema)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func owner(c *gin.Context) string {
	return c.GetString(ownerKey)
}

// httpStatus maps an error onto a response code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, jobs.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return kindStatus(apperr.KindOf(err))
}

func kindStatus(k apperr.Kind) int {
	switch {
	case k.PerRecord(), k == apperr.SelectorNotMatching:
		return http.StatusBadRequest
	case k == apperr.NoCalendarFound, k == apperr.NoEventsFound, k == apperr.SchemaGenerationFailed:
		return http.StatusUnprocessableEntity
	case k == apperr.Timeout:
		return http.StatusGatewayTimeout
	case k == apperr.Cancelled:
		return http.StatusConflict
	case k.IsHTTP(), k == apperr.FetchFailed, k == apperr.RobotsDisallowed, k == apperr.UpstreamLLMError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError sends {"error": msg}. Internal errors are logged and replaced
// by a generic message.
func writeError(c *gin.Context, err error) {
	code := httpStatus(err)
	msg := apperr.Message(err)
	if code == http.StatusInternalServerError {
		appLog.Error("request failed", err, "path", c.FullPath())
		msg = "internal error"
	}
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
