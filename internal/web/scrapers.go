package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"socialcal/internal/jobs"
	appLog "socialcal/internal/log"
	"socialcal/internal/model"
	"socialcal/internal/schema"
	"socialcal/internal/scraper"
)

type scraperForm struct {
	Name        string          `json:"name"`
	URL         string          `json:"url"`
	Description *string         `json:"description"`
	IsActive    *bool           `json:"is_active"`
	CSSSchema   json.RawMessage `json:"css_schema"`
}

// schemaOf validates a submitted schema and returns it in the stored form.
// An absent or null schema returns nil.
func schemaOf(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" {
		return nil, nil
	}
	s, err := schema.ParseSchema(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

func scraperID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid scraper id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleListScrapers(c *gin.Context) {
	list, err := s.deps.Scrapers.ListScrapers(c.Request.Context(), owner(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scrapers": list})
}

func (s *Server) handleGetScraper(c *gin.Context) {
	id, ok := scraperID(c)
	if !ok {
		return
	}
	sc, err := s.deps.Scrapers.GetScraper(c.Request.Context(), owner(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

// handleCreateScraper stores a site scraper. Without a schema a schema job
// is started and its id returned with the scraper.
func (s *Server) handleCreateScraper(c *gin.Context) {
	var form scraperForm
	if err := c.ShouldBindJSON(&form); err != nil {
		badRequest(c, "invalid scraper body")
		return
	}
	form.Name = strings.TrimSpace(form.Name)
	form.URL = strings.TrimSpace(form.URL)
	if form.Name == "" || !validSourceURL(form.URL) {
		badRequest(c, "name and an absolute http(s) url are required")
		return
	}
	css, err := schemaOf(form.CSSSchema)
	if err != nil {
		badRequest(c, "invalid css_schema: "+err.Error())
		return
	}

	sc := &model.SiteScraper{
		OwnerID:   owner(c),
		Name:      form.Name,
		URL:       form.URL,
		IsActive:  form.IsActive == nil || *form.IsActive,
		CSSSchema: css,
	}
	if form.Description != nil {
		sc.Description = strings.TrimSpace(*form.Description)
	}
	if err := s.deps.Scrapers.CreateScraper(c.Request.Context(), sc); err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"scraper": sc}
	if css == nil {
		jobID, err := s.deps.Jobs.Start(c.Request.Context(), schemaJob(sc))
		switch {
		case err == nil:
			resp["job_id"] = jobID
		case errors.Is(err, jobs.ErrBusy):
			appLog.Info("schema job not started; import running", "scraper_id", sc.ID)
		default:
			appLog.Warn("schema job not started", "scraper_id", sc.ID, "err", err.Error())
		}
	}
	c.JSON(http.StatusCreated, resp)
}

func schemaJob(sc *model.SiteScraper) jobs.Descriptor {
	return jobs.Descriptor{
		Mode:      jobs.ModeSchema,
		Kind:      scraper.KindSite,
		Owner:     sc.OwnerID,
		SourceURL: sc.URL,
		ScraperID: sc.ID,
	}
}

func (s *Server) handleUpdateScraper(c *gin.Context) {
	id, ok := scraperID(c)
	if !ok {
		return
	}
	var form scraperForm
	if err := c.ShouldBindJSON(&form); err != nil {
		badRequest(c, "invalid scraper body")
		return
	}
	sc, err := s.deps.Scrapers.GetScraper(c.Request.Context(), owner(c), id)
	if err != nil {
		writeError(c, err)
		return
	}

	if name := strings.TrimSpace(form.Name); name != "" {
		sc.Name = name
	}
	if u := strings.TrimSpace(form.URL); u != "" {
		if !validSourceURL(u) {
			badRequest(c, "url must be an absolute http(s) URL")
			return
		}
		sc.URL = u
	}
	if form.Description != nil {
		sc.Description = strings.TrimSpace(*form.Description)
	}
	if form.IsActive != nil {
		sc.IsActive = *form.IsActive
	}
	if form.CSSSchema != nil {
		css, err := schemaOf(form.CSSSchema)
		if err != nil {
			badRequest(c, "invalid css_schema: "+err.Error())
			return
		}
		sc.CSSSchema = css
	}

	if err := s.deps.Scrapers.UpdateScraper(c.Request.Context(), sc); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (s *Server) handleDeleteScraper(c *gin.Context) {
	id, ok := scraperID(c)
	if !ok {
		return
	}
	if err := s.deps.Scrapers.DeleteScraper(c.Request.Context(), owner(c), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRunScraper starts an import with a stored scraper. Its test results
// are updated by the run.
func (s *Server) handleRunScraper(c *gin.Context) {
	id, ok := scraperID(c)
	if !ok {
		return
	}
	sc, err := s.deps.Scrapers.GetScraper(c.Request.Context(), owner(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	s.runJob(c, jobs.Descriptor{
		Mode:      jobs.ModeImport,
		Kind:      scraper.KindSite,
		Owner:     sc.OwnerID,
		SourceURL: sc.URL,
		ScraperID: sc.ID,
	}, true)
}

// handleGenerateSchema regenerates the schema of a stored scraper in the
// background.
func (s *Server) handleGenerateSchema(c *gin.Context) {
	id, ok := scraperID(c)
	if !ok {
		return
	}
	sc, err := s.deps.Scrapers.GetScraper(c.Request.Context(), owner(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	jobID, err := s.deps.Jobs.Start(c.Request.Context(), schemaJob(sc))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": jobs.StateStarted, "job_id": jobID})
}
