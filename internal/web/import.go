package web

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"socialcal/internal/jobs"
	"socialcal/internal/scraper"
)

type importForm struct {
	ScraperType string `form:"scraper_type" binding:"required"`
	SourceURL   string `form:"source_url" binding:"required"`
	Async       bool   `form:"async"`
	// Recipe is the SimpleScraper recipe id.
	Recipe string `form:"recipe_id"`
}

// validSourceURL accepts absolute http(s) URLs only.
func validSourceURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// handleImport starts an import. async=true replies with the job id at
// once; otherwise an ical import runs within the request.
func (s *Server) handleImport(c *gin.Context) {
	var form importForm
	if err := c.ShouldBind(&form); err != nil {
		badRequest(c, "scraper_type and source_url are required")
		return
	}
	if !s.deps.Kinds.Supports(form.ScraperType) {
		badRequest(c, "unsupported scraper_type "+form.ScraperType)
		return
	}
	if !validSourceURL(form.SourceURL) {
		badRequest(c, "source_url must be an absolute http(s) URL")
		return
	}

	d := jobs.Descriptor{
		Mode:      jobs.ModeImport,
		Kind:      form.ScraperType,
		Owner:     owner(c),
		SourceURL: strings.TrimSpace(form.SourceURL),
		Recipe:    form.Recipe,
	}
	s.runJob(c, d, form.Async)
}

// runJob starts d in the background or runs it to completion. Only feed
// imports run within the request; every other kind is always started.
func (s *Server) runJob(c *gin.Context, d jobs.Descriptor, async bool) {
	if async || d.Kind != scraper.KindICal {
		id, err := s.deps.Jobs.Start(c.Request.Context(), d)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": jobs.StateStarted, "job_id": id})
		return
	}

	st, err := s.deps.Jobs.RunSync(c.Request.Context(), d)
	if err != nil {
		writeError(c, err)
		return
	}
	if st.State == jobs.StateError {
		c.JSON(kindStatus(st.ErrorKind), gin.H{"error": st.Message, "error_kind": st.ErrorKind, "job_id": st.ID})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleImportStatus(c *gin.Context) {
	st, err := s.deps.Jobs.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleImportCancel(c *gin.Context) {
	st, err := s.deps.Jobs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
