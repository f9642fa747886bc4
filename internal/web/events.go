package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"socialcal/internal/apperr"
	"socialcal/internal/ics"
	"socialcal/internal/ingest"
	"socialcal/internal/model"
)

// eventForm is the hand-entered event. Times are RFC 3339 or local
// "2006-01-02T15:04" as sent by datetime-local inputs.
type eventForm struct {
	Title        string `form:"title" json:"title"`
	Description  string `form:"description" json:"description"`
	StartTime    string `form:"start_time" json:"start_time"`
	EndTime      string `form:"end_time" json:"end_time"`
	VenueName    string `form:"venue_name" json:"venue_name"`
	VenueAddress string `form:"venue_address" json:"venue_address"`
	VenueCity    string `form:"venue_city" json:"venue_city"`
	VenueState   string `form:"venue_state" json:"venue_state"`
	VenuePostal  string `form:"venue_postal_code" json:"venue_postal_code"`
	VenueCountry string `form:"venue_country" json:"venue_country"`
	URL          string `form:"url" json:"url"`
	ImageURL     string `form:"image_url" json:"image_url"`
	IsPublic     bool   `form:"is_public" json:"is_public"`
}

var formLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02T15:04:05"}

func parseFormTime(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, true
	}
	for _, layout := range formLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (f eventForm) toEvent(owner string, loc *time.Location) (model.Event, error) {
	start, ok := parseFormTime(f.StartTime, loc)
	if !ok {
		return model.Event{}, apperr.Newf(apperr.ParseTimeFailed, "cannot parse start time %q", f.StartTime)
	}
	end, ok := parseFormTime(f.EndTime, loc)
	if !ok {
		return model.Event{}, apperr.Newf(apperr.ParseTimeFailed, "cannot parse end time %q", f.EndTime)
	}
	return model.Event{
		OwnerID:     owner,
		Title:       strings.TrimSpace(f.Title),
		Description: strings.TrimSpace(f.Description),
		Start:       start,
		End:         end,
		Venue: model.Venue{
			VenueName:    strings.TrimSpace(f.VenueName),
			VenueAddress: strings.TrimSpace(f.VenueAddress),
			VenueCity:    strings.TrimSpace(f.VenueCity),
			VenueState:   strings.TrimSpace(f.VenueState),
			VenuePostal:  strings.TrimSpace(f.VenuePostal),
			VenueCountry: strings.TrimSpace(f.VenueCountry),
		},
		URL:      strings.TrimSpace(f.URL),
		ImageURL: strings.TrimSpace(f.ImageURL),
		IsPublic: f.IsPublic,
	}, nil
}

func (s *Server) handleListEvents(c *gin.Context) {
	events, err := s.deps.Events.ListByOwner(c.Request.Context(), owner(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleCreateEvent stores a hand-entered event; invalid input is reported
// rather than skipped.
func (s *Server) handleCreateEvent(c *gin.Context) {
	var form eventForm
	if err := c.ShouldBind(&form); err != nil {
		badRequest(c, "invalid event form")
		return
	}
	ev, err := form.toEvent(owner(c), s.deps.Location)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := ingest.ValidateForm(ev); err != nil {
		writeError(c, err)
		return
	}
	if err := s.deps.Events.Create(c.Request.Context(), &ev); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

// handleExport serves the owner's events as an iCal feed. X-Webcal-URL
// carries the subscription form of this URL.
func (s *Server) handleExport(c *gin.Context) {
	events, err := s.deps.Events.ListByOwner(c.Request.Context(), owner(c))
	if err != nil {
		writeError(c, err)
		return
	}
	body, err := ics.Export(events, ics.ExportOptions{Host: s.deps.PublicHost})
	if err != nil {
		writeError(c, err)
		return
	}

	scheme := "http"
	if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	self := scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
	c.Header("X-Webcal-URL", ics.SubscriptionURL(self))
	c.Header("Content-Disposition", `attachment; filename="events.ics"`)
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", body)
}
