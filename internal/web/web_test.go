package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialcal/internal/ingest"
	"socialcal/internal/jobs"
	"socialcal/internal/metrics"
	"socialcal/internal/model"
	"socialcal/internal/store"
	"socialcal/internal/timeparse"
	"socialcal/internal/web"
)

type stubPipeline struct {
	records []model.ScrapedRecord
	gate    chan struct{}
}

func (p *stubPipeline) Scrape(ctx context.Context, _ jobs.Descriptor, progress jobs.ProgressFunc) (jobs.Scraped, error) {
	progress(50, "fetched")
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return jobs.Scraped{}, ctx.Err()
		}
	}
	return jobs.Scraped{Records: p.records}, nil
}

func (p *stubPipeline) GenerateSchema(context.Context, jobs.Descriptor, jobs.ProgressFunc) (json.RawMessage, error) {
	return json.RawMessage(`{"base_selector":".event","fields":[{"name":"title","selector":"h3","type":"text"}]}`), nil
}

type kinds map[string]bool

func (k kinds) Supports(kind string) bool { return k[kind] }

func shows() []model.ScrapedRecord {
	base := time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)
	out := make([]model.ScrapedRecord, 3)
	for i := range out {
		start := base.AddDate(0, 0, i)
		end := start.Add(2 * time.Hour)
		out[i] = model.ScrapedRecord{
			Title: "Show " + string(rune('A'+i)),
			URL:   "https://club.example/shows/" + string(rune('a'+i)),
			Start: &start,
			End:   &end,
		}
	}
	return out
}

type harness struct {
	srv      *web.Server
	mem      *store.Memory
	pipeline *stubPipeline
	manager  *jobs.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory()
	p := &stubPipeline{records: shows()}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	engine := ingest.NewEngine(mem, ingest.NewNormalizer(timeparse.NewParser(time.UTC)), ingest.WithMetrics(m))
	manager := jobs.NewManager(jobs.NewMemoryCache(), p, engine, jobs.Config{}, m)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	srv := web.NewServer(web.Deps{
		Jobs:       manager,
		Kinds:      kinds{"ical": true, "crawl4ai": true},
		Events:     mem,
		Scrapers:   mem,
		PublicHost: "cal.example",
		Gatherer:   reg,
	})
	return &harness{srv: srv, mem: mem, pipeline: p, manager: manager}
}

func (h *harness) do(t *testing.T, method, path, owner string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if owner != "" {
		req.Header.Set(web.OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func (h *harness) importURL(t *testing.T, owner, kind, source string, async bool) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, map[string]string{
		"scraper_type": kind,
		"source_url":   source,
		"async":        map[bool]string{true: "true", false: "false"}[async],
	})
	return h.do(t, http.MethodPost, "/events/import", owner, body, ct)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	h.importURL(t, "u1", "ical", "https://club.example/cal.ics", false)
	rec = h.do(t, http.MethodGet, "/metrics", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `socialcal_ingest_records_total{outcome="created"} 3`)
}

func TestRequiresOwner(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/events", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], web.OwnerHeader)
}

func TestImport_Sync(t *testing.T) {
	h := newHarness(t)
	rec := h.importURL(t, "u1", "ical", "https://club.example/cal.ics", false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	out := decode(t, rec)
	assert.Equal(t, "complete", out["status"])
	assert.Equal(t, "/events/", out["redirect_url"])
	assert.Len(t, out["events"], 3)

	events, err := h.mem.ListByOwner(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestImport_AsyncAndStatus(t *testing.T) {
	h := newHarness(t)
	rec := h.importURL(t, "u1", "ical", "https://club.example/cal.ics", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "started", out["status"])
	id, _ := out["job_id"].(string)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		rec := h.do(t, http.MethodGet, "/events/import/status/"+id, "u1", nil, "")
		if rec.Code != http.StatusOK {
			return false
		}
		var st jobs.Status
		if json.Unmarshal(rec.Body.Bytes(), &st) != nil {
			return false
		}
		return st.State == jobs.StateComplete && st.Stats != nil && st.Stats.Created == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestImport_SchemaPathIsAlwaysBackground(t *testing.T) {
	h := newHarness(t)
	h.pipeline.gate = make(chan struct{})

	rec := h.importURL(t, "u1", "crawl4ai", "https://club.example/", false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "started", out["status"])
	id, _ := out["job_id"].(string)
	require.NotEmpty(t, id)
	close(h.pipeline.gate)

	require.Eventually(t, func() bool {
		st, err := h.manager.Status(context.Background(), id)
		return err == nil && st.State == jobs.StateComplete
	}, 5*time.Second, 10*time.Millisecond)
}

func TestImport_Rejects(t *testing.T) {
	h := newHarness(t)
	for name, fields := range map[string]map[string]string{
		"unknown type": {"scraper_type": "firecrawl", "source_url": "https://club.example/"},
		"relative url": {"scraper_type": "ical", "source_url": "/calendar.ics"},
		"missing url":  {"scraper_type": "ical"},
	} {
		t.Run(name, func(t *testing.T) {
			body, ct := multipartBody(t, fields)
			rec := h.do(t, http.MethodPost, "/events/import", "u1", body, ct)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestImport_UnknownJob(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/events/import/status/nope", "u1", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImport_BusyAndCancel(t *testing.T) {
	h := newHarness(t)
	h.pipeline.gate = make(chan struct{})

	rec := h.importURL(t, "u1", "ical", "https://club.example/cal.ics", true)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode(t, rec)["job_id"].(string)

	rec = h.importURL(t, "u1", "ical", "https://club.example/cal.ics", true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/events/import/"+id+"/cancel", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["cancel_requested"])
	close(h.pipeline.gate)

	require.Eventually(t, func() bool {
		st, err := h.manager.Status(context.Background(), id)
		return err == nil && st.State == jobs.StateComplete && st.Cancelled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCreateEvent(t *testing.T) {
	h := newHarness(t)
	form := url.Values{
		"title":      {"Potluck"},
		"start_time": {"2025-04-01T18:00"},
		"end_time":   {"2025-04-01T21:00"},
		"venue_name": {"Community Hall"},
		"url":        {"https://hall.example/potluck"},
	}
	rec := h.do(t, http.MethodPost, "/events", "u1", bytes.NewBufferString(form.Encode()), "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Potluck", decode(t, rec)["title"])

	form.Set("end_time", "2025-04-01T17:00")
	rec = h.do(t, http.MethodPost, "/events", "u1", bytes.NewBufferString(form.Encode()), "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "end time must be after start time", decode(t, rec)["error"])

	form.Set("url", "hall.example/potluck")
	form.Set("end_time", "2025-04-01T21:00")
	rec = h.do(t, http.MethodPost, "/events", "u1", bytes.NewBufferString(form.Encode()), "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExport(t *testing.T) {
	h := newHarness(t)
	h.importURL(t, "u1", "crawl4ai", "https://club.example/", false)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/events/export.ics", nil)
	req.Header.Set(web.OwnerHeader, "u1")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "webcal://example.com/events/export.ics", rec.Header().Get("X-Webcal-URL"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/calendar"))
	body := rec.Body.String()
	assert.Contains(t, body, "BEGIN:VCALENDAR")
	assert.Contains(t, body, "@cal.example")
	assert.Equal(t, 3, strings.Count(body, "BEGIN:VEVENT"))
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(b)
}

func TestScrapers_CRUD(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/scrapers", "u1", jsonBody(t, map[string]any{
		"name": "Club", "url": "https://club.example/",
	}), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.NotEmpty(t, out["job_id"], "a scraper without schema starts a schema job")
	id := int64(out["scraper"].(map[string]any)["id"].(float64))

	rec = h.do(t, http.MethodPost, "/scrapers", "u1", jsonBody(t, map[string]any{
		"name": "Hall", "url": "https://hall.example/",
		"css_schema": map[string]any{"base_selector": ".ev", "title": "h2", "url": map[string]string{"selector": "a", "attribute": "href"}},
	}), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out = decode(t, rec)
	assert.Nil(t, out["job_id"])
	hall := out["scraper"].(map[string]any)
	assert.Equal(t, ".ev", hall["css_schema"].(map[string]any)["base_selector"])

	rec = h.do(t, http.MethodPost, "/scrapers", "u1", jsonBody(t, map[string]any{
		"name": "Bad", "url": "https://bad.example/", "css_schema": map[string]any{"base_selector": ".x"},
	}), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/scrapers", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["scrapers"], 2)

	path := "/scrapers/" + jsonNumber(id)
	rec = h.do(t, http.MethodGet, path, "u2", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPut, path, "u1", jsonBody(t, map[string]any{"is_active": false, "description": "weekly"}), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out = decode(t, rec)
	assert.Equal(t, false, out["is_active"])
	assert.Equal(t, "weekly", out["description"])
	assert.Equal(t, "Club", out["name"])

	rec = h.do(t, http.MethodDelete, path, "u1", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodDelete, path, "u1", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/scrapers/abc", "u1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScrapers_Run(t *testing.T) {
	h := newHarness(t)
	sc := &model.SiteScraper{OwnerID: "u1", Name: "Club", URL: "https://club.example/", IsActive: true,
		CSSSchema: json.RawMessage(`{"base_selector":".event","title":"h3"}`)}
	require.NoError(t, h.mem.CreateScraper(context.Background(), sc))

	rec := h.do(t, http.MethodPost, "/scrapers/"+jsonNumber(sc.ID)+"/run", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "started", out["status"])
	id, _ := out["job_id"].(string)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		st, err := h.manager.Status(context.Background(), id)
		return err == nil && st.State == jobs.StateComplete && st.Kind == "site"
	}, 5*time.Second, 10*time.Millisecond)

	rec = h.do(t, http.MethodPost, "/scrapers/"+jsonNumber(sc.ID)+"/schema", "u1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "started", decode(t, rec)["status"])
}

func jsonNumber(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
