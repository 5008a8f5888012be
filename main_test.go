package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paper-pulse/app"
	"paper-pulse/config"
	"paper-pulse/models"
	"paper-pulse/providers"
	"paper-pulse/providers/annotation"
	"paper-pulse/providers/biorxiv"
	"paper-pulse/storage/storagetest"
)

const testKey = "s3cret"

const detailsPage = `{
	"messages": [{"status": "ok", "total": 2, "count": 2, "cursor": 0}],
	"collection": [
		{"doi": "10.1101/2024.05.01.000001", "title": "Roots under drought", "authors": "Doe, J.; Roe, R.",
		 "date": "2024-05-01", "version": "1", "type": "new results", "category": "plant biology",
		 "abstract": "Roots sense water deficit."},
		{"doi": "10.1101/2024.05.02.000002", "title": "Leaves in shade", "authors": "Poe, E.",
		 "date": "2024-05-02", "version": "2", "type": "new results", "category": "plant biology",
		 "abstract": "Leaves adapt to low light."}
	]
}`

const chatAnswer = `{"choices":[{"message":{"role":"assistant","content":` +
	`"{\"summary\":\"A short summary.\",\"keywords\":[\"drought\",\"roots\"],\"methods\":[\"imaging\"],\"modelOrganism\":\"Zea mays\"}"}}]}`

func init() {
	gin.SetMode(gin.TestMode)
}

type server struct {
	router *gin.Engine
	app    *app.App
}

func newTestServer(t *testing.T, feedStatus int) *server {
	t.Helper()
	logger := zap.NewNop()

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if feedStatus != http.StatusOK {
			w.WriteHeader(feedStatus)
			return
		}
		fmt.Fprint(w, detailsPage)
	}))
	t.Cleanup(feed.Close)

	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatAnswer)
	}))
	t.Cleanup(chat.Close)

	cfg := &config.Config{
		APISecretKey:    testKey,
		BioRxivBaseURL:  feed.URL,
		BioRxivServer:   "biorxiv",
		BioRxivCategory: "plant_biology",
		StaleRunAfter:   2 * time.Hour,
		TrendCacheTTL:   30 * time.Minute,
		NetworkCacheTTL: time.Hour,
	}

	clock := clockwork.NewRealClock()
	annotator := &annotation.Client{
		Endpoint:    chat.URL,
		Model:       "test",
		APIKey:      "key",
		MaxAttempts: 3,
		HTTPClient:  chat.Client(),
		Limiter:     annotation.NewRateLimiter(clock, 0),
		Clock:       clock,
		Logger:      logger,
	}
	a := app.New(cfg, storagetest.New(t), biorxiv.NewFetcher(cfg, logger), annotator, clock, logger)
	return &server{router: newRouter(a), app: a}
}

func (s *server) do(t *testing.T, method, path string, admin bool) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if admin {
		req.Header.Set("X-API-KEY", testKey)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var body map[string]any
	if strings.HasPrefix(strings.TrimSpace(w.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w.Code, body
}

func (s *server) list(t *testing.T, path string) []map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestAdminRoutesRequireAPIKey(t *testing.T) {
	s := newTestServer(t, http.StatusOK)

	code, body := s.do(t, http.MethodPost, "/admin/cache/clear", false)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, false, body["success"])

	code, body = s.do(t, http.MethodPost, "/admin/cache/clear", true)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
}

func TestIngestEndToEnd(t *testing.T) {
	s := newTestServer(t, http.StatusOK)

	code, body := s.do(t, http.MethodPost, "/admin/ingest?days=2", true)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["fetched"])
	assert.Equal(t, float64(2), body["processed"])
	assert.Equal(t, float64(0), body["errors"])

	papers := s.list(t, "/papers")
	assert.Len(t, papers, 2)

	code, paper := s.do(t, http.MethodGet, "/papers/10.1101/2024.05.01.000001", false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "A short summary.", paper["summary"])
	assert.Equal(t, []any{"Doe, J.", "Roe, R."}, paper["authors"])
	assert.True(t, strings.HasPrefix(paper["markdown"].(string), "# Roots under drought\n\n"))

	code, _ = s.do(t, http.MethodGet, "/papers/10.1101/missing", false)
	assert.Equal(t, http.StatusNotFound, code)

	code, facets := s.do(t, http.MethodGet, "/facets/keywords", false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "precomputed", facets["strategy"])
	require.NotEmpty(t, facets["facets"])
	first := facets["facets"].([]any)[0].(map[string]any)
	assert.Equal(t, "drought", first["label"])
	assert.Equal(t, float64(2), first["count"])

	code, facets = s.do(t, http.MethodGet, "/facets/organisms?search=shade", false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "live", facets["strategy"])

	runs := s.list(t, "/runs")
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusCompleted, runs[0]["status"])

	// Same interval again: nothing new.
	code, body = s.do(t, http.MethodPost, "/admin/ingest?days=2", true)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["processed"])
}

// cancellingAnnotator cancels the triggering request on its first call, as a
// client hanging up mid-run would.
type cancellingAnnotator struct {
	providers.Annotator
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancellingAnnotator) Annotate(ctx context.Context, abstract string) (*providers.Annotation, error) {
	c.once.Do(c.cancel)
	return c.Annotator.Annotate(ctx, abstract)
}

func TestIngestSurvivesClientDisconnect(t *testing.T) {
	s := newTestServer(t, http.StatusOK)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.app.Orchestrator.Annotator = &cancellingAnnotator{Annotator: s.app.Orchestrator.Annotator, cancel: cancel}

	req := httptest.NewRequest(http.MethodPost, "/admin/ingest?days=3", nil).WithContext(ctx)
	req.Header.Set("X-API-KEY", testKey)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Error(t, ctx.Err(), "request context was cancelled during the run")

	runs := s.list(t, "/runs")
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusCompleted, runs[0]["status"])
	assert.Equal(t, float64(2), runs[0]["processed"])
	assert.Len(t, s.list(t, "/papers"), 2)
}

func TestIngestFeedFailure(t *testing.T) {
	s := newTestServer(t, http.StatusBadGateway)

	code, body := s.do(t, http.MethodPost, "/admin/ingest", true)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "502")

	runs := s.list(t, "/runs")
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusError, runs[0]["status"])
}

func TestIngestRejectsInvalidDays(t *testing.T) {
	s := newTestServer(t, http.StatusOK)
	code, body := s.do(t, http.MethodPost, "/admin/ingest?days=lots", true)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
}

func TestSweepRuns(t *testing.T) {
	s := newTestServer(t, http.StatusOK)
	require.NoError(t, s.app.Store.CreateRun(t.Context(), &models.RunLog{
		RunAt:  time.Now().UTC().Add(-3 * time.Hour),
		Status: models.RunStatusInProgress,
	}))

	code, body := s.do(t, http.MethodPost, "/admin/runs/sweep?older_than=1h", true)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["interrupted"])

	code, _ = s.do(t, http.MethodPost, "/admin/runs/sweep?older_than=soon", true)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTrendRoutes(t *testing.T) {
	s := newTestServer(t, http.StatusOK)

	code, body := s.do(t, http.MethodGet, "/trends?period=year", false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "year", body["period"])

	code, body = s.do(t, http.MethodGet, "/trends?period=fortnight", false)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])

	for _, path := range []string{"/trends/momentum", "/trends/cooccurrence", "/trends/authors"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestBackfillRoute(t *testing.T) {
	s := newTestServer(t, http.StatusOK)
	require.NoError(t, s.app.Store.InsertPaper(t.Context(), &models.Paper{
		DOI: "10.1101/partial", Title: "Partial", Abstract: "Needs a summary.", Date: time.Now().UTC(), Version: 1,
	}))

	code, body := s.do(t, http.MethodPost, "/admin/backfill?limit=5", true)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["updated"])

	p, err := s.app.Store.GetPaper(t.Context(), "10.1101/partial")
	require.NoError(t, err)
	assert.Equal(t, "A short summary.", p.Summary)
}
