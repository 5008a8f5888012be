package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paper-pulse/app"
	"paper-pulse/config"
	"paper-pulse/models"
	"paper-pulse/providers"
	"paper-pulse/storage/storagetest"
)

type staticFeed struct {
	entries []providers.FeedEntry
}

func (f staticFeed) Name() string { return "static" }

func (f staticFeed) Fetch(ctx context.Context, start, end time.Time, cursor int) (*providers.FeedPage, error) {
	if cursor > 0 {
		return &providers.FeedPage{}, nil
	}
	return &providers.FeedPage{Entries: f.entries, Total: len(f.entries)}, nil
}

type staticAnnotator struct{}

func (staticAnnotator) Annotate(ctx context.Context, abstract string) (*providers.Annotation, error) {
	return &providers.Annotation{
		Summary:  "Summary of: " + abstract,
		Keywords: []string{"drought", "roots"},
		Methods:  []string{"imaging"},
	}, nil
}

// useApp makes the commands run against an in-memory pipeline.
func useApp(t *testing.T) *app.App {
	t.Helper()
	cfg := &config.Config{StaleRunAfter: 2 * time.Hour, TrendCacheTTL: time.Minute, NetworkCacheTTL: time.Minute}
	feed := staticFeed{entries: []providers.FeedEntry{
		{DOI: "10.1101/cli.1", Title: "One", Authors: []string{"A"}, Date: time.Now().UTC(), Version: 1, Type: "new results", Abstract: "first"},
		{DOI: "10.1101/cli.2", Title: "Two", Authors: []string{"B"}, Date: time.Now().UTC(), Version: 1, Type: "new results", Abstract: "second"},
	}}
	a := app.New(cfg, storagetest.New(t), feed, staticAnnotator{}, clockwork.NewRealClock(), zap.NewNop())

	orig := buildApp
	buildApp = func(context.Context, *zap.Logger) (*app.App, error) { return a, nil }
	t.Cleanup(func() { buildApp = orig })
	return a
}

func execute(t *testing.T, args ...string) ([]byte, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.Bytes(), err
}

func TestIngestCommand(t *testing.T) {
	a := useApp(t)

	out, err := execute(t, "ingest", "--days", "2")
	require.NoError(t, err)
	var res struct {
		RunID     uint `json:"run_id"`
		Fetched   int  `json:"fetched"`
		Processed int  `json:"processed"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.Processed)

	run, err := a.Store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}

func TestBackfillCommand(t *testing.T) {
	a := useApp(t)
	require.NoError(t, a.Store.InsertPaper(context.Background(), &models.Paper{
		DOI: "10.1101/cli.partial", Title: "Partial", Abstract: "later", Date: time.Now().UTC(), Version: 1,
	}))

	out, err := execute(t, "backfill", "--limit", "5")
	require.NoError(t, err)
	assert.JSONEq(t, `{"candidates":1,"updated":1,"errors":0}`, string(out))

	p, err := a.Store.GetPaper(context.Background(), "10.1101/cli.partial")
	require.NoError(t, err)
	assert.Equal(t, "Summary of: later", p.Summary)
}

func TestSweepCommand(t *testing.T) {
	a := useApp(t)
	require.NoError(t, a.Store.CreateRun(context.Background(), &models.RunLog{
		RunAt: time.Now().UTC().Add(-3 * time.Hour), Status: models.RunStatusInProgress,
	}))

	out, err := execute(t, "sweep", "--older-than", "1h")
	require.NoError(t, err)
	assert.JSONEq(t, `{"interrupted":1}`, string(out))
}

func TestFacetsCommand(t *testing.T) {
	a := useApp(t)
	require.NoError(t, a.Store.InsertPaper(context.Background(), &models.Paper{
		DOI: "10.1101/cli.kw", Title: "K", Date: time.Now().UTC(), Version: 1,
		Summary: "s", Keywords: []string{"drought"},
	}))

	out, err := execute(t, "facets", "--show", "5")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"label":"drought","count":1}]`, string(out))
}

func TestTrendsCommand(t *testing.T) {
	useApp(t)

	out, err := execute(t, "trends", "year")
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "year", res["period"])

	_, err = execute(t, "trends", "fortnight")
	assert.Error(t, err)
}
