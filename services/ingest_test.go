package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paper-pulse/metrics"
	"paper-pulse/models"
	"paper-pulse/providers"
	"paper-pulse/storage"
	"paper-pulse/storage/storagetest"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func feedEntries(n int, prefix string) []providers.FeedEntry {
	out := make([]providers.FeedEntry, n)
	for i := range out {
		doi := fmt.Sprintf("10.1101/%s.%03d", prefix, i)
		out[i] = providers.FeedEntry{
			DOI:      doi,
			Title:    "Paper " + doi,
			Authors:  []string{"A. One", "B. Two"},
			Date:     testNow.Add(-24 * time.Hour),
			Version:  1,
			Type:     "new results",
			Abstract: "abstract " + doi,
		}
	}
	return out
}

type fakeFeed struct {
	mu      sync.Mutex
	entries []providers.FeedEntry
	total   int // reported total, len(entries) when zero
	failAt  int // cursor that fails, -1 for none
	cursors []int
	windows []Interval
}

func newFakeFeed(entries []providers.FeedEntry) *fakeFeed {
	return &fakeFeed{entries: entries, failAt: -1}
}

func (f *fakeFeed) Name() string { return "fake" }

func (f *fakeFeed) Fetch(_ context.Context, start, end time.Time, cursor int) (*providers.FeedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	f.windows = append(f.windows, Interval{Start: start, End: end})
	if cursor == f.failAt {
		return nil, &providers.FeedError{Message: "BioRxiv API error: 502 Bad Gateway", StatusCode: 502}
	}
	total := f.total
	if total == 0 {
		total = len(f.entries)
	}
	if cursor >= len(f.entries) {
		return &providers.FeedPage{Total: total}, nil
	}
	last := min(cursor+providers.FeedPageSize, len(f.entries))
	return &providers.FeedPage{Entries: f.entries[cursor:last], Total: total}, nil
}

func (f *fakeFeed) Cursors() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.cursors...)
}

type fakeAnnotator struct {
	calls  atomic.Int32
	fail   map[string]bool // abstracts that fail
	before func(abstract string)
}

func (a *fakeAnnotator) Annotate(_ context.Context, abstract string) (*providers.Annotation, error) {
	a.calls.Add(1)
	if a.before != nil {
		a.before(abstract)
	}
	if a.fail[abstract] {
		return nil, &providers.AnnotationError{Message: "Invalid JSON returned from API"}
	}
	return &providers.Annotation{
		Summary:       "Summary of " + abstract,
		Keywords:      []string{"drought", "kw-" + strings.TrimPrefix(abstract, "abstract ")},
		Methods:       []string{"RNA-seq"},
		ModelOrganism: "Zea mays",
	}, nil
}

type fakeArchive struct {
	mu   sync.Mutex
	dois []string
	err  error
}

func (a *fakeArchive) Put(_ context.Context, doi, markdown string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if !strings.HasPrefix(markdown, "# ") {
		return errors.New("not a document")
	}
	a.dois = append(a.dois, doi)
	return nil
}

type harness struct {
	store     *storage.Store
	clock     *clockwork.FakeClock
	feed      *fakeFeed
	annotator *fakeAnnotator
	orch      *Orchestrator
}

func newHarness(t *testing.T, entries []providers.FeedEntry) *harness {
	t.Helper()
	store := storagetest.New(t)
	clock := clockwork.NewFakeClockAt(testNow)
	feed := newFakeFeed(entries)
	annotator := &fakeAnnotator{}
	facets := NewFacetIndex(store, clock, zap.NewNop())
	return &harness{
		store:     store,
		clock:     clock,
		feed:      feed,
		annotator: annotator,
		orch:      NewOrchestrator(store, feed, annotator, facets, clock, zap.NewNop()),
	}
}

func (h *harness) count(t *testing.T) int64 {
	t.Helper()
	n, err := h.store.CountPapers(context.Background(), storage.PaperFilter{})
	require.NoError(t, err)
	return n
}

func TestComputeInterval_NoPriorRun(t *testing.T) {
	h := newHarness(t, nil)
	iv, err := h.orch.ComputeInterval(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, testNow, iv.End)
	assert.Equal(t, testNow.Add(-7*24*time.Hour), iv.Start)
}

func TestComputeInterval_FromLatestRun(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		ago  time.Duration
		want int
	}{
		{"two days ago", 48 * time.Hour, 2},
		{"a few hours ago", 5 * time.Hour, 1},
		{"thirty hours ago", 30 * time.Hour, 2},
		{"after a long outage", 30 * 24 * time.Hour, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			require.NoError(t, h.store.CreateRun(ctx, &models.RunLog{
				RunAt:  testNow.Add(-tt.ago),
				Status: models.RunStatusCompleted,
			}))
			iv, err := h.orch.ComputeInterval(ctx, RunOptions{})
			require.NoError(t, err)
			assert.Equal(t, testNow, iv.End)
			assert.InDelta(t, float64(tt.want), iv.Days(), 1e-9)
		})
	}
}

func TestComputeInterval_ExplicitDays(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.CreateRun(context.Background(), &models.RunLog{RunAt: testNow.Add(-time.Hour), Status: models.RunStatusCompleted}))

	iv, err := h.orch.ComputeInterval(context.Background(), RunOptions{DaysBack: DaysBack(30)})
	require.NoError(t, err)
	assert.InDelta(t, 30.0, iv.Days(), 1e-9, "an explicit look-back is not capped")

	iv, err = h.orch.ComputeInterval(context.Background(), RunOptions{DaysBack: DaysBack(-3)})
	require.NoError(t, err)
	assert.Equal(t, iv.End, iv.Start, "start never exceeds now")
}

func TestRun_PaginatesUntilTotal(t *testing.T) {
	h := newHarness(t, feedEntries(150, "p"))

	res, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 100}, h.feed.Cursors())
	assert.Equal(t, 150, res.Fetched)
	assert.Equal(t, 150, res.Processed)
	assert.Zero(t, res.Errors)
	assert.Equal(t, int64(150), h.count(t))

	run, err := h.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 150, run.Fetched)
	assert.Equal(t, 150, run.Processed)
	assert.True(t, run.IntervalEnd.Equal(testNow))
}

func TestRun_StopsWhenFetchedReachesTotal(t *testing.T) {
	h := newHarness(t, feedEntries(200, "t"))
	h.feed.total = 100

	res, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, h.feed.Cursors())
	assert.Equal(t, 100, res.Fetched)
}

func TestRun_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, feedEntries(42, "i"))

	first, err := h.orch.Run(ctx, RunOptions{DaysBack: DaysBack(3)})
	require.NoError(t, err)
	assert.Equal(t, 42, first.Processed)
	callsAfterFirst := h.annotator.calls.Load()

	second, err := h.orch.Run(ctx, RunOptions{DaysBack: DaysBack(3)})
	require.NoError(t, err)
	assert.Equal(t, 42, second.Fetched)
	assert.Zero(t, second.Processed)
	assert.Equal(t, callsAfterFirst, h.annotator.calls.Load(), "known DOIs are never annotated again")
	assert.Equal(t, int64(42), h.count(t))
}

func TestRun_AnnotationErrorsAreCountedAndSkipped(t *testing.T) {
	entries := feedEntries(5, "e")
	h := newHarness(t, entries)
	h.annotator.fail = map[string]bool{entries[1].Abstract: true, entries[3].Abstract: true}

	res, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Fetched)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Errors)

	run, err := h.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.Errors)

	_, err = h.store.GetPaper(context.Background(), entries[1].DOI)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func runDurationSamples(t *testing.T) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.IngestRunDuration.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestRun_FeedErrorAbortsRun(t *testing.T) {
	h := newHarness(t, feedEntries(250, "f"))
	h.feed.failAt = 100
	samples := runDurationSamples(t)
	failed := testutil.ToFloat64(metrics.IngestRuns.WithLabelValues(models.RunStatusError))

	res, err := h.orch.Run(context.Background(), RunOptions{})
	var feedErr *providers.FeedError
	require.True(t, errors.As(err, &feedErr))
	assert.Equal(t, 502, feedErr.StatusCode)

	require.NotNil(t, res)
	assert.Equal(t, 100, res.Processed, "batches flushed before the failure stay stored")
	assert.Equal(t, int64(100), h.count(t))

	run, err := h.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusError, run.Status)
	assert.Contains(t, run.ErrorMessage, "502")
	assert.Equal(t, 100, run.Processed)

	assert.Equal(t, samples+1, runDurationSamples(t), "failed runs are timed too")
	assert.Equal(t, failed+1, testutil.ToFloat64(metrics.IngestRuns.WithLabelValues(models.RunStatusError)))
}

func TestRun_FlushesInBatches(t *testing.T) {
	ctx := context.Background()
	entries := feedEntries(25, "b")
	h := newHarness(t, entries)

	var observed []int64
	h.annotator.before = func(string) {
		n, err := h.store.CountPapers(ctx, storage.PaperFilter{})
		require.NoError(t, err)
		observed = append(observed, n)
	}

	res, err := h.orch.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 25, res.Processed)

	// Nothing is written until a batch of ten is complete.
	require.Len(t, observed, 25)
	assert.Equal(t, int64(0), observed[9])
	assert.Equal(t, int64(10), observed[10])
	assert.Equal(t, int64(20), observed[24])
	assert.Equal(t, int64(25), h.count(t))
}

func TestRun_DuplicateDOIsWithinFeed(t *testing.T) {
	entries := feedEntries(3, "d")
	v2 := entries[0]
	v2.Version = 2
	h := newHarness(t, append(entries, v2))

	res, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Fetched)
	assert.Equal(t, 3, res.Processed)
	assert.Zero(t, res.Errors)
	assert.Equal(t, int32(3), h.annotator.calls.Load())
}

func TestRun_ConflictingBatchFallsBackToSingleInserts(t *testing.T) {
	ctx := context.Background()
	entries := feedEntries(4, "c")
	h := newHarness(t, entries)

	// Simulate another run storing entries[2] after the existence check.
	h.annotator.before = func(abstract string) {
		if abstract == entries[3].Abstract {
			require.NoError(t, h.store.InsertPaper(ctx, &models.Paper{
				DOI: entries[2].DOI, Title: "stored elsewhere", Summary: "elsewhere", Date: testNow,
			}))
		}
	}

	res, err := h.orch.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Zero(t, res.Errors)
	assert.Equal(t, int64(4), h.count(t))

	p, err := h.store.GetPaper(ctx, entries[2].DOI)
	require.NoError(t, err)
	assert.Equal(t, "stored elsewhere", p.Title, "existing rows are never overwritten")
}

func TestRun_ConcurrentRunsStoreEachDOIOnce(t *testing.T) {
	ctx := context.Background()
	const n = 60
	entries := feedEntries(n, "r")
	h := newHarness(t, entries)
	other := NewOrchestrator(h.store, newFakeFeed(entries), &fakeAnnotator{}, nil, h.clock, zap.NewNop())

	var wg sync.WaitGroup
	results := make([]*RunResult, 2)
	errs := make([]error, 2)
	for i, o := range []*Orchestrator{h.orch, other} {
		wg.Add(1)
		go func(i int, o *Orchestrator) {
			defer wg.Done()
			results[i], errs[i] = o.Run(ctx, RunOptions{DaysBack: DaysBack(1)})
		}(i, o)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int64(n), h.count(t))
	assert.Equal(t, n, results[0].Processed+results[1].Processed)
}

func TestRun_RecomputesFacetsAndArchives(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, feedEntries(3, "a"))
	archive := &fakeArchive{}
	h.orch.Archive = archive

	_, err := h.orch.Run(ctx, RunOptions{})
	require.NoError(t, err)

	kw, err := h.orch.Facets.KeywordFacets(ctx, FacetQuery{})
	require.NoError(t, err)
	require.NotEmpty(t, kw)
	assert.Equal(t, storage.LabelCount{Label: "drought", Count: 3}, kw[0])

	assert.Len(t, archive.dois, 3)

	p, err := h.store.GetPaper(ctx, "10.1101/a.000")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.Markdown, "# Paper 10.1101/a.000\n\n"))
	assert.Contains(t, p.Markdown, "## AI Summary")
}

func TestRun_ArchiveFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t, feedEntries(2, "x"))
	h.orch.Archive = &fakeArchive{err: errors.New("bucket gone")}

	res, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
}

func TestRun_EmptyFeed(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)
	assert.Zero(t, res.Processed)
	assert.Equal(t, []int{0}, h.feed.Cursors())
}

func TestMarkStuckRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	stuck := &models.RunLog{RunAt: testNow.Add(-3 * time.Hour), Status: models.RunStatusInProgress}
	live := &models.RunLog{RunAt: testNow.Add(-10 * time.Minute), Status: models.RunStatusInProgress}
	done := &models.RunLog{RunAt: testNow.Add(-5 * time.Hour), Status: models.RunStatusCompleted}
	for _, r := range []*models.RunLog{stuck, live, done} {
		require.NoError(t, h.store.CreateRun(ctx, r))
	}

	n, err := h.orch.MarkStuckRuns(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	for id, want := range map[uint]string{
		stuck.ID: models.RunStatusInterrupted,
		live.ID:  models.RunStatusInProgress,
		done.ID:  models.RunStatusCompleted,
	} {
		got, err := h.store.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status)
	}
}

func TestBackfill(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	partial := &models.Paper{DOI: "10.1101/partial", Title: "Partial", Abstract: "abstract partial", Date: testNow, Version: 1}
	failing := &models.Paper{DOI: "10.1101/failing", Title: "Failing", Abstract: "abstract failing", Date: testNow, Version: 1}
	require.NoError(t, h.store.InsertPapers(ctx, []*models.Paper{partial, failing}))
	h.annotator.fail = map[string]bool{"abstract failing": true}

	res, err := h.orch.Backfill(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, &BackfillResult{Candidates: 2, Updated: 1, Errors: 1}, res)

	p, err := h.store.GetPaper(ctx, partial.DOI)
	require.NoError(t, err)
	assert.Equal(t, "Summary of abstract partial", p.Summary)
	assert.Contains(t, p.Markdown, "## AI Summary")

	res, err = h.orch.Backfill(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates, "only the failed paper is left")
}
