package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"paper-pulse/metrics"
	"paper-pulse/models"
	"paper-pulse/providers"
	"paper-pulse/storage"
)

const (
	defaultBatchSize = 10
	defaultMaxDays   = 7
)

// OrchestrationError reports a failure of the run bookkeeping itself: the
// interval could not be computed or the run log could not be written.
type OrchestrationError struct {
	Op  string
	Err error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("ingest: %s: %v", e.Op, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

// Archiver receives the rendered document of every newly stored paper.
type Archiver interface {
	Put(ctx context.Context, doi, markdown string) error
}

// Interval is the half-open publication window [Start, End) of a run.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the length of the interval in days.
func (iv Interval) Days() float64 {
	return iv.End.Sub(iv.Start).Hours() / 24
}

// RunOptions tunes one ingestion run.
type RunOptions struct {
	// DaysBack overrides the interval computed from the run history.
	DaysBack *int
}

// DaysBack is a helper for RunOptions.DaysBack.
func DaysBack(n int) *int { return &n }

// RunResult summarises one ingestion run.
type RunResult struct {
	RunID     uint     `json:"run_id"`
	Interval  Interval `json:"interval"`
	Fetched   int      `json:"fetched"`
	Processed int      `json:"processed"`
	Errors    int      `json:"errors"`
}

// Orchestrator runs ingestion: it pages through the feed, skips known DOIs,
// annotates new records and persists them in batches under a run log.
type Orchestrator struct {
	Store     *storage.Store
	Feed      providers.Feed
	Annotator providers.Annotator
	Facets    *FacetIndex
	Archive   Archiver // optional
	Clock     clockwork.Clock
	Logger    *zap.Logger

	BatchSize int
	MaxDays   int
}

// NewOrchestrator wires an orchestrator with default batch size and
// look-back cap.
func NewOrchestrator(store *storage.Store, feed providers.Feed, annotator providers.Annotator, facets *FacetIndex, clock clockwork.Clock, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		Store:     store,
		Feed:      feed,
		Annotator: annotator,
		Facets:    facets,
		Clock:     clock,
		Logger:    logger,
		BatchSize: defaultBatchSize,
		MaxDays:   defaultMaxDays,
	}
}

func (o *Orchestrator) batchSize() int {
	if o.BatchSize <= 0 {
		return defaultBatchSize
	}
	return o.BatchSize
}

func (o *Orchestrator) maxDays() int {
	if o.MaxDays <= 0 {
		return defaultMaxDays
	}
	return o.MaxDays
}

// ComputeInterval returns the window the next run covers. An explicit day
// count wins; otherwise the time since the latest run is used, capped at
// MaxDays and with the full cap when there is no previous run.
func (o *Orchestrator) ComputeInterval(ctx context.Context, opts RunOptions) (Interval, error) {
	now := o.Clock.Now().UTC()
	days := 0

	switch {
	case opts.DaysBack != nil:
		days = max(*opts.DaysBack, 0)
	default:
		last, err := o.Store.LatestRun(ctx)
		if err != nil {
			return Interval{}, err
		}
		if last == nil {
			days = o.maxDays()
			break
		}
		since := now.Sub(last.RunAt).Hours() / 24
		days = min(o.maxDays(), max(1, int(math.Ceil(since))))
	}

	return Interval{Start: now.Add(-time.Duration(days) * 24 * time.Hour), End: now}, nil
}

// runState is the mutable progress of one run.
type runState struct {
	run       *models.RunLog
	log       *zap.Logger
	fetched   int
	processed int
	errors    int
	seen      map[string]bool
	buffer    []*models.Paper
}

func (r *runState) result() *RunResult {
	return &RunResult{
		RunID:     r.run.ID,
		Interval:  Interval{Start: r.run.IntervalStart, End: r.run.IntervalEnd},
		Fetched:   r.fetched,
		Processed: r.processed,
		Errors:    r.errors,
	}
}

// Run executes one ingestion run. On failure the returned result still holds
// the counters reached so far, and the run log is marked as errored.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	started := o.Clock.Now()
	defer func() {
		metrics.IngestRunDuration.Observe(o.Clock.Since(started).Seconds())
	}()

	iv, err := o.ComputeInterval(ctx, opts)
	if err != nil {
		return nil, &OrchestrationError{Op: "computing interval", Err: err}
	}

	run := &models.RunLog{
		RunAt:         started.UTC(),
		IntervalStart: iv.Start,
		IntervalEnd:   iv.End,
		Status:        models.RunStatusInProgress,
	}
	if err := o.Store.CreateRun(ctx, run); err != nil {
		return nil, &OrchestrationError{Op: "creating run log", Err: err}
	}

	r := &runState{
		run:  run,
		log:  o.Logger.With(zap.Uint("run_id", run.ID)),
		seen: map[string]bool{},
	}
	r.log.Info("Ingestion run started",
		zap.Time("from", iv.Start), zap.Time("to", iv.End), zap.String("feed", o.Feed.Name()))

	if err := o.paginate(ctx, r, iv); err != nil {
		o.fail(ctx, r, err)
		metrics.IngestRuns.WithLabelValues(models.RunStatusError).Inc()
		return r.result(), err
	}

	if err := o.Store.FinishRun(ctx, run.ID, models.RunStatusCompleted, r.fetched, r.processed, r.errors, ""); err != nil {
		err = &OrchestrationError{Op: "finalizing run log", Err: err}
		o.fail(ctx, r, err)
		metrics.IngestRuns.WithLabelValues(models.RunStatusError).Inc()
		return r.result(), err
	}
	metrics.IngestRuns.WithLabelValues(models.RunStatusCompleted).Inc()

	if r.processed > 0 && o.Facets != nil {
		if err := o.Facets.Recompute(ctx); err != nil {
			r.log.Error("Facet recomputation failed", zap.Error(err))
		}
	}

	r.log.Info("Ingestion run completed",
		zap.Int("fetched", r.fetched), zap.Int("processed", r.processed), zap.Int("errors", r.errors))
	return r.result(), nil
}

// fail records the error status of a run. Failing to do so is only logged.
func (o *Orchestrator) fail(ctx context.Context, r *runState, cause error) {
	r.log.Error("Ingestion run failed", zap.Error(cause),
		zap.Int("fetched", r.fetched), zap.Int("processed", r.processed))
	err := o.Store.FinishRun(context.WithoutCancel(ctx), r.run.ID, models.RunStatusError,
		r.fetched, r.processed, r.errors, cause.Error())
	if err != nil {
		r.log.Error("Could not mark run as errored", zap.Error(err))
	}
}

func (o *Orchestrator) paginate(ctx context.Context, r *runState, iv Interval) error {
	for cursor := 0; ; cursor += providers.FeedPageSize {
		page, err := o.Feed.Fetch(ctx, iv.Start, iv.End, cursor)
		if err != nil {
			return err
		}
		r.fetched += len(page.Entries)
		r.log.Debug("Fetched feed page",
			zap.Int("cursor", cursor), zap.Int("entries", len(page.Entries)), zap.Int("total", page.Total))

		if err := o.processPage(ctx, r, page.Entries); err != nil {
			return err
		}

		if len(page.Entries) < providers.FeedPageSize {
			break
		}
		if page.Total > 0 && r.fetched >= page.Total {
			break
		}
	}
	return o.flush(ctx, r)
}

func (o *Orchestrator) processPage(ctx context.Context, r *runState, entries []providers.FeedEntry) error {
	var candidates []providers.FeedEntry
	var dois []string
	for _, e := range entries {
		if e.DOI == "" || r.seen[e.DOI] {
			continue
		}
		r.seen[e.DOI] = true
		candidates = append(candidates, e)
		dois = append(dois, e.DOI)
	}
	if len(candidates) == 0 {
		return nil
	}

	existing, err := o.Store.ExistingDOIs(ctx, dois)
	if err != nil {
		return err
	}
	var fresh []providers.FeedEntry
	for _, e := range candidates {
		if !existing[e.DOI] {
			fresh = append(fresh, e)
		}
	}

	size := o.batchSize()
	for i := 0; i < len(fresh); i += size {
		chunk := fresh[i:min(i+size, len(fresh))]

		// Another run may have stored some of these while the previous chunk
		// was being annotated.
		if i > 0 {
			remaining := make([]string, len(chunk))
			for j, e := range chunk {
				remaining[j] = e.DOI
			}
			if existing, err = o.Store.ExistingDOIs(ctx, remaining); err != nil {
				return err
			}
		}

		for _, e := range chunk {
			if existing[e.DOI] {
				continue
			}
			if err := o.processEntry(ctx, r, e); err != nil {
				return err
			}
			if len(r.buffer) >= size {
				if err := o.flush(ctx, r); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (o *Orchestrator) processEntry(ctx context.Context, r *runState, e providers.FeedEntry) error {
	ann, err := o.Annotator.Annotate(ctx, e.Abstract)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		r.errors++
		metrics.AnnotationFailures.Inc()
		r.log.Warn("Annotation failed, skipping record", zap.String("doi", e.DOI), zap.Error(err))
		return nil
	}

	p := &models.Paper{
		DOI:           e.DOI,
		Title:         e.Title,
		Authors:       e.Authors,
		Date:          e.Date.UTC(),
		Version:       e.Version,
		Type:          e.Type,
		Abstract:      e.Abstract,
		Summary:       ann.Summary,
		Keywords:      ann.Keywords,
		Methods:       ann.Methods,
		ModelOrganism: ann.ModelOrganism,
	}
	p.Markdown = RenderMarkdown(documentFields(p))
	r.buffer = append(r.buffer, p)
	return nil
}

func documentFields(p *models.Paper) DocumentFields {
	return DocumentFields{
		Title:    p.Title,
		Authors:  p.Authors,
		Date:     p.Date,
		Version:  p.Version,
		DOI:      p.DOI,
		Type:     p.Type,
		Abstract: p.Abstract,
		Summary:  p.Summary,
		Keywords: p.Keywords,
	}
}

// flush persists the buffer atomically, then advances the run counters.
func (o *Orchestrator) flush(ctx context.Context, r *runState) error {
	if len(r.buffer) == 0 {
		return o.progress(ctx, r)
	}
	batch := r.buffer
	r.buffer = nil

	stored := batch
	err := o.Store.InsertPapers(ctx, batch)
	if errors.Is(err, storage.ErrConflict) {
		r.log.Info("Batch collided with stored papers, inserting one by one", zap.Int("size", len(batch)))
		stored = stored[:0:0]
		for _, p := range batch {
			p.ID = 0
			err := o.Store.InsertPaper(ctx, p)
			if errors.Is(err, storage.ErrConflict) {
				r.log.Debug("Paper stored by a concurrent run", zap.String("doi", p.DOI))
				continue
			}
			if err != nil {
				return fmt.Errorf("storing %s: %w", p.DOI, err)
			}
			stored = append(stored, p)
		}
	} else if err != nil {
		return fmt.Errorf("storing batch: %w", err)
	}

	r.processed += len(stored)
	metrics.PapersIngested.Add(float64(len(stored)))
	if err := o.progress(ctx, r); err != nil {
		return err
	}
	r.log.Info("Batch persisted", zap.Int("stored", len(stored)), zap.Int("processed", r.processed))

	o.archive(ctx, r, stored)
	return nil
}

func (o *Orchestrator) progress(ctx context.Context, r *runState) error {
	if err := o.Store.UpdateRunProgress(ctx, r.run.ID, r.fetched, r.processed, r.errors); err != nil {
		return &OrchestrationError{Op: "updating run progress", Err: err}
	}
	return nil
}

func (o *Orchestrator) archive(ctx context.Context, r *runState, papers []*models.Paper) {
	if o.Archive == nil {
		return
	}
	for _, p := range papers {
		if err := o.Archive.Put(ctx, p.DOI, p.Markdown); err != nil {
			metrics.ArchiveFailures.Inc()
			r.log.Warn("Archiving document failed", zap.String("doi", p.DOI), zap.Error(err))
		}
	}
}

// MarkStuckRuns flips in_progress runs older than olderThan to interrupted.
// It does not stop a run that is in fact still going.
func (o *Orchestrator) MarkStuckRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := o.Clock.Now().UTC().Add(-olderThan)
	n, err := o.Store.MarkStaleRuns(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.Logger.Warn("Marked stuck runs as interrupted", zap.Int64("runs", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
