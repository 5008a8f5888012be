package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"paper-pulse/models"
	"paper-pulse/storage"
)

// FacetQuery selects a facet distribution. Without Search and Type it is the
// global distribution.
type FacetQuery struct {
	Search string
	Type   string
	Limit  int
}

// FacetStrategy names how a facet request is answered.
type FacetStrategy int

const (
	// Precomputed reads the facet table maintained by Recompute.
	Precomputed FacetStrategy = iota
	// Live aggregates the matching papers on the fly.
	Live
)

func (s FacetStrategy) String() string {
	if s == Live {
		return "live"
	}
	return "precomputed"
}

func isFiltered(q FacetQuery) bool {
	return strings.TrimSpace(q.Search) != "" || strings.TrimSpace(q.Type) != ""
}

// StrategyFor picks the strategy of a request. The facet tables only hold the
// global distribution, so every filtered request is answered live.
func StrategyFor(q FacetQuery) FacetStrategy {
	if isFiltered(q) {
		return Live
	}
	return Precomputed
}

// FacetIndex owns the keyword and organism facet tables.
type FacetIndex struct {
	Store  *storage.Store
	Clock  clockwork.Clock
	Logger *zap.Logger
}

// NewFacetIndex creates a facet index over store.
func NewFacetIndex(store *storage.Store, clock clockwork.Clock, logger *zap.Logger) *FacetIndex {
	return &FacetIndex{Store: store, Clock: clock, Logger: logger}
}

// Recompute rebuilds both facet tables from the full paper set.
func (f *FacetIndex) Recompute(ctx context.Context) error {
	now := f.Clock.Now().UTC()

	keywords, err := f.Store.KeywordCounts(ctx, storage.PaperFilter{})
	if err != nil {
		return fmt.Errorf("aggregating keywords: %w", err)
	}
	if err := f.Store.ReplaceFacets(ctx, models.KeywordFacetTable, keywords, now); err != nil {
		return err
	}

	organisms, err := f.Store.OrganismCounts(ctx, storage.PaperFilter{})
	if err != nil {
		return fmt.Errorf("aggregating organisms: %w", err)
	}
	if err := f.Store.ReplaceFacets(ctx, models.OrganismFacetTable, organisms, now); err != nil {
		return err
	}

	f.Logger.Info("Facet tables recomputed",
		zap.Int("keywords", len(keywords)), zap.Int("organisms", len(organisms)))
	return nil
}

// KeywordFacets returns keyword counts for q.
func (f *FacetIndex) KeywordFacets(ctx context.Context, q FacetQuery) ([]storage.LabelCount, error) {
	return f.facets(ctx, q, models.KeywordFacetTable, f.Store.KeywordCounts)
}

// OrganismFacets returns model organism counts for q.
func (f *FacetIndex) OrganismFacets(ctx context.Context, q FacetQuery) ([]storage.LabelCount, error) {
	return f.facets(ctx, q, models.OrganismFacetTable, f.Store.OrganismCounts)
}

type liveCounter func(context.Context, storage.PaperFilter) ([]storage.LabelCount, error)

func (f *FacetIndex) facets(ctx context.Context, q FacetQuery, table string, live liveCounter) ([]storage.LabelCount, error) {
	switch StrategyFor(q) {
	case Live:
		return live(ctx, storage.PaperFilter{
			Search: strings.TrimSpace(q.Search),
			Type:   strings.TrimSpace(q.Type),
			Limit:  q.Limit,
		})
	default:
		rows, err := f.Store.Facets(ctx, table, q.Limit)
		if err != nil {
			return nil, err
		}
		out := make([]storage.LabelCount, 0, len(rows))
		for _, r := range rows {
			out = append(out, storage.LabelCount{Label: r.Label, Count: r.Count})
		}
		return out, nil
	}
}
