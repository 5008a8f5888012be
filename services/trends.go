package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"paper-pulse/storage"
)

const (
	trendTopN          = 10
	momentumRecentDays = 30
	momentumBaseDays   = 150 // the five months before the recent window
	momentumMinRecent  = 2
	networkWindowDays  = 90
	networkMaxAuthors  = 5
	networkMinPairs    = 2
	networkTopN        = 20

	day = 24 * time.Hour
)

// ErrUnknownPeriod is returned for a period other than day, week, month or year.
var ErrUnknownPeriod = errors.New("unknown trend period")

// TrendError wraps failures of the trend read path.
type TrendError struct {
	Op  string
	Err error
}

func (e *TrendError) Error() string { return fmt.Sprintf("trends: %s: %v", e.Op, e.Err) }

func (e *TrendError) Unwrap() error { return e.Err }

// Period is a trailing trend window.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// Duration returns the window length of p.
func (p Period) Duration() (time.Duration, error) {
	switch p {
	case PeriodDay:
		return day, nil
	case PeriodWeek:
		return 7 * day, nil
	case PeriodMonth:
		return 30 * day, nil
	case PeriodYear:
		return 365 * day, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPeriod, string(p))
}

// TrendStats are the summary numbers of a trend window.
type TrendStats struct {
	TotalPapers int64   `json:"total_papers"`
	AvgAuthors  float64 `json:"avg_authors"`
}

// TrendResult is the distribution of papers published in one window.
type TrendResult struct {
	Period   Period               `json:"period"`
	From     time.Time            `json:"from"`
	To       time.Time            `json:"to"`
	Keywords []storage.LabelCount `json:"keywords"`
	Types    []storage.LabelCount `json:"types"`
	Authors  []storage.LabelCount `json:"authors"`
	Stats    TrendStats           `json:"stats"`
}

// Momentum is the growth of one keyword in the recent window relative to
// its rate in the baseline window.
type Momentum struct {
	Keyword  string  `json:"keyword"`
	Recent   int64   `json:"recent"`
	Previous int64   `json:"previous"`
	Score    float64 `json:"score"`
}

// Pair is an unordered pair of labels with A < B and how often they occur
// together.
type Pair struct {
	A     string `json:"a"`
	B     string `json:"b"`
	Count int    `json:"count"`
}

// TrendAggregator serves cached read-side aggregates over stored papers.
type TrendAggregator struct {
	Store      *storage.Store
	Cache      *Cache
	Clock      clockwork.Clock
	Logger     *zap.Logger
	TrendTTL   time.Duration
	NetworkTTL time.Duration
}

// NewTrendAggregator creates an aggregator with its own cache.
func NewTrendAggregator(store *storage.Store, clock clockwork.Clock, logger *zap.Logger, trendTTL, networkTTL time.Duration) *TrendAggregator {
	return &TrendAggregator{
		Store:      store,
		Cache:      NewCache(clock),
		Clock:      clock,
		Logger:     logger,
		TrendTTL:   trendTTL,
		NetworkTTL: networkTTL,
	}
}

// ClearCache drops all cached results.
func (a *TrendAggregator) ClearCache() {
	a.Cache.Invalidate()
	a.Logger.Info("Trend cache cleared")
}

// Trends returns the top keywords, types and authors of the papers published
// within period, ending now.
func (a *TrendAggregator) Trends(ctx context.Context, period Period) (*TrendResult, error) {
	length, err := period.Duration()
	if err != nil {
		return nil, err
	}
	return cached(a.Cache, "trends:"+string(period), a.TrendTTL, func() (*TrendResult, error) {
		var err error
		to := a.Clock.Now().UTC()
		from := to.Add(-length)
		f := storage.PaperFilter{From: from, To: to, Limit: trendTopN}

		res := &TrendResult{Period: period, From: from, To: to}
		if res.Keywords, err = a.Store.KeywordCounts(ctx, f); err != nil {
			return nil, &TrendError{Op: "keywords", Err: err}
		}
		if res.Types, err = a.Store.TypeCounts(ctx, f); err != nil {
			return nil, &TrendError{Op: "types", Err: err}
		}
		if res.Authors, err = a.Store.AuthorCounts(ctx, f); err != nil {
			return nil, &TrendError{Op: "authors", Err: err}
		}

		f.Limit = 0
		if res.Stats.TotalPapers, err = a.Store.CountPapers(ctx, f); err != nil {
			return nil, &TrendError{Op: "stats", Err: err}
		}
		avg, err := a.Store.AverageAuthorCount(ctx, f)
		if err != nil {
			return nil, &TrendError{Op: "stats", Err: err}
		}
		res.Stats.AvgAuthors = math.Round(avg*10) / 10
		return res, nil
	})
}

// TopicMomentum ranks keywords by how much faster they appear in the last 30
// days than in the five months before. Keywords seen fewer than twice
// recently are ignored.
func (a *TrendAggregator) TopicMomentum(ctx context.Context) ([]Momentum, error) {
	return cached(a.Cache, "momentum", a.TrendTTL, func() ([]Momentum, error) {
		now := a.Clock.Now().UTC()
		recentFrom := now.Add(-momentumRecentDays * day)
		baseFrom := recentFrom.Add(-momentumBaseDays * day)

		recent, err := a.Store.KeywordCounts(ctx, storage.PaperFilter{From: recentFrom, To: now})
		if err != nil {
			return nil, &TrendError{Op: "recent keywords", Err: err}
		}
		previous, err := a.Store.KeywordCounts(ctx, storage.PaperFilter{From: baseFrom, To: recentFrom})
		if err != nil {
			return nil, &TrendError{Op: "baseline keywords", Err: err}
		}
		return momentum(recent, previous), nil
	})
}

func momentum(recent, previous []storage.LabelCount) []Momentum {
	prev := make(map[string]int64, len(previous))
	for _, p := range previous {
		prev[p.Label] = p.Count
	}
	ratio := float64(momentumBaseDays / momentumRecentDays)

	out := make([]Momentum, 0, len(recent))
	for _, r := range recent {
		if r.Count < momentumMinRecent {
			continue
		}
		m := Momentum{Keyword: r.Label, Recent: r.Count, Previous: prev[r.Label]}
		norm := float64(m.Previous) / ratio
		if norm == 0 {
			m.Score = float64(m.Recent)
		} else {
			m.Score = (float64(m.Recent) - norm) / norm
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Keyword < out[j].Keyword
	})
	if len(out) > trendTopN {
		out = out[:trendTopN]
	}
	return out
}

// KeywordCooccurrence returns the keyword pairs most often assigned to the
// same paper in the last 90 days.
func (a *TrendAggregator) KeywordCooccurrence(ctx context.Context) ([]Pair, error) {
	return cached(a.Cache, "cooccurrence", a.NetworkTTL, func() ([]Pair, error) {
		rows, err := a.Store.PaperListsSince(ctx, a.Clock.Now().UTC().Add(-networkWindowDays*day))
		if err != nil {
			return nil, &TrendError{Op: "keyword pairs", Err: err}
		}
		lists := make([][]string, len(rows))
		for i, r := range rows {
			lists[i] = r.Keywords
		}
		return topPairs(lists, 0), nil
	})
}

// AuthorNetwork returns the author pairs that most often share a paper in
// the last 90 days. Only the first five authors of a paper are paired.
func (a *TrendAggregator) AuthorNetwork(ctx context.Context) ([]Pair, error) {
	return cached(a.Cache, "authors", a.NetworkTTL, func() ([]Pair, error) {
		rows, err := a.Store.PaperListsSince(ctx, a.Clock.Now().UTC().Add(-networkWindowDays*day))
		if err != nil {
			return nil, &TrendError{Op: "author pairs", Err: err}
		}
		lists := make([][]string, len(rows))
		for i, r := range rows {
			lists[i] = r.Authors
		}
		return topPairs(lists, networkMaxAuthors), nil
	})
}

// topPairs tallies unordered label pairs per list. A positive limit keeps
// only the first limit labels of each list.
func topPairs(lists [][]string, limit int) []Pair {
	counts := map[[2]string]int{}
	for _, list := range lists {
		if limit > 0 && len(list) > limit {
			list = list[:limit]
		}
		labels := uniqueSorted(list)
		for i := 0; i < len(labels); i++ {
			for j := i + 1; j < len(labels); j++ {
				counts[[2]string{labels[i], labels[j]}]++
			}
		}
	}

	out := make([]Pair, 0, len(counts))
	for k, n := range counts {
		if n >= networkMinPairs {
			out = append(out, Pair{A: k[0], B: k[1], Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	if len(out) > networkTopN {
		out = out[:networkTopN]
	}
	return out
}

func uniqueSorted(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
