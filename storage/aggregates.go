package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"paper-pulse/models"
)

// LabelCount is one row of a grouped count.
type LabelCount struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

type labelTotal struct {
	Label string
	Total int64
}

func toLabelCounts(rows []labelTotal) []LabelCount {
	out := make([]LabelCount, 0, len(rows))
	for _, r := range rows {
		out = append(out, LabelCount{Label: r.Label, Count: r.Total})
	}
	return out
}

// explodeJoin returns the join that turns a JSON array column into one row
// per element, exposed as kw.value.
func (s *Store) explodeJoin(column string) string {
	if s.db.Dialector.Name() == "sqlite" {
		return fmt.Sprintf("CROSS JOIN json_each(CAST(papers.%s AS TEXT)) AS kw", column)
	}
	return fmt.Sprintf("CROSS JOIN jsonb_array_elements_text(papers.%s::jsonb) AS kw(value)", column)
}

func (s *Store) arrayLength(column string) string {
	if s.db.Dialector.Name() == "sqlite" {
		return fmt.Sprintf("json_array_length(CAST(papers.%s AS TEXT))", column)
	}
	return fmt.Sprintf("jsonb_array_length(papers.%s::jsonb)", column)
}

// listCounts counts distinct papers per element of a JSON list column.
func (s *Store) listCounts(ctx context.Context, column string, f PaperFilter) ([]LabelCount, error) {
	q := s.db.WithContext(ctx).Table("papers").
		Select("kw.value AS label, COUNT(DISTINCT papers.id) AS total").
		Joins(s.explodeJoin(column)).
		Where("kw.value IS NOT NULL AND kw.value <> ''")
	q = f.apply(q).Group("kw.value").Order("total desc, label asc")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []labelTotal
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting %s: %w", column, err)
	}
	return toLabelCounts(rows), nil
}

// columnCounts counts papers per non-empty value of a scalar column.
func (s *Store) columnCounts(ctx context.Context, column string, f PaperFilter) ([]LabelCount, error) {
	q := s.db.WithContext(ctx).Table("papers").
		Select(fmt.Sprintf("papers.%s AS label, COUNT(*) AS total", column)).
		Where(fmt.Sprintf("papers.%s IS NOT NULL AND papers.%s <> ''", column, column))
	q = f.apply(q).Group("papers." + column).Order("total desc, label asc")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []labelTotal
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting %s: %w", column, err)
	}
	return toLabelCounts(rows), nil
}

// KeywordCounts counts papers per keyword.
func (s *Store) KeywordCounts(ctx context.Context, f PaperFilter) ([]LabelCount, error) {
	return s.listCounts(ctx, "keywords", f)
}

// AuthorCounts counts papers per author.
func (s *Store) AuthorCounts(ctx context.Context, f PaperFilter) ([]LabelCount, error) {
	return s.listCounts(ctx, "authors", f)
}

// OrganismCounts counts papers per model organism.
func (s *Store) OrganismCounts(ctx context.Context, f PaperFilter) ([]LabelCount, error) {
	return s.columnCounts(ctx, "model_organism", f)
}

// TypeCounts counts papers per category.
func (s *Store) TypeCounts(ctx context.Context, f PaperFilter) ([]LabelCount, error) {
	return s.columnCounts(ctx, "type", f)
}

// AverageAuthorCount returns the mean number of authors per paper, 0 for an
// empty selection.
func (s *Store) AverageAuthorCount(ctx context.Context, f PaperFilter) (float64, error) {
	var avg sql.NullFloat64
	q := s.db.WithContext(ctx).Table("papers").
		Select(fmt.Sprintf("AVG(%s)", s.arrayLength("authors")))
	if err := f.apply(q).Row().Scan(&avg); err != nil {
		return 0, fmt.Errorf("averaging authors: %w", err)
	}
	return avg.Float64, nil
}

// PaperLists is the list-valued projection of one paper used by the
// co-occurrence analyses.
type PaperLists struct {
	ID       uint
	Authors  datatypes.JSONSlice[string]
	Keywords datatypes.JSONSlice[string]
}

// PaperListsSince returns the keyword and author lists of papers published
// on or after since.
func (s *Store) PaperListsSince(ctx context.Context, since time.Time) ([]PaperLists, error) {
	var rows []PaperLists
	err := s.db.WithContext(ctx).Model(&models.Paper{}).
		Select("id, authors, keywords").
		Where("date >= ?", since).
		Order("id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("reading paper lists: %w", err)
	}
	return rows, nil
}

// Transaction runs fn inside a database transaction bound to a Store.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}
