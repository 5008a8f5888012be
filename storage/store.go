package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"paper-pulse/config"
	"paper-pulse/models"
)

// ErrConflict is returned when a write collides with an existing natural key.
var ErrConflict = errors.New("storage: natural key conflict")

// ErrNotFound is returned by single-row lookups without a match.
var ErrNotFound = errors.New("storage: not found")

// Store is the relational record store behind the pipeline: papers, run logs
// and the two facet tables.
type Store struct {
	db *gorm.DB
}

// Open connects to PostgreSQL and migrates the schema.
func Open(cfg *config.Config) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return New(db), nil
}

// New wraps an opened gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for tools such as the backup command.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates all tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Paper{}, &models.RunLog{}, &models.KeywordFacet{}, &models.OrganismFacet{}); err != nil {
		return fmt.Errorf("auto-migrating schema: %w", err)
	}
	return nil
}

// translate maps driver-level unique violations onto ErrConflict.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// PaperFilter scopes paper queries and aggregates. Zero fields are ignored.
type PaperFilter struct {
	Search string // case-insensitive match on title or abstract
	Type   string
	From   time.Time // inclusive, on publication date
	To     time.Time // exclusive
	Limit  int
}

func (f PaperFilter) apply(q *gorm.DB) *gorm.DB {
	if f.Search != "" {
		pattern := "%" + strings.ToLower(f.Search) + "%"
		q = q.Where("(LOWER(papers.title) LIKE ? OR LOWER(papers.abstract) LIKE ?)", pattern, pattern)
	}
	if f.Type != "" {
		q = q.Where("papers.type = ?", f.Type)
	}
	if !f.From.IsZero() {
		q = q.Where("papers.date >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("papers.date < ?", f.To)
	}
	return q
}

// --- papers ---

// InsertPaper inserts one paper. A DOI collision returns ErrConflict and
// leaves the existing row untouched.
func (s *Store) InsertPaper(ctx context.Context, p *models.Paper) error {
	return translate(s.db.WithContext(ctx).Create(p).Error)
}

// InsertPapers inserts all papers in one transaction; either every row is
// written or none is.
func (s *Store) InsertPapers(ctx context.Context, papers []*models.Paper) error {
	if len(papers) == 0 {
		return nil
	}
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&papers).Error
	}))
}

// GetPaper looks a paper up by DOI.
func (s *Store) GetPaper(ctx context.Context, doi string) (*models.Paper, error) {
	var p models.Paper
	if err := s.db.WithContext(ctx).Where("doi = ?", doi).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// UpdatePaper overwrites the enrichment of an existing paper.
func (s *Store) UpdatePaper(ctx context.Context, p *models.Paper) error {
	return s.updatePaper(s.db.WithContext(ctx), p)
}

// UpdatePapers updates the enrichment of several papers in one transaction.
func (s *Store) UpdatePapers(ctx context.Context, papers []*models.Paper) error {
	if len(papers) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range papers {
			if err := s.updatePaper(tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) updatePaper(tx *gorm.DB, p *models.Paper) error {
	res := tx.Model(&models.Paper{}).Where("doi = ?", p.DOI).Updates(map[string]any{
		"summary":        p.Summary,
		"keywords":       nonNil(p.Keywords),
		"methods":        nonNil(p.Methods),
		"model_organism": p.ModelOrganism,
		"markdown":       p.Markdown,
		"updated_at":     time.Now().UTC(),
	})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("updating %s: %w", p.DOI, ErrNotFound)
	}
	return nil
}

func nonNil(list datatypes.JSONSlice[string]) datatypes.JSONSlice[string] {
	if list == nil {
		return datatypes.JSONSlice[string]{}
	}
	return list
}

// ExistingDOIs returns which of the given DOIs are already stored.
func (s *Store) ExistingDOIs(ctx context.Context, dois []string) (map[string]bool, error) {
	found := map[string]bool{}
	if len(dois) == 0 {
		return found, nil
	}
	var rows []string
	if err := s.db.WithContext(ctx).Model(&models.Paper{}).Where("doi IN ?", dois).Pluck("doi", &rows).Error; err != nil {
		return nil, fmt.Errorf("querying existing DOIs: %w", err)
	}
	for _, doi := range rows {
		found[doi] = true
	}
	return found, nil
}

// ListPapers returns papers matching the filter, newest publication first.
func (s *Store) ListPapers(ctx context.Context, f PaperFilter) ([]models.Paper, error) {
	q := f.apply(s.db.WithContext(ctx).Model(&models.Paper{}))
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var papers []models.Paper
	if err := q.Order("date desc, id desc").Find(&papers).Error; err != nil {
		return nil, fmt.Errorf("listing papers: %w", err)
	}
	return papers, nil
}

// EachPaper streams every paper in id order, in batches, to fn.
func (s *Store) EachPaper(ctx context.Context, batchSize int, fn func(*models.Paper) error) error {
	var batch []models.Paper
	res := s.db.WithContext(ctx).Order("id").FindInBatches(&batch, batchSize, func(_ *gorm.DB, _ int) error {
		for i := range batch {
			if err := fn(&batch[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return res.Error
}

// UnprocessedPapers returns up to limit papers without a summary, oldest first.
func (s *Store) UnprocessedPapers(ctx context.Context, limit int) ([]*models.Paper, error) {
	q := s.db.WithContext(ctx).Where("summary IS NULL OR summary = ''").Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var papers []*models.Paper
	if err := q.Find(&papers).Error; err != nil {
		return nil, fmt.Errorf("listing unprocessed papers: %w", err)
	}
	return papers, nil
}

// CountPapers counts papers matching the filter.
func (s *Store) CountPapers(ctx context.Context, f PaperFilter) (int64, error) {
	var n int64
	if err := f.apply(s.db.WithContext(ctx).Model(&models.Paper{})).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting papers: %w", err)
	}
	return n, nil
}

// --- run logs ---

// CreateRun inserts a new run log and assigns its ID.
func (s *Store) CreateRun(ctx context.Context, run *models.RunLog) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run log: %w", err)
	}
	return nil
}

// LatestRun returns the most recent run log by run time, or nil if none exists.
func (s *Store) LatestRun(ctx context.Context) (*models.RunLog, error) {
	var runs []models.RunLog
	if err := s.db.WithContext(ctx).Order("run_at desc, id desc").Limit(1).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("reading latest run: %w", err)
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// GetRun returns one run log by ID.
func (s *Store) GetRun(ctx context.Context, id uint) (*models.RunLog, error) {
	var run models.RunLog
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		return nil, translate(err)
	}
	return &run, nil
}

// ListRuns returns the most recent run logs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.RunLog, error) {
	q := s.db.WithContext(ctx).Order("run_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var runs []models.RunLog
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// UpdateRunProgress stores the counters of a running run. Counters never move
// backwards: a lower value than the stored one is ignored.
func (s *Store) UpdateRunProgress(ctx context.Context, id uint, fetched, processed, errCount int) error {
	err := s.db.WithContext(ctx).Model(&models.RunLog{}).
		Where("id = ? AND fetched <= ? AND processed <= ? AND errors <= ?", id, fetched, processed, errCount).
		Updates(map[string]any{
			"fetched":    fetched,
			"processed":  processed,
			"errors":     errCount,
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("updating run %d progress: %w", id, err)
	}
	return nil
}

// FinishRun sets the final status and counters of a run.
func (s *Store) FinishRun(ctx context.Context, id uint, status string, fetched, processed, errCount int, errMsg string) error {
	err := s.db.WithContext(ctx).Model(&models.RunLog{}).Where("id = ?", id).Updates(map[string]any{
		"status":        status,
		"fetched":       fetched,
		"processed":     processed,
		"errors":        errCount,
		"error_message": errMsg,
		"updated_at":    time.Now().UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("finishing run %d: %w", id, err)
	}
	return nil
}

// MarkStaleRuns flips in_progress runs started before cutoff to interrupted
// and returns how many rows changed.
func (s *Store) MarkStaleRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.RunLog{}).
		Where("status = ? AND run_at < ?", models.RunStatusInProgress, cutoff).
		Updates(map[string]any{
			"status":     models.RunStatusInterrupted,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("marking stale runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// --- facet tables ---

// ReplaceFacets makes table hold exactly counts: labels are upserted with a
// fresh LastUpdated and labels no longer present are removed.
func (s *Store) ReplaceFacets(ctx context.Context, table string, counts []LabelCount, now time.Time) error {
	if table != models.KeywordFacetTable && table != models.OrganismFacetTable {
		return fmt.Errorf("unknown facet table %q", table)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		labels := make([]string, 0, len(counts))
		rows := make([]models.FacetCount, 0, len(counts))
		for _, c := range counts {
			labels = append(labels, c.Label)
			rows = append(rows, models.FacetCount{Label: c.Label, Count: c.Count, LastUpdated: now})
		}

		del := tx.Table(table)
		if len(labels) > 0 {
			del = del.Where("label NOT IN ?", labels)
		} else {
			del = del.Where("1 = 1")
		}
		if err := del.Delete(&models.FacetCount{}).Error; err != nil {
			return fmt.Errorf("pruning %s: %w", table, err)
		}
		if len(rows) == 0 {
			return nil
		}
		err := tx.Table(table).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "label"}},
			DoUpdates: clause.AssignmentColumns([]string{"count", "last_updated"}),
		}).CreateInBatches(&rows, 500).Error
		if err != nil {
			return fmt.Errorf("upserting %s: %w", table, err)
		}
		return nil
	})
}

// Facets reads the precomputed table, highest count first.
func (s *Store) Facets(ctx context.Context, table string, limit int) ([]models.FacetCount, error) {
	if table != models.KeywordFacetTable && table != models.OrganismFacetTable {
		return nil, fmt.Errorf("unknown facet table %q", table)
	}
	q := s.db.WithContext(ctx).Table(table).Order("count desc, label asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.FacetCount
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	return rows, nil
}
