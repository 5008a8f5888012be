// Package app wires configuration, storage, external clients and services
// into one value shared by the server and the command line tools.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"paper-pulse/config"
	"paper-pulse/providers"
	"paper-pulse/providers/annotation"
	"paper-pulse/providers/biorxiv"
	"paper-pulse/providers/europepmc"
	"paper-pulse/services"
	"paper-pulse/storage"
)

// App holds the long-lived components of the pipeline.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Clock        clockwork.Clock
	Store        *storage.Store
	Facets       *services.FacetIndex
	Orchestrator *services.Orchestrator
	Trends       *services.TrendAggregator
}

// Build connects to the database and object storage and assembles the app.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	store, err := storage.Open(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to database", zap.String("host", cfg.DBHost), zap.String("db", cfg.DBName))

	clock := clockwork.NewRealClock()
	annotator, err := NewAnnotator(ctx, cfg, clock, logger)
	if err != nil {
		return nil, err
	}
	feed, err := NewFeed(cfg, logger)
	if err != nil {
		return nil, err
	}
	a := New(cfg, store, feed, annotator, clock, logger)

	if cfg.ArchiveEnabled() {
		client, err := storage.NewS3Client(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating S3 client: %w", err)
		}
		a.Orchestrator.Archive = storage.NewArchive(client, cfg.S3Bucket)
		logger.Info("Document archive enabled", zap.String("bucket", cfg.S3Bucket))
	}
	return a, nil
}

// New assembles the services around already constructed collaborators.
func New(cfg *config.Config, store *storage.Store, feed providers.Feed, annotator providers.Annotator, clock clockwork.Clock, logger *zap.Logger) *App {
	facets := services.NewFacetIndex(store, clock, logger.Named("facets"))
	orch := services.NewOrchestrator(store, feed, annotator, facets, clock, logger.Named("ingest"))
	if cfg.IngestBatchSize > 0 {
		orch.BatchSize = cfg.IngestBatchSize
	}
	if cfg.IngestMaxDays > 0 {
		orch.MaxDays = cfg.IngestMaxDays
	}
	return &App{
		Config:       cfg,
		Logger:       logger,
		Clock:        clock,
		Store:        store,
		Facets:       facets,
		Orchestrator: orch,
		Trends:       services.NewTrendAggregator(store, clock, logger.Named("trends"), cfg.TrendCacheTTL, cfg.NetworkCacheTTL),
	}
}

// NewFeed returns the record source selected by FEED_PROVIDER.
func NewFeed(cfg *config.Config, logger *zap.Logger) (providers.Feed, error) {
	log := logger.Named("feed")
	switch strings.ToLower(strings.TrimSpace(cfg.FeedProvider)) {
	case "", "biorxiv":
		return biorxiv.NewFetcher(cfg, log), nil
	case "europepmc":
		return europepmc.NewFetcher(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown FEED_PROVIDER %q", cfg.FeedProvider)
	}
}

// NewAnnotator returns the annotation backend selected by
// ANNOTATION_PROVIDER. All backends share one process-wide rate limiter.
func NewAnnotator(ctx context.Context, cfg *config.Config, clock clockwork.Clock, logger *zap.Logger) (providers.Annotator, error) {
	limiter := annotation.NewRateLimiter(clock, cfg.AnnotationMinInterval)
	log := logger.Named("annotation")

	switch strings.ToLower(strings.TrimSpace(cfg.AnnotationProvider)) {
	case "", "openai":
		return annotation.NewClient(cfg, limiter, clock, log), nil
	case "gemini":
		return annotation.NewGeminiClient(ctx, cfg, limiter, clock, log), nil
	default:
		return nil, fmt.Errorf("unknown ANNOTATION_PROVIDER %q", cfg.AnnotationProvider)
	}
}
