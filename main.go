package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"paper-pulse/app"
	"paper-pulse/config"
	"paper-pulse/services"
	"paper-pulse/storage"
)

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	a, err := app.Build(context.Background(), cfg, logging)
	if err != nil {
		logging.Fatal("Startup failed", zap.Error(err))
	}

	router := newRouter(a)

	if cfg.CronEnabled {
		scheduler, err := newScheduler(a)
		if err != nil {
			logging.Fatal("Invalid cron schedule", zap.String("schedule", cfg.CronSchedule), zap.Error(err))
		}
		scheduler.Start()
		defer scheduler.Stop()
		logging.Info("Scheduled ingestion enabled", zap.String("schedule", cfg.CronSchedule))
	}

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// An ingestion run triggered over HTTP answers only once it is done.
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

func newRouter(a *app.App) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setupPaperRoutes(router, a)
	setupFacetRoutes(router, a)
	setupTrendRoutes(router, a)
	setupAdminRoutes(router, a)
	return router
}

// newScheduler runs ingestion on the configured schedule and sweeps stuck
// runs every hour. Overlapping ingestion ticks are skipped.
func newScheduler(a *app.App) (*cron.Cron, error) {
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))

	_, err := scheduler.AddFunc(a.Config.CronSchedule, func() {
		a.Logger.Info("Running scheduled ingestion...")
		res, err := a.Orchestrator.Run(context.Background(), services.RunOptions{})
		if err != nil {
			a.Logger.Error("Scheduled ingestion failed", zap.Error(err))
			return
		}
		a.Logger.Info("Scheduled ingestion completed",
			zap.Int("fetched", res.Fetched), zap.Int("processed", res.Processed), zap.Int("errors", res.Errors))
	})
	if err != nil {
		return nil, err
	}

	_, err = scheduler.AddFunc("@hourly", func() {
		if _, err := a.Orchestrator.MarkStuckRuns(context.Background(), a.Config.StaleRunAfter); err != nil {
			a.Logger.Error("Stuck run sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return scheduler, nil
}

// intQuery reads a positive integer query parameter, falling back to def and
// capping at ceiling when it is positive.
func intQuery(c *gin.Context, name string, def, ceiling int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n, nil
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func setupPaperRoutes(router *gin.Engine, a *app.App) {
	router.GET("/papers", func(c *gin.Context) {
		limit, err := intQuery(c, "limit", 50, 500)
		if err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
		papers, err := a.Store.ListPapers(c.Request.Context(), storage.PaperFilter{
			Search: c.Query("search"),
			Type:   c.Query("type"),
			Limit:  limit,
		})
		if err != nil {
			a.Logger.Error("Listing papers failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, papers)
	})

	router.GET("/papers/*doi", func(c *gin.Context) {
		doi := strings.TrimPrefix(c.Param("doi"), "/")
		paper, err := a.Store.GetPaper(c.Request.Context(), doi)
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "paper not found"})
			return
		}
		if err != nil {
			a.Logger.Error("Reading paper failed", zap.String("doi", doi), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, paper)
	})

	router.GET("/runs", func(c *gin.Context) {
		limit, err := intQuery(c, "limit", 20, 200)
		if err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
		runs, err := a.Store.ListRuns(c.Request.Context(), limit)
		if err != nil {
			a.Logger.Error("Listing runs failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, runs)
	})
}

func setupFacetRoutes(router *gin.Engine, a *app.App) {
	rg := router.Group("/facets")

	handler := func(read func(context.Context, services.FacetQuery) ([]storage.LabelCount, error)) gin.HandlerFunc {
		return func(c *gin.Context) {
			limit, err := intQuery(c, "limit", 100, 1000)
			if err != nil {
				fail(c, http.StatusBadRequest, err)
				return
			}
			q := services.FacetQuery{Search: c.Query("search"), Type: c.Query("type"), Limit: limit}
			facets, err := read(c.Request.Context(), q)
			if err != nil {
				a.Logger.Error("Reading facets failed", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"strategy": services.StrategyFor(q).String(), "facets": facets})
		}
	}
	rg.GET("/keywords", handler(a.Facets.KeywordFacets))
	rg.GET("/organisms", handler(a.Facets.OrganismFacets))
}

func setupTrendRoutes(router *gin.Engine, a *app.App) {
	rg := router.Group("/trends")

	rg.GET("", func(c *gin.Context) {
		period := services.Period(c.DefaultQuery("period", string(services.PeriodWeek)))
		res, err := a.Trends.Trends(c.Request.Context(), period)
		if errors.Is(err, services.ErrUnknownPeriod) {
			fail(c, http.StatusBadRequest, err)
			return
		}
		if err != nil {
			a.Logger.Error("Computing trends failed", zap.Error(err))
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	rg.GET("/momentum", func(c *gin.Context) {
		res, err := a.Trends.TopicMomentum(c.Request.Context())
		if err != nil {
			a.Logger.Error("Computing momentum failed", zap.Error(err))
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	pairs := func(read func(context.Context) ([]services.Pair, error)) gin.HandlerFunc {
		return func(c *gin.Context) {
			res, err := read(c.Request.Context())
			if err != nil {
				a.Logger.Error("Computing pairs failed", zap.String("path", c.FullPath()), zap.Error(err))
				fail(c, http.StatusInternalServerError, err)
				return
			}
			c.JSON(http.StatusOK, res)
		}
	}
	rg.GET("/cooccurrence", pairs(a.Trends.KeywordCooccurrence))
	rg.GET("/authors", pairs(a.Trends.AuthorNetwork))
}

func setupAdminRoutes(router *gin.Engine, a *app.App) {
	rg := router.Group("/admin", apiKeyAuthMiddleware(a.Config))

	rg.POST("/ingest", func(c *gin.Context) {
		var opts services.RunOptions
		if raw := c.Query("days"); raw != "" {
			days, err := strconv.Atoi(raw)
			if err != nil {
				fail(c, http.StatusBadRequest, errors.New("invalid days"))
				return
			}
			opts.DaysBack = services.DaysBack(days)
		}

		// A run has no cancellation point; a dropped client must not abort it.
		res, err := a.Orchestrator.Run(context.WithoutCancel(c.Request.Context()), opts)
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"run_id":    res.RunID,
			"fetched":   res.Fetched,
			"processed": res.Processed,
			"errors":    res.Errors,
		})
	})

	rg.POST("/runs/sweep", func(c *gin.Context) {
		olderThan := a.Config.StaleRunAfter
		if raw := c.Query("older_than"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d < 0 {
				fail(c, http.StatusBadRequest, errors.New("invalid older_than"))
				return
			}
			olderThan = d
		}
		n, err := a.Orchestrator.MarkStuckRuns(c.Request.Context(), olderThan)
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "interrupted": n})
	})

	rg.POST("/cache/clear", func(c *gin.Context) {
		a.Trends.ClearCache()
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	rg.POST("/facets/recompute", func(c *gin.Context) {
		if err := a.Facets.Recompute(c.Request.Context()); err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	rg.POST("/backfill", func(c *gin.Context) {
		limit, err := intQuery(c, "limit", 50, 1000)
		if err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
		res, err := a.Orchestrator.Backfill(context.WithoutCancel(c.Request.Context()), limit)
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"candidates": res.Candidates,
			"updated":    res.Updated,
			"errors":     res.Errors,
		})
	})
}
