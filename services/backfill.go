package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"paper-pulse/models"
)

// BackfillResult summarises one backfill pass.
type BackfillResult struct {
	Candidates int `json:"candidates"`
	Updated    int `json:"updated"`
	Errors     int `json:"errors"`
}

// Backfill annotates up to limit stored papers that have no summary yet,
// left behind by interrupted runs, and writes all successes in one batch
// update. It is the only path that rewrites the enrichment of a stored paper.
func (o *Orchestrator) Backfill(ctx context.Context, limit int) (*BackfillResult, error) {
	papers, err := o.Store.UnprocessedPapers(ctx, limit)
	if err != nil {
		return nil, err
	}
	res := &BackfillResult{Candidates: len(papers)}
	if len(papers) == 0 {
		return res, nil
	}

	var updated []*models.Paper
	for _, p := range papers {
		ann, err := o.Annotator.Annotate(ctx, p.Abstract)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			res.Errors++
			o.Logger.Warn("Backfill annotation failed", zap.String("doi", p.DOI), zap.Error(err))
			continue
		}
		p.Summary = ann.Summary
		p.Keywords = ann.Keywords
		p.Methods = ann.Methods
		p.ModelOrganism = ann.ModelOrganism
		p.Markdown = RenderMarkdown(documentFields(p))
		updated = append(updated, p)
	}

	if err := o.Store.UpdatePapers(ctx, updated); err != nil {
		return res, fmt.Errorf("writing backfilled papers: %w", err)
	}
	res.Updated = len(updated)
	o.Logger.Info("Backfill finished",
		zap.Int("candidates", res.Candidates), zap.Int("updated", res.Updated), zap.Int("errors", res.Errors))

	if res.Updated > 0 && o.Facets != nil {
		if err := o.Facets.Recompute(ctx); err != nil {
			o.Logger.Error("Facet recomputation failed", zap.Error(err))
		}
	}
	return res, nil
}
