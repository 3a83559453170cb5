package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"cohortlab/internal/cohort"
	"cohortlab/internal/job"
)

// aggregate runs the computation for the execution's kind and returns the
// encoded result artifact.
func (e *execution) aggregate(ctx context.Context, spec *job.InputSpec) ([]byte, error) {
	agg := &cohort.Aggregator{Source: e.runner.blobs, Parallelism: e.runner.cfg.Parallelism}

	switch e.kind {
	case job.KindPhenotypeCounts, job.KindPhenotypeProportions:
		s, err := agg.PhenotypeCounts(ctx, &spec.Thresholds, &spec.Phenotypes, e.kind == job.KindPhenotypeProportions, e.progress(ctx, ""))
		if err != nil {
			return nil, err
		}
		return json.Marshal(s)

	case job.KindCellCounts:
		s, err := agg.CellCounts(ctx, spec.Thresholds.Files, e.progress(ctx, ""))
		if err != nil {
			return nil, err
		}
		return json.Marshal(s)

	case job.KindCoOccurrence:
		progress := func(name string, done, total int, file string) {
			e.progress(ctx, name)(done, total, file)
		}
		results, err := agg.Compare(ctx, e.runner.cfg.Cohorts, &spec.Thresholds, spec.Thresholds.Markers, progress)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			e.logger.Info("Cohort aggregated", "cohort", r.Cohort, "cells", r.TotalCells, "markers", len(r.Markers))
		}
		img, err := cohort.RenderHeatmaps(results, e.runner.cfg.Heatmap)
		if err != nil {
			return nil, fmt.Errorf("render heatmap: %w", err)
		}
		return cohort.EncodeHeatmap(img)

	default:
		return nil, fmt.Errorf("unsupported compute kind %d", int(e.kind))
	}
}
