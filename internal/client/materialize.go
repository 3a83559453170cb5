package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"cohortlab/internal/cohort"
	"cohortlab/internal/job"
)

// cellCountHeader names the value column of the cell counts table.
const cellCountHeader = "cells"

// Render converts a completed job's result document into the local file
// format of its kind: a CSV table for per-sample summaries, the JPEG image
// for co-occurrence heat maps.
func Render(kind job.Kind, artifact []byte) ([]byte, error) {
	switch kind {
	case job.KindPhenotypeCounts, job.KindPhenotypeProportions, job.KindCellCounts:
		var summary cohort.Summary
		if err := json.Unmarshal(artifact, &summary); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", kind, err)
		}
		var buf bytes.Buffer
		if err := summary.WriteCSV(&buf, cellCountHeader); err != nil {
			return nil, fmt.Errorf("write %s table: %w", kind, err)
		}
		return buf.Bytes(), nil
	case job.KindCoOccurrence:
		img, err := cohort.DecodeHeatmap(artifact)
		if err != nil {
			return nil, fmt.Errorf("decode %s result: %w", kind, err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unknown compute kind %d", int(kind))
	}
}

// Materialize renders artifact and writes it into dir under the kind's
// output file name. It returns the written path.
func Materialize(kind job.Kind, artifact []byte, dir string) (string, error) {
	data, err := Render(kind, artifact)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, kind.OutputFile())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
