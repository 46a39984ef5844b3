// Package ingest imports tablet export files into the store. Each source
// file is tailed: rows already imported by an earlier run are skipped, so
// re-running the importer on a growing file only stores new rows.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"signal-heatmap-monitor/internal/metrics"
	"signal-heatmap-monitor/internal/models"
	"signal-heatmap-monitor/internal/parser"

	"github.com/google/uuid"
)

// DefaultBatchSize is the number of readings inserted per transaction
const DefaultBatchSize = 500

// Store is the persistence the importer needs. ImportBatch stores records
// and advances the offset of source in one transaction.
type Store interface {
	ImportBatch(ctx context.Context, source string, records []models.Reading, rowsProcessed int64, runID string) (int64, error)
	ImportOffset(ctx context.Context, source string) (int64, error)
	SaveImportOffset(ctx context.Context, source string, rowsProcessed int64, runID string) error
	ResetImportOffset(ctx context.Context, source string) error
}

// Result summarises one import run
type Result struct {
	Source   string
	RunID    string
	Rows     int   // data rows in the file
	Skipped  int   // rows imported by earlier runs
	Inserted int64 // readings stored by this run
	Dropped  []parser.RowError
	Elapsed  time.Duration
}

// Importer loads reading files into a Store
type Importer struct {
	store     Store
	logger    *slog.Logger
	metrics   *metrics.Metrics
	BatchSize int
	Location  *time.Location // zone for timestamps written without one
}

// New creates an importer; m may be nil
func New(store Store, logger *slog.Logger, m *metrics.Metrics) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: store, logger: logger, metrics: m, BatchSize: DefaultBatchSize}
}

// SourceKey identifies a file in the import state table
func SourceKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// FormatFor picks the parser format from the file extension
func FormatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".ndjson", ".jsonl":
		return "json"
	default:
		return "csv"
	}
}

// Run imports the rows of path not yet imported
func (im *Importer) Run(ctx context.Context, path string) (*Result, error) {
	start := time.Now()
	source := SourceKey(path)
	logger := im.logger.With("source", source)

	offset, err := im.store.ImportOffset(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to read import offset: %w", err)
	}

	parsed, err := im.parse(path, int(offset))
	if err != nil {
		return nil, err
	}
	if int64(parsed.Rows) < offset {
		// File was truncated or replaced; start over.
		logger.Warn("source shrank below saved offset, re-importing", "offset", offset, "rows", parsed.Rows)
		offset = 0
		if parsed, err = im.parse(path, 0); err != nil {
			return nil, err
		}
	}

	res := &Result{
		Source:  source,
		RunID:   uuid.NewString(),
		Rows:    parsed.Rows,
		Skipped: int(offset),
		Dropped: parsed.Dropped,
	}

	batch := im.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	for i := 0; i < len(parsed.Readings); i += batch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := i + batch
		if end > len(parsed.Readings) {
			end = len(parsed.Readings)
		}
		last := int64(parsed.RowNumbers[end-1])
		n, err := im.store.ImportBatch(ctx, source, parsed.Readings[i:end], last, res.RunID)
		if err != nil {
			return res, fmt.Errorf("failed to import batch at row %d: %w", parsed.RowNumbers[i], err)
		}
		res.Inserted += n
	}

	// Trailing dropped rows, or a restart that found nothing to store.
	if err := im.store.SaveImportOffset(ctx, source, int64(parsed.Rows), res.RunID); err != nil {
		return res, fmt.Errorf("failed to save import offset: %w", err)
	}

	res.Elapsed = time.Since(start)
	im.metrics.ReadingsIngested(int(res.Inserted))
	im.metrics.RowsDropped(len(res.Dropped))
	logger.Info("import finished",
		"run_id", res.RunID,
		"rows", res.Rows,
		"skipped", res.Skipped,
		"inserted", res.Inserted,
		"dropped", len(res.Dropped),
		"elapsed", res.Elapsed)
	return res, nil
}

func (im *Importer) parse(path string, skip int) (*parser.Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	parsed, err := parser.NewParser(FormatFor(path), im.Location, im.logger).Parse(file, skip)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return parsed, nil
}

// Reset forgets the import offset of path so the next run starts over
func (im *Importer) Reset(ctx context.Context, path string) error {
	source := SourceKey(path)
	if err := im.store.ResetImportOffset(ctx, source); err != nil {
		return fmt.Errorf("failed to reset import offset: %w", err)
	}
	im.logger.Info("import offset reset", "source", source)
	return nil
}
