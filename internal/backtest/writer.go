package backtest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/sawpanic/factorrun/internal/io"
	"github.com/sawpanic/factorrun/internal/panel"
)

// seriesHeader is the column order of the daily series file
var seriesHeader = []string{
	"date", "strategy", "regime", "value", "return", "long_exposure", "short_exposure",
	"long_count", "short_count", "turnover", "cost", "rebalance", "missing_returns",
}

// Writer handles writing backtest artifacts to disk
type Writer struct {
	outputDir string
}

// NewWriter creates a new artifact writer
func NewWriter(outputDir string) *Writer {
	return &Writer{outputDir: outputDir}
}

// GetOutputDir returns the output directory path
func (w *Writer) GetOutputDir() string {
	return w.outputDir
}

// Paths returns the summary and series file paths for a result
func (w *Writer) Paths(result *Result) (summary, series string) {
	base := fmt.Sprintf("%s_%s", result.Strategy, result.RunID)
	return filepath.Join(w.outputDir, base+".json"), filepath.Join(w.outputDir, base+".csv")
}

// Write stores the JSON summary and the CSV daily series atomically
func (w *Writer) Write(result *Result) error {
	summaryPath, seriesPath := w.Paths(result)

	if err := io.WriteJSONAtomic(summaryPath, result); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	data, err := SeriesCSV(result)
	if err != nil {
		return err
	}
	if err := io.WriteFileAtomic(seriesPath, data); err != nil {
		return fmt.Errorf("failed to write daily series: %w", err)
	}
	return nil
}

// SeriesCSV renders the daily series
func SeriesCSV(result *Result) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(seriesHeader); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	for _, p := range result.Points {
		rec := []string{
			p.Date.Format(panel.DateLayout),
			p.Strategy,
			string(p.Regime),
			f(p.Value),
			f(p.Return),
			f(p.LongExposure),
			f(p.ShortExposure),
			strconv.Itoa(p.LongCount),
			strconv.Itoa(p.ShortCount),
			f(p.Turnover),
			f(p.Cost),
			strconv.FormatBool(p.Rebalance),
			strconv.Itoa(p.MissingReturns),
		}
		if err := cw.Write(rec); err != nil {
			return nil, fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush series: %w", err)
	}
	return buf.Bytes(), nil
}
