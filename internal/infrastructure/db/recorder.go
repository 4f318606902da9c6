package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/factorrun/internal/backtest"
	"github.com/sawpanic/factorrun/internal/panel"
	"github.com/sawpanic/factorrun/internal/persistence"
	"github.com/sawpanic/factorrun/internal/regime"
)

// Recorder persists run output and regime decisions when a database is
// configured and is a no-op otherwise.
type Recorder struct {
	manager *Manager
}

// NewRecorder wraps a manager, which may be disabled
func NewRecorder(manager *Manager) *Recorder {
	return &Recorder{manager: manager}
}

// Manager returns the database manager for direct repository access
func (r *Recorder) Manager() *Manager {
	return r.manager
}

// IsEnabled returns whether database persistence is enabled
func (r *Recorder) IsEnabled() bool {
	return r.manager != nil && r.manager.IsEnabled()
}

// Health returns the database health status
func (r *Recorder) Health(ctx context.Context) persistence.HealthCheck {
	if r.manager == nil {
		return persistence.HealthCheck{
			Healthy:        true,
			Errors:         []string{"Database integration disabled"},
			ConnectionPool: map[string]int{"status": 0},
			LastCheck:      time.Now(),
		}
	}
	return r.manager.Health().Health(ctx)
}

// RecordRun stores a backtest result with its daily series
func (r *Recorder) RecordRun(ctx context.Context, res *backtest.Result) error {
	if !r.IsEnabled() {
		return nil
	}
	run, points := persistence.FromResult(res)
	if err := r.manager.Repository().Runs.Save(ctx, run, points); err != nil {
		return fmt.Errorf("failed to record run %s: %w", res.RunID, err)
	}
	log.Info().
		Str("run_id", res.RunID).
		Str("strategy", res.Strategy).
		Int("points", len(points)).
		Msg("Backtest run recorded")
	return nil
}

// RecordRegime upserts the regime decision for its date
func (r *Recorder) RecordRegime(ctx context.Context, rc regime.Context, reference string) error {
	if !r.IsEnabled() {
		return nil
	}
	snap := persistence.SnapshotFromContext(rc, reference)
	if err := r.manager.Repository().Regimes.Upsert(ctx, snap); err != nil {
		return fmt.Errorf("failed to record regime for %s: %w", rc.Date.Format(panel.DateLayout), err)
	}
	return nil
}

// LoadPanel builds a Store from the stored panel rows in tr
func (r *Recorder) LoadPanel(ctx context.Context, tr persistence.TimeRange, instruments []string) (*panel.Store, error) {
	if !r.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}
	rows, err := r.manager.Repository().Panel.Load(ctx, tr, instruments)
	if err != nil {
		return nil, err
	}
	store, err := panel.NewStore(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to build panel from database: %w", err)
	}
	log.Info().
		Int("rows", len(rows)).
		Int("instruments", len(store.Instruments())).
		Msg("Panel loaded from database")
	return store, nil
}

// ImportPanel upserts every row of store
func (r *Recorder) ImportPanel(ctx context.Context, store *panel.Store) (int, error) {
	if !r.IsEnabled() {
		return 0, fmt.Errorf("database is not enabled")
	}
	var rows []panel.Row
	for _, inst := range store.Instruments() {
		rows = append(rows, store.Series(inst)...)
	}
	if err := r.manager.Repository().Panel.InsertBatch(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Statistics returns database usage statistics
func (r *Recorder) Statistics(ctx context.Context, tr persistence.TimeRange) map[string]interface{} {
	if !r.IsEnabled() {
		return map[string]interface{}{
			"enabled": false,
			"status":  "disabled",
		}
	}

	stats := r.manager.Health().Stats(ctx)
	repos := r.manager.Repository()

	if n, err := repos.Panel.Count(ctx, tr); err == nil {
		stats["panel_rows"] = n
	}
	if dist, err := repos.Regimes.GetRegimeStats(ctx, tr); err == nil {
		stats["regime_distribution"] = dist
	}
	return stats
}

// Close gracefully shuts down the database connection
func (r *Recorder) Close() error {
	if r.manager == nil {
		return nil
	}
	log.Info().Msg("Closing database integration")
	return r.manager.Close()
}
