package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/factorrun/internal/persistence"
)

const runColumns = `run_id, strategy, mode, initial_capital, final_value, total_return,
		       sharpe, max_drawdown, concentration_warning, metrics, warnings,
		       start_date, end_date, started_at, completed_at, created_at`

// runsRepo implements RunRepo for PostgreSQL
type runsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunsRepo creates a new PostgreSQL run repository
func NewRunsRepo(db *sqlx.DB, timeout time.Duration) persistence.RunRepo {
	return &runsRepo{
		db:      db,
		timeout: timeout,
	}
}

// Save writes the summary and its daily series in one transaction
func (r *runsRepo) Save(ctx context.Context, run persistence.RunRecord, points []persistence.DailyPoint) error {
	if run.RunID == "" {
		return fmt.Errorf("run id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(points)/1000+1))
	defer cancel()

	metricsJSON, err := json.Marshal(run.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backtest_runs
		(run_id, strategy, mode, initial_capital, final_value, total_return,
		 sharpe, max_drawdown, concentration_warning, metrics, warnings,
		 start_date, end_date, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		run.RunID, run.Strategy, run.Mode, run.InitialCapital, run.FinalValue, run.TotalReturn,
		run.Sharpe, run.MaxDrawdown, run.ConcentrationWarning, metricsJSON, pq.Array(run.Warnings),
		run.StartDate, run.EndDate, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_points
		(run_id, date, value, daily_return, long_exposure, short_exposure,
		 long_count, short_count, turnover, strategy, regime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		_, err = stmt.ExecContext(ctx,
			run.RunID, p.Date, p.Value, p.Return, p.LongExposure, p.ShortExposure,
			p.LongCount, p.ShortCount, p.Turnover, p.Strategy, p.Regime)
		if err != nil {
			return fmt.Errorf("failed to insert point in batch: %w", err)
		}
	}

	return tx.Commit()
}

// Get returns a run summary, nil when absent
func (r *runsRepo) Get(ctx context.Context, runID string) (*persistence.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + runColumns + `
		FROM backtest_runs
		WHERE run_id = $1`

	run, err := scanRun(r.db.QueryRowxContext(ctx, query, runID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListByStrategy returns the latest runs of a strategy
func (r *runsRepo) ListByStrategy(ctx context.Context, strategy string, limit int) ([]persistence.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + runColumns + `
		FROM backtest_runs
		WHERE strategy = $1
		ORDER BY completed_at DESC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, strategy, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs by strategy: %w", err)
	}
	defer rows.Close()

	var runs []persistence.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return runs, nil
}

// Points returns a run's daily series in date order
func (r *runsRepo) Points(ctx context.Context, runID string) ([]persistence.DailyPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var points []persistence.DailyPoint
	err := r.db.SelectContext(ctx, &points, `
		SELECT run_id, date, value, daily_return, long_exposure, short_exposure,
		       long_count, short_count, turnover, strategy, regime
		FROM backtest_points
		WHERE run_id = $1
		ORDER BY date ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run points: %w", err)
	}
	return points, nil
}

func scanRun(row scanner) (*persistence.RunRecord, error) {
	var run persistence.RunRecord
	var metricsJSON []byte
	var warnings pq.StringArray

	err := row.Scan(
		&run.RunID, &run.Strategy, &run.Mode, &run.InitialCapital, &run.FinalValue,
		&run.TotalReturn, &run.Sharpe, &run.MaxDrawdown, &run.ConcentrationWarning,
		&metricsJSON, &warnings, &run.StartDate, &run.EndDate,
		&run.StartedAt, &run.CompletedAt, &run.CreatedAt)
	if err != nil {
		return nil, err
	}

	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &run.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
	}
	run.Warnings = []string(warnings)
	return &run, nil
}
