package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/factorrun/internal/panel"
	"github.com/sawpanic/factorrun/internal/persistence"
)

const regimeColumns = `date, reference, reference_return, regime, mode, strategy,
		       long_fraction, short_fraction, used_fallback, metadata, created_at`

// regimeRepo implements RegimeRepo interface for PostgreSQL
type regimeRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRegimeRepo creates a new PostgreSQL regime repository
func NewRegimeRepo(db *sqlx.DB, timeout time.Duration) persistence.RegimeRepo {
	return &regimeRepo{
		db:      db,
		timeout: timeout,
	}
}

// Upsert inserts or updates the regime snapshot for its date
func (r *regimeRepo) Upsert(ctx context.Context, snapshot persistence.RegimeSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if snapshot.Regime == "" {
		return fmt.Errorf("regime label is required")
	}
	if err := validateFractions(snapshot.LongFraction, snapshot.ShortFraction); err != nil {
		return fmt.Errorf("invalid allocation: %w", err)
	}

	metadataJSON, err := json.Marshal(snapshot.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO regime_snapshots
		(date, reference, reference_return, regime, mode, strategy,
		 long_fraction, short_fraction, used_fallback, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (date) DO UPDATE SET
			reference = EXCLUDED.reference,
			reference_return = EXCLUDED.reference_return,
			regime = EXCLUDED.regime,
			mode = EXCLUDED.mode,
			strategy = EXCLUDED.strategy,
			long_fraction = EXCLUDED.long_fraction,
			short_fraction = EXCLUDED.short_fraction,
			used_fallback = EXCLUDED.used_fallback,
			metadata = EXCLUDED.metadata
		RETURNING created_at`

	err = r.db.QueryRowxContext(ctx, query,
		panel.Day(snapshot.Date), snapshot.Reference, snapshot.ReferenceReturn,
		snapshot.Regime, snapshot.Mode, snapshot.Strategy,
		snapshot.LongFraction, snapshot.ShortFraction, snapshot.UsedFallback, metadataJSON).
		Scan(&snapshot.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert regime snapshot: %w", err)
	}

	return nil
}

// Latest returns the most recent regime classification
func (r *regimeRepo) Latest(ctx context.Context) (*persistence.RegimeSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + regimeColumns + `
		FROM regime_snapshots
		ORDER BY date DESC
		LIMIT 1`

	snapshot, err := scanRegimeSnapshot(r.db.QueryRowxContext(ctx, query))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest regime: %w", err)
	}
	return snapshot, nil
}

// GetByDate retrieves a specific regime snapshot
func (r *regimeRepo) GetByDate(ctx context.Context, date time.Time) (*persistence.RegimeSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + regimeColumns + `
		FROM regime_snapshots
		WHERE date = $1`

	snapshot, err := scanRegimeSnapshot(r.db.QueryRowxContext(ctx, query, panel.Day(date)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get regime by date: %w", err)
	}
	return snapshot, nil
}

// ListRange retrieves regime history within the window
func (r *regimeRepo) ListRange(ctx context.Context, tr persistence.TimeRange) ([]persistence.RegimeSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + regimeColumns + `
		FROM regime_snapshots
		WHERE date >= $1 AND date <= $2
		ORDER BY date ASC`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query regime range: %w", err)
	}
	defer rows.Close()

	var snapshots []persistence.RegimeSnapshot
	for rows.Next() {
		snapshot, err := scanRegimeSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return snapshots, nil
}

// GetRegimeStats returns regime distribution statistics
func (r *regimeRepo) GetRegimeStats(ctx context.Context, tr persistence.TimeRange) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT regime, COUNT(*)
		FROM regime_snapshots
		WHERE date >= $1 AND date <= $2
		GROUP BY regime
		ORDER BY regime`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query regime stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var regime string
		var count int64
		if err := rows.Scan(&regime, &count); err != nil {
			return nil, fmt.Errorf("failed to scan regime stats: %w", err)
		}
		stats[regime] = count
	}
	return stats, rows.Err()
}

// scanner is satisfied by *sqlx.Row and *sqlx.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRegimeSnapshot(row scanner) (*persistence.RegimeSnapshot, error) {
	var snapshot persistence.RegimeSnapshot
	var metadataJSON []byte

	err := row.Scan(
		&snapshot.Date, &snapshot.Reference, &snapshot.ReferenceReturn,
		&snapshot.Regime, &snapshot.Mode, &snapshot.Strategy,
		&snapshot.LongFraction, &snapshot.ShortFraction, &snapshot.UsedFallback,
		&metadataJSON, &snapshot.CreatedAt)
	if err != nil {
		return nil, err
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &snapshot.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	} else {
		snapshot.Metadata = make(map[string]interface{})
	}
	return &snapshot, nil
}

// validateFractions ensures the leg split is a valid allocation
func validateFractions(long, short float64) error {
	if long < 0 || short < 0 {
		return fmt.Errorf("negative fraction: long=%f short=%f", long, short)
	}
	if long+short > 1+1e-9 {
		return fmt.Errorf("fractions sum to %f > 1", long+short)
	}
	return nil
}
