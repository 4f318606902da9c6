package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/factorrun/internal/panel"
	"github.com/sawpanic/factorrun/internal/persistence"
)

// panelRepo implements PanelRepo for PostgreSQL
type panelRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPanelRepo creates a new PostgreSQL panel repository
func NewPanelRepo(db *sqlx.DB, timeout time.Duration) persistence.PanelRepo {
	return &panelRepo{
		db:      db,
		timeout: timeout,
	}
}

// InsertBatch upserts rows atomically
func (r *panelRepo) InsertBatch(ctx context.Context, rows []panel.Row) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(rows)/1000+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO panel_rows (instrument_id, date, close, volume, market_cap, aux)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (instrument_id, date) DO UPDATE SET
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			market_cap = EXCLUDED.market_cap,
			aux = EXCLUDED.aux`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if row.Instrument == "" || row.Close <= 0 || math.IsNaN(row.Close) {
			return fmt.Errorf("%w: %s on %s", panel.ErrInvalidRow, row.Instrument, row.Date.Format(panel.DateLayout))
		}
		auxJSON, err := json.Marshal(finiteAux(row.Aux))
		if err != nil {
			return fmt.Errorf("failed to marshal aux metrics: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			row.Instrument, panel.Day(row.Date), row.Close,
			nullable(row.Volume), nullable(row.MarketCap), auxJSON)
		if err != nil {
			return fmt.Errorf("failed to insert panel row in batch: %w", err)
		}
	}

	return tx.Commit()
}

// Load returns rows inside tr ordered by instrument then date
func (r *panelRepo) Load(ctx context.Context, tr persistence.TimeRange, instruments []string) ([]panel.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT instrument_id, date, close, volume, market_cap, aux
		FROM panel_rows
		WHERE date >= $1 AND date <= $2
		  AND (cardinality($3::text[]) = 0 OR instrument_id = ANY($3))
		ORDER BY instrument_id, date`

	to := tr.To
	if to.IsZero() {
		to = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}
	if instruments == nil {
		instruments = []string{}
	}

	rows, err := r.db.QueryxContext(ctx, query, tr.From, to, pq.Array(instruments))
	if err != nil {
		return nil, fmt.Errorf("failed to query panel rows: %w", err)
	}
	defer rows.Close()

	var out []panel.Row
	for rows.Next() {
		var row panel.Row
		var volume, mcap *float64
		var auxJSON []byte
		if err := rows.Scan(&row.Instrument, &row.Date, &row.Close, &volume, &mcap, &auxJSON); err != nil {
			return nil, fmt.Errorf("failed to scan panel row: %w", err)
		}
		row.Date = panel.Day(row.Date)
		row.Volume = valueOrNaN(volume)
		row.MarketCap = valueOrNaN(mcap)
		if len(auxJSON) > 0 {
			if err := json.Unmarshal(auxJSON, &row.Aux); err != nil {
				return nil, fmt.Errorf("failed to unmarshal aux metrics: %w", err)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// Instruments lists the stored instrument ids
func (r *panelRepo) Instruments(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []string
	if err := r.db.SelectContext(ctx, &out, `SELECT DISTINCT instrument_id FROM panel_rows ORDER BY instrument_id`); err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	return out, nil
}

// Count returns the number of rows in tr
func (r *panelRepo) Count(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM panel_rows WHERE date >= $1 AND date <= $2`,
		tr.From, tr.To).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count panel rows: %w", err)
	}
	return count, nil
}

// finiteAux drops metrics JSON cannot encode
func finiteAux(aux map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(aux))
	for k, v := range aux {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out[k] = v
		}
	}
	return out
}

func nullable(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func valueOrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
