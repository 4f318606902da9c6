package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Schema returns the DDL for every table the repositories use
func Schema() string {
	return schema
}

// EnsureSchema creates missing tables and indexes
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Tables lists the tables Schema creates, parents first
var Tables = []string{"panel_rows", "backtest_runs", "backtest_points", "regime_snapshots"}

// MissingTables reports which of Tables are absent from the current schema
func MissingTables(ctx context.Context, db *sqlx.DB) ([]string, error) {
	var present []string
	query := `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = ANY($1)`
	if err := db.SelectContext(ctx, &present, query, pq.Array(Tables)); err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	found := make(map[string]bool, len(present))
	for _, name := range present {
		found[name] = true
	}
	var missing []string
	for _, name := range Tables {
		if !found[name] {
			missing = append(missing, name)
		}
	}
	return missing, nil
}
