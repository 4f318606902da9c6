package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/factorrun/internal/config"
	"github.com/sawpanic/factorrun/internal/infrastructure/db"
	"github.com/sawpanic/factorrun/internal/panel"
	"github.com/sawpanic/factorrun/internal/persistence"
	"github.com/sawpanic/factorrun/internal/regime"
	"github.com/sawpanic/factorrun/internal/telemetry"
)

// env bundles what every subcommand needs
type env struct {
	cfg      *config.Config
	store    *panel.Store
	recorder *db.Recorder
	metrics  *telemetry.Registry
}

// loadEnv reads the configuration, opens the database when enabled and
// loads the panel from CSV or postgres.
func loadEnv(cmd *cobra.Command, needPanel bool) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	manager, err := db.NewManager(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create database manager: %w", err)
	}
	e := &env{
		cfg:      cfg,
		recorder: db.NewRecorder(manager),
		metrics:  telemetry.NewRegistry(),
	}

	if !needPanel {
		return e, nil
	}

	timer := e.metrics.StartStep(telemetry.StageLoadPanel)
	store, err := e.loadPanel(cmd)
	timer.StopErr(err)
	if err != nil {
		e.close()
		return nil, err
	}
	e.store = store

	cal := store.Calendar()
	if len(cal) == 0 {
		e.close()
		return nil, fmt.Errorf("panel has no rows")
	}
	log.Info().
		Int("instruments", len(store.Instruments())).
		Int("dates", len(cal)).
		Time("first", cal[0]).
		Time("last", cal[len(cal)-1]).
		Msg("Panel loaded")
	return e, nil
}

func (e *env) loadPanel(cmd *cobra.Command) (*panel.Store, error) {
	fromDB, _ := cmd.Flags().GetBool("from-db")
	if fromDB {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		tr := persistence.TimeRange{From: e.cfg.Backtest.Start, To: e.cfg.Backtest.End}
		return e.recorder.LoadPanel(ctx, tr, nil)
	}

	path, _ := cmd.Flags().GetString("panel")
	if path == "" {
		return nil, fmt.Errorf("--panel is required unless --from-db is set")
	}
	return panel.LoadCSV(path)
}

func (e *env) controller() (*regime.Controller, error) {
	det, err := regime.NewDetectorWithConfig(e.cfg.Regime.DetectorConfig)
	if err != nil {
		return nil, err
	}
	return regime.NewController(det, e.cfg.Regime.Table, e.cfg.Regime.Mode)
}

func (e *env) close() {
	if err := e.recorder.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}

// parseDate reads a YYYY-MM-DD flag, defaulting to the last panel date
func (e *env) parseDate(raw string) (time.Time, error) {
	if raw == "" {
		cal := e.store.Calendar()
		return cal[len(cal)-1], nil
	}
	d, err := time.Parse(panel.DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", raw, err)
	}
	return panel.Day(d), nil
}

// addRunFlags registers the flags shared by commands that run strategies
func addRunFlags(fs *pflag.FlagSet) {
	fs.Int("workers", 4, "Concurrent strategy runs")
	fs.String("output", "", "Output directory (defaults to output_dir from the config)")
}

// outputDir resolves --output against the configured directory
func (e *env) outputDir(fs *pflag.FlagSet) string {
	if dir, _ := fs.GetString("output"); dir != "" {
		return dir
	}
	return e.cfg.OutputDir
}
