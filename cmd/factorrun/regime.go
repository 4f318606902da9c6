package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/factorrun/internal/telemetry"
)

func newRegimeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regime",
		Short: "Detect the market regime and print the strategy allocation",
		RunE:  runRegime,
	}
	cmd.Flags().String("date", "", "As-of date YYYY-MM-DD (defaults to the last panel date)")
	cmd.Flags().Bool("json", false, "Print the regime context as JSON")
	return cmd
}

func runRegime(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.close()

	raw, _ := cmd.Flags().GetString("date")
	date, err := e.parseDate(raw)
	if err != nil {
		return err
	}
	ctrl, err := e.controller()
	if err != nil {
		return err
	}

	timer := e.metrics.StartStep(telemetry.StageRegime)
	rc, err := ctrl.Evaluate(e.store, date)
	timer.StopErr(err)
	if err != nil {
		return fmt.Errorf("failed to evaluate regime: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.recorder.RecordRegime(ctx, rc, e.cfg.Regime.Reference); err != nil {
		log.Warn().Err(err).Msg("Failed to record regime")
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rc)
	}

	fmt.Fprintf(out, "Date:      %s\n", rc.Date.Format("2006-01-02"))
	fmt.Fprintf(out, "Regime:    %s\n", rc.Regime)
	fmt.Fprintf(out, "Reference: %s %+.2f%% over %d days\n",
		e.cfg.Regime.Reference, rc.ReferenceReturn*100, e.cfg.Regime.LookbackDays)
	if rc.UsedFallback {
		fmt.Fprintln(out, "           (reference return undefined, fallback regime used)")
	}
	fmt.Fprintf(out, "Mode:      %s\n", rc.Mode)
	fmt.Fprintf(out, "Strategy:  %s (long %.0f%% / short %.0f%%)\n",
		rc.Allocation.Strategy, rc.Allocation.Long*100, rc.Allocation.Short*100)
	return nil
}
