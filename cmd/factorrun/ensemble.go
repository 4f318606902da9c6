package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/factorrun/internal/backtest"
	"github.com/sawpanic/factorrun/internal/ensemble"
	fio "github.com/sawpanic/factorrun/internal/io"
	"github.com/sawpanic/factorrun/internal/telemetry"
)

// ensembleReport is the ensemble.json document
type ensembleReport struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Rolling     bool                  `json:"rolling"`
	Config      ensemble.Config       `json:"config"`
	Sharpes     map[string]float64    `json:"sharpes"`
	Allocation  *ensemble.Allocation  `json:"allocation,omitempty"`
	Blend       *ensemble.BlendResult `json:"blend"`
	Strategies  []strategySummary     `json:"strategies"`
}

type strategySummary struct {
	Name   string  `json:"name"`
	RunID  string  `json:"run_id"`
	Sharpe float64 `json:"sharpe"`
	Weight float64 `json:"weight"`
}

func newEnsembleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ensemble",
		Short: "Blend strategies with Sharpe-proportional capped weights",
		Long: `Runs every configured strategy, allocates weights proportional to positive
trailing Sharpe within the floor and caps, and writes the blended portfolio.
--rolling recomputes the weights every refresh_days from prior returns only.`,
		RunE: runEnsemble,
	}
	cmd.Flags().Bool("rolling", false, "Recompute weights on a rolling schedule")
	addRunFlags(cmd.Flags())
	return cmd
}

func runEnsemble(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := backtest.NewEngine(e.store, e.cfg.Backtest)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	workers, _ := cmd.Flags().GetInt("workers")
	results, err := engine.RunAll(ctx, e.cfg.Strategies, workers)
	if err != nil {
		return err
	}

	series := make([]ensemble.Series, len(results))
	for i, res := range results {
		e.metrics.ObserveRun(res)
		series[i] = ensemble.FromResult(res)
	}

	rolling, _ := cmd.Flags().GetBool("rolling")
	report := ensembleReport{
		GeneratedAt: time.Now().UTC(),
		Rolling:     rolling,
		Config:      e.cfg.Ensemble,
		Sharpes:     ensemble.TrailingSharpes(series, e.cfg.Backtest.Perf),
	}

	timer := e.metrics.StartStep(telemetry.StageEnsemble)
	err = buildEnsemble(&report, series, e)
	timer.StopErr(err)
	if err != nil {
		return err
	}

	weights := finalWeight(report)
	for _, res := range results {
		report.Strategies = append(report.Strategies, strategySummary{
			Name:   res.Strategy,
			RunID:  res.RunID,
			Sharpe: report.Sharpes[res.Strategy],
			Weight: weights[res.Strategy],
		})
	}

	outputDir := e.outputDir(cmd.Flags())
	path := filepath.Join(outputDir, "ensemble.json")
	if err := fio.WriteJSONAtomic(path, report); err != nil {
		return fmt.Errorf("failed to write ensemble report: %w", err)
	}
	if rolling {
		refreshes := filepath.Join(outputDir, "ensemble_refreshes.jsonl")
		if err := fio.WriteJSONLinesAtomic(refreshes, report.Blend.Refreshes); err != nil {
			return fmt.Errorf("failed to write refreshes: %w", err)
		}
	}
	log.Info().Str("path", path).Int("strategies", len(results)).Msg("Ensemble written")

	printEnsemble(cmd, report)
	return nil
}

func buildEnsemble(report *ensembleReport, series []ensemble.Series, e *env) error {
	initial := e.cfg.Backtest.InitialCapital
	if report.Rolling {
		blend, err := ensemble.RollingBlend(series, e.cfg.Ensemble, initial, e.cfg.Backtest.Perf)
		if err != nil {
			return fmt.Errorf("failed to blend: %w", err)
		}
		report.Blend = blend
		return nil
	}

	alloc, err := ensemble.Allocate(report.Sharpes, e.cfg.Ensemble)
	if err != nil {
		return fmt.Errorf("failed to allocate: %w", err)
	}
	blend, err := ensemble.Blend(series, alloc.Weights, initial, e.cfg.Backtest.Perf)
	if err != nil {
		return fmt.Errorf("failed to blend: %w", err)
	}
	report.Allocation = alloc
	report.Blend = blend
	return nil
}

// finalWeight is the static allocation or the last rolling refresh
func finalWeight(report ensembleReport) map[string]float64 {
	if report.Allocation != nil {
		return report.Allocation.Weights
	}
	if n := len(report.Blend.Refreshes); n > 0 {
		return report.Blend.Refreshes[n-1].Weights
	}
	return nil
}

func printEnsemble(cmd *cobra.Command, report ensembleReport) {
	out := cmd.OutOrStdout()
	strategies := append([]strategySummary(nil), report.Strategies...)
	sort.Slice(strategies, func(i, j int) bool { return strategies[i].Weight > strategies[j].Weight })

	fmt.Fprintf(out, "%-16s %8s %8s\n", "STRATEGY", "SHARPE", "WEIGHT")
	for _, s := range strategies {
		fmt.Fprintf(out, "%-16s %8.2f %7.2f%%\n", s.Name, s.Sharpe, s.Weight*100)
	}
	if m := report.Blend.Metrics; m != nil {
		fmt.Fprintf(out, "\nBlend: total %.2f%%  sharpe %.2f  max drawdown %.2f%%\n",
			m.TotalReturn*100, m.Sharpe, m.MaxDrawdown*100)
	}
}
