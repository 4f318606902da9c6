package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/factorrun/internal/backtest"
	"github.com/sawpanic/factorrun/internal/telemetry"
)

func newBacktestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run single-factor or regime-switching backtests",
		Long: `Runs each selected strategy over the panel and writes a JSON summary and
a CSV daily series per run. --regime runs the regime-switching strategy
instead, re-evaluating the regime on every rebalance date.`,
		RunE: runBacktest,
	}
	cmd.Flags().StringSlice("strategy", nil, "Strategy name from the config (repeatable)")
	cmd.Flags().Bool("all", false, "Run every configured strategy")
	cmd.Flags().Bool("regime", false, "Run the regime-switching strategy")
	addRunFlags(cmd.Flags())
	return cmd
}

func runBacktest(cmd *cobra.Command, args []string) error {
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

	outputDir := e.outputDir(cmd.Flags())
	writer := backtest.NewWriter(outputDir)

	var results []*backtest.Result
	timer := e.metrics.StartStep(telemetry.StageBacktest)
	if useRegime, _ := cmd.Flags().GetBool("regime"); useRegime {
		var res *backtest.Result
		res, err = runRegimeBacktest(e, engine)
		if res != nil {
			results = append(results, res)
		}
	} else {
		var strategies []backtest.StrategyConfig
		strategies, err = selectStrategies(cmd, e)
		if err == nil {
			workers, _ := cmd.Flags().GetInt("workers")
			log.Info().Int("strategies", len(strategies)).Int("workers", workers).Msg("Starting backtests")
			results, err = engine.RunAll(ctx, strategies, workers)
		}
	}
	timer.StopErr(err)
	if err != nil {
		return err
	}

	for _, res := range results {
		e.metrics.ObserveRun(res)
		if err := writer.Write(res); err != nil {
			return err
		}
		if err := e.recorder.RecordRun(ctx, res); err != nil {
			log.Warn().Err(err).Str("run_id", res.RunID).Msg("Failed to record run")
		}
		summary, series := writer.Paths(res)
		log.Info().Str("summary", summary).Str("series", series).Msg("Backtest written")
	}

	printResults(cmd.OutOrStdout(), results)
	return nil
}

func runRegimeBacktest(e *env, engine *backtest.Engine) (*backtest.Result, error) {
	ctrl, err := e.controller()
	if err != nil {
		return nil, err
	}
	opts := backtest.RegimeOptions{
		RebalanceDays:     e.cfg.Regime.RebalanceDays,
		RebalanceOnChange: e.cfg.Regime.RebalanceOnChange,
	}
	log.Info().
		Str("mode", string(ctrl.Mode())).
		Int("rebalance_days", opts.RebalanceDays).
		Msg("Starting regime-switching backtest")
	return engine.RunRegime(ctrl, e.cfg.StrategyMap(), opts)
}

// selectStrategies resolves --strategy and --all against the config
func selectStrategies(cmd *cobra.Command, e *env) ([]backtest.StrategyConfig, error) {
	all, _ := cmd.Flags().GetBool("all")
	names, _ := cmd.Flags().GetStringSlice("strategy")
	if all || len(names) == 0 {
		return e.cfg.Strategies, nil
	}

	out := make([]backtest.StrategyConfig, 0, len(names))
	for _, name := range names {
		s, ok := e.cfg.Strategy(name)
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
		out = append(out, s)
	}
	return out, nil
}

func printResults(w io.Writer, results []*backtest.Result) {
	fmt.Fprintf(w, "%-16s %10s %8s %8s %8s %6s %6s\n", "STRATEGY", "TOTAL", "SHARPE", "SORTINO", "MAX_DD", "LONG", "SHORT")
	for _, res := range results {
		m := res.Metrics
		if m == nil {
			fmt.Fprintf(w, "%-16s no metrics\n", res.Strategy)
			continue
		}
		fmt.Fprintf(w, "%-16s %9.2f%% %8.2f %8.2f %7.2f%% %6.1f %6.1f\n",
			res.Strategy, m.TotalReturn*100, m.Sharpe, m.Sortino, m.MaxDrawdown*100,
			res.Diversification.AvgLong, res.Diversification.AvgShort)
		for _, warning := range res.Warnings {
			fmt.Fprintf(w, "  warning: %s\n", warning)
		}
	}
}
