package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/factorrun/internal/live"
	"github.com/sawpanic/factorrun/internal/telemetry"
)

func newTargetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Print target notionals for live trading",
		Long: `Computes the strategy's long/short legs on the as-of date and scales them to
the requested notional. Weights are cached (redis when configured) and
reused until they are older than ttl_days.`,
		RunE: runTargets,
	}
	cmd.Flags().String("strategy", "", "Strategy name (defaults to live.strategy, then the first configured strategy)")
	cmd.Flags().String("date", "", "As-of date YYYY-MM-DD (defaults to the last panel date)")
	cmd.Flags().Float64("notional", 0, "Total notional (defaults to live.total_notional)")
	cmd.Flags().Bool("json", false, "Print the plan as JSON")
	return cmd
}

func runTargets(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.close()

	name, _ := cmd.Flags().GetString("strategy")
	if name == "" {
		name = e.cfg.Live.Strategy
	}
	if name == "" && len(e.cfg.Strategies) > 0 {
		name = e.cfg.Strategies[0].Name
	}
	strategy, ok := e.cfg.Strategy(name)
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	raw, _ := cmd.Flags().GetString("date")
	date, err := e.parseDate(raw)
	if err != nil {
		return err
	}
	notional, _ := cmd.Flags().GetFloat64("notional")

	svc, err := newLiveService(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	timer := e.metrics.StartStep(telemetry.StageTargets)
	plan, err := svc.Targets(ctx, e.store, date, strategy, notional)
	timer.StopErr(err)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	fmt.Fprintf(out, "Strategy %s on %s (cached: %t)\n", plan.Strategy, plan.Date.Format("2006-01-02"), plan.FromCache)
	ids := make([]string, 0, len(plan.Notionals))
	for id := range plan.Notionals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(out, "  %-12s %14s\n", id, plan.Notionals[id].StringFixed(e.cfg.Live.Places))
	}
	fmt.Fprintf(out, "Gross: %s\n", plan.Gross.StringFixed(e.cfg.Live.Places))
	for _, w := range plan.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	return nil
}

// newLiveService caches weights in redis when an address is configured
func newLiveService(e *env) (*live.Service, error) {
	var cache live.Store = live.NewMemoryStore()
	if e.cfg.Redis.Addr != "" {
		rs, err := live.NewRedisStore(e.cfg.Redis)
		if err != nil {
			return nil, err
		}
		cache = rs
	}
	return live.NewService(cache, e.cfg.Live)
}
