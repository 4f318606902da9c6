package backtest

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// RunAll backtests independent strategies concurrently over the engine's
// shared store. Results keep the order of strategies. workers <= 0 runs one
// goroutine per strategy.
func (e *Engine) RunAll(ctx context.Context, strategies []StrategyConfig, workers int) ([]*Result, error) {
	results := make([]*Result, len(strategies))

	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}

	for i, s := range strategies {
		i, s := i, s
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := e.Run(s)
			if err != nil {
				return fmt.Errorf("strategy %s: %w", s.Name, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info().Int("strategies", len(strategies)).Int("workers", workers).Msg("Parallel backtests completed")
	return results, nil
}
