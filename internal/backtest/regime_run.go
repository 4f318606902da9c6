package backtest

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/factorrun/internal/regime"
)

// RegimeOptions controls a regime-switching run
type RegimeOptions struct {
	Name              string // Result name, defaults to "regime_<mode>"
	RebalanceDays     int    // Rebalance interval in trading days
	RebalanceOnChange bool   // Also rebalance on any day the detected regime changes
}

// RunRegime re-evaluates the regime on every rebalance date and runs the
// strategy and leg split the controller picks for that period only.
// Strategies named by the controller's table must be present in strategies.
func (e *Engine) RunRegime(ctrl *regime.Controller, strategies map[string]StrategyConfig, opts RegimeOptions) (*Result, error) {
	if opts.RebalanceDays <= 0 {
		return nil, fmt.Errorf("rebalance_days must be positive, got %d", opts.RebalanceDays)
	}
	for name, s := range strategies {
		if s.Name != name {
			return nil, fmt.Errorf("strategy keyed %q is named %q", name, s.Name)
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	name := opts.Name
	if name == "" {
		name = "regime_" + string(ctrl.Mode())
	}

	ctrl.Detector().Reset()
	var current *regime.Context

	result, err := e.simulate(name, ctrl.Mode(), func(i int, date time.Time) (*period, error) {
		due := i%opts.RebalanceDays == 0
		if !due && !opts.RebalanceOnChange {
			return nil, nil
		}

		ctx, err := ctrl.Evaluate(e.store, date)
		if err != nil {
			return nil, err
		}
		changed := current != nil && ctx.Regime != current.Regime
		if !due && !changed {
			return nil, nil
		}

		s, ok := strategies[ctx.Allocation.Strategy]
		if !ok {
			return nil, fmt.Errorf("regime %s selects unknown strategy %q", ctx.Regime, ctx.Allocation.Strategy)
		}
		if changed {
			log.Info().
				Time("date", date).
				Str("from", current.Regime.String()).
				Str("to", ctx.Regime.String()).
				Str("strategy", s.Name).
				Msg("Regime changed")
		}

		c := ctx
		current = &c
		return &period{
			strategy: s,
			long:     ctx.Allocation.Long,
			short:    ctx.Allocation.Short,
			regime:   &c,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	result.RegimeChanges = ctrl.Detector().GetDetectionHistory()
	return result, nil
}
