package backtest

import (
	"fmt"

	"github.com/sawpanic/factorrun/internal/factors"
	"github.com/sawpanic/factorrun/internal/panel"
	"github.com/sawpanic/factorrun/internal/selector"
	"github.com/sawpanic/factorrun/internal/weights"
)

// StrategyConfig describes one single-factor long/short strategy
type StrategyConfig struct {
	Name          string             `yaml:"name" json:"name"`
	Factor        string             `yaml:"factor" json:"factor"`
	Reference     string             `yaml:"reference" json:"reference,omitempty"` // Benchmark for factors that need one (beta)
	Params        map[string]float64 `yaml:"params" json:"params,omitempty"`
	MinHistory    int                `yaml:"min_history" json:"min_history"`
	RebalanceDays int                `yaml:"rebalance_days" json:"rebalance_days"`

	Selector selector.Config `yaml:",inline" json:"selector"`

	Weighting weights.Method `yaml:"weighting" json:"weighting"`
	VolWindow int            `yaml:"vol_window" json:"vol_window"`

	LongAllocation  float64 `yaml:"long_allocation" json:"long_allocation"`
	ShortAllocation float64 `yaml:"short_allocation" json:"short_allocation"`
	CostBps         float64 `yaml:"cost_bps" json:"cost_bps"`
}

// DefaultStrategy returns a 50/50 equal-weight 20/80 book rebalanced every
// ten trading days.
func DefaultStrategy(name, factor string) StrategyConfig {
	return StrategyConfig{
		Name:            name,
		Factor:          factor,
		RebalanceDays:   10,
		Selector:        selector.DefaultConfig(),
		Weighting:       weights.Equal,
		VolWindow:       30,
		LongAllocation:  0.5,
		ShortAllocation: 0.5,
		CostBps:         10,
	}
}

// Validate checks the strategy in isolation
func (s StrategyConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if !factors.Known(s.Factor) {
		return fmt.Errorf("strategy %s: %w: %q", s.Name, factors.ErrUnknownFactor, s.Factor)
	}
	if s.Selector.Window <= 0 {
		return fmt.Errorf("strategy %s: window must be positive, got %d", s.Name, s.Selector.Window)
	}
	if s.MinHistory < 0 {
		return fmt.Errorf("strategy %s: min_history must be non-negative", s.Name)
	}
	if s.RebalanceDays <= 0 {
		return fmt.Errorf("strategy %s: rebalance_days must be positive, got %d", s.Name, s.RebalanceDays)
	}
	if err := s.Selector.Validate(); err != nil {
		return fmt.Errorf("strategy %s: %w", s.Name, err)
	}
	if err := s.weightsConfig().Validate(); err != nil {
		return fmt.Errorf("strategy %s: %w", s.Name, err)
	}
	if s.LongAllocation < 0 || s.ShortAllocation < 0 {
		return fmt.Errorf("strategy %s: allocations must be non-negative", s.Name)
	}
	if s.LongAllocation+s.ShortAllocation > 1+1e-9 {
		return fmt.Errorf("strategy %s: long %.2f + short %.2f exceeds 1",
			s.Name, s.LongAllocation, s.ShortAllocation)
	}
	if s.CostBps < 0 {
		return fmt.Errorf("strategy %s: cost_bps must be non-negative", s.Name)
	}
	return nil
}

func (s StrategyConfig) weightsConfig() weights.Config {
	return weights.Config{Method: s.Weighting, VolWindow: s.VolWindow}
}

// Scorer builds the strategy's factor scorer against store
func (s StrategyConfig) Scorer(store *panel.Store) (factors.Scorer, error) {
	return factors.New(s.Factor, factors.Env{
		Store:     store,
		Reference: s.Reference,
		Params:    s.Params,
	})
}
