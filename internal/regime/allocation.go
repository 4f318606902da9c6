package regime

import (
	"fmt"
	"sort"
)

// Mode selects how hard the book leans toward the favored direction
type Mode string

const (
	Conservative Mode = "conservative"
	Moderate     Mode = "moderate"
	Maximal      Mode = "maximal"
)

// Allocation is one pre-vetted (strategy, split) combination
type Allocation struct {
	Strategy string  `yaml:"strategy" json:"strategy"`
	Long     float64 `yaml:"long" json:"long"`
	Short    float64 `yaml:"short" json:"short"`
}

// Table maps (mode, regime) to an allocation. It is a lookup, not a formula.
type Table map[Mode]map[Regime]Allocation

// DefaultTable returns the three mode presets for the default regimes
func DefaultTable() Table {
	preset := func(favoredUp, favoredDown float64) map[Regime]Allocation {
		return map[Regime]Allocation{
			StrongUp:   {Strategy: "momentum", Long: favoredUp, Short: 1 - favoredUp},
			ModerateUp: {Strategy: "trendline", Long: favoredUp, Short: 1 - favoredUp},
			Down:       {Strategy: "dispersion", Long: 1 - favoredDown, Short: favoredDown},
			StrongDown: {Strategy: "volatility", Long: 1 - favoredDown, Short: favoredDown},
		}
	}
	return Table{
		Conservative: preset(0.8, 0.8),
		Moderate:     preset(0.9, 0.9),
		Maximal:      preset(1.0, 1.0),
	}
}

// Get returns the allocation for regime under mode
func (t Table) Get(regime Regime, mode Mode) (Allocation, error) {
	byRegime, ok := t[mode]
	if !ok {
		return Allocation{}, fmt.Errorf("no allocation table for mode %q", mode)
	}
	alloc, ok := byRegime[regime]
	if !ok {
		return Allocation{}, fmt.Errorf("mode %q has no allocation for regime %q", mode, regime)
	}
	return alloc, nil
}

// Modes lists configured modes in ascending order
func (t Table) Modes() []Mode {
	out := make([]Mode, 0, len(t))
	for m := range t {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strategies lists every strategy referenced by the table
func (t Table) Strategies() []string {
	seen := make(map[string]bool)
	var out []string
	for _, byRegime := range t {
		for _, a := range byRegime {
			if !seen[a.Strategy] {
				seen[a.Strategy] = true
				out = append(out, a.Strategy)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks that every mode covers every regime with a sane split
func (t Table) Validate(regimes []Regime) error {
	if len(t) == 0 {
		return fmt.Errorf("allocation table is empty")
	}
	for _, mode := range t.Modes() {
		for _, r := range regimes {
			a, err := t.Get(r, mode)
			if err != nil {
				return err
			}
			if a.Strategy == "" {
				return fmt.Errorf("mode %q regime %q: strategy is required", mode, r)
			}
			if a.Long < 0 || a.Short < 0 {
				return fmt.Errorf("mode %q regime %q: fractions must be non-negative", mode, r)
			}
			if a.Long+a.Short > 1+1e-9 {
				return fmt.Errorf("mode %q regime %q: long %.2f + short %.2f exceeds 1",
					mode, r, a.Long, a.Short)
			}
		}
	}
	return nil
}
