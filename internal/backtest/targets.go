package backtest

import (
	"fmt"
	"time"

	"github.com/sawpanic/factorrun/internal/panel"
)

// Targets builds the legs a strategy would hold from date onward. The
// forward price filter is off: the next close does not exist yet when the
// book is built for live trading.
func Targets(store *panel.Store, date time.Time, strategy StrategyConfig) (Rebalance, error) {
	if err := strategy.Validate(); err != nil {
		return Rebalance{}, err
	}
	date = panel.Day(date)
	if _, ok := store.PrevDate(date.AddDate(0, 0, 1)); !ok {
		return Rebalance{}, fmt.Errorf("no panel data on or before %s", date.Format(panel.DateLayout))
	}

	scorer, err := strategy.Scorer(store)
	if err != nil {
		return Rebalance{}, fmt.Errorf("strategy %s: %w", strategy.Name, err)
	}
	strategy.Selector.RequireForwardPrice = false

	reb, _, _ := rebalance(store, date, &period{
		strategy: strategy,
		long:     strategy.LongAllocation,
		short:    strategy.ShortAllocation,
	}, scorer)
	return reb, nil
}

// Signed merges the legs of a rebalance into signed weights
func (r Rebalance) Signed() map[string]float64 {
	out := make(map[string]float64, len(r.LongWeights)+len(r.ShortWeights))
	for inst, w := range r.LongWeights {
		out[inst] += w
	}
	for inst, w := range r.ShortWeights {
		out[inst] -= w
	}
	return out
}
