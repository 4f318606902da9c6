// Package backtest simulates factor long/short strategies day by day over a
// read-only panel.
package backtest

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/factorrun/internal/factors"
	"github.com/sawpanic/factorrun/internal/panel"
	"github.com/sawpanic/factorrun/internal/perf"
	"github.com/sawpanic/factorrun/internal/portfolio"
	"github.com/sawpanic/factorrun/internal/regime"
	"github.com/sawpanic/factorrun/internal/selector"
	"github.com/sawpanic/factorrun/internal/weights"
)

// ErrNoTradingDates is returned when the run window holds no panel dates.
var ErrNoTradingDates = errors.New("no trading dates in backtest window")

// Engine runs backtests over a shared store. The store is never mutated so
// one engine may serve concurrent runs.
type Engine struct {
	store  *panel.Store
	config Config
	calc   *perf.Calculator
	clock  Clock
}

// NewEngine creates a backtest engine
func NewEngine(store *panel.Store, config Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("panel store is required")
	}
	if config.InitialCapital <= 0 {
		return nil, fmt.Errorf("initial_capital must be positive, got %v", config.InitialCapital)
	}
	if !config.Start.IsZero() && !config.End.IsZero() && config.End.Before(config.Start) {
		return nil, fmt.Errorf("end %s is before start %s",
			config.End.Format(panel.DateLayout), config.Start.Format(panel.DateLayout))
	}
	return &Engine{
		store:  store,
		config: config,
		calc:   perf.NewCalculator(config.Perf),
		clock:  RealClock{},
	}, nil
}

// SetClock sets the clock implementation (for testing)
func (e *Engine) SetClock(clock Clock) {
	e.clock = clock
}

// Store returns the engine's panel
func (e *Engine) Store() *panel.Store {
	return e.store
}

// Config returns the run settings
func (e *Engine) Config() Config {
	return e.config
}

// Dates returns the trading dates the engine simulates
func (e *Engine) Dates() []time.Time {
	return e.store.CalendarBetween(e.config.Start, e.config.End)
}

// period is what the simulator holds from one rebalance to the next
type period struct {
	strategy StrategyConfig
	long     float64
	short    float64
	regime   *regime.Context
}

// schedule decides, for trading date index i, whether to rebalance and
// with which strategy. A nil period means hold.
type schedule func(i int, date time.Time) (*period, error)

// Run backtests a single strategy with its own leg allocation
func (e *Engine) Run(strategy StrategyConfig) (*Result, error) {
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	p := &period{strategy: strategy, long: strategy.LongAllocation, short: strategy.ShortAllocation}
	return e.simulate(strategy.Name, "", func(i int, _ time.Time) (*period, error) {
		if i%strategy.RebalanceDays == 0 {
			return p, nil
		}
		return nil, nil
	})
}

// simulate is the daily loop. Weights set on date T earn the return
// realized over (T, T+1]; rebalance cost is charged on T.
func (e *Engine) simulate(name string, mode regime.Mode, next schedule) (*Result, error) {
	dates := e.Dates()
	if len(dates) == 0 {
		return nil, ErrNoTradingDates
	}

	result := &Result{
		RunID:          uuid.New().String(),
		Strategy:       name,
		Mode:           mode,
		InitialCapital: e.config.InitialCapital,
		StartedAt:      e.clock.Now(),
		Points:         make([]Point, 0, len(dates)),
	}

	scorers := make(map[string]factors.Scorer)
	value := e.config.InitialCapital
	held := portfolio.State{Capital: value}
	signed := map[string]float64{}
	active := name
	var activeRegime regime.Regime

	for i, date := range dates {
		point := Point{Date: date}

		if i > 0 {
			ret, missing := e.heldReturn(signed, date)
			point.Return = ret
			point.MissingReturns = missing
		}

		p, err := next(i, date)
		if err != nil {
			return nil, fmt.Errorf("schedule on %s: %w", date.Format(panel.DateLayout), err)
		}
		if p != nil {
			scorer, ok := scorers[p.strategy.Name]
			if !ok {
				scorer, err = p.strategy.Scorer(e.store)
				if err != nil {
					return nil, fmt.Errorf("strategy %s: %w", p.strategy.Name, err)
				}
				scorers[p.strategy.Name] = scorer
			}

			reb, long, short := rebalance(e.store, date, p, scorer)
			nextSigned := portfolio.Signed(long, short)
			reb.Turnover = portfolio.Turnover(signed, nextSigned)
			reb.Cost = reb.Turnover * p.strategy.CostBps / 10000
			result.Rebalances = append(result.Rebalances, reb)

			point.Rebalance = true
			point.Turnover = reb.Turnover
			point.Cost = reb.Cost
			point.Return -= reb.Cost

			held.Long, held.Short = long, short
			signed = nextSigned
			active = p.strategy.Name
			if p.regime != nil {
				activeRegime = p.regime.Regime
			}
		}

		value *= 1 + point.Return
		held.Date = date
		held.Capital = value
		held.RealizedReturn = point.Return

		point.Value = value
		point.Strategy = active
		point.Regime = activeRegime
		point.LongExposure = held.Long.Sum()
		point.ShortExposure = held.Short.Sum()
		point.LongCount = held.Long.Len()
		point.ShortCount = held.Short.Len()
		result.Points = append(result.Points, point)
	}

	periods := make([]perf.Period, len(result.Points))
	for i, pt := range result.Points {
		periods[i] = perf.Period{Date: pt.Date, Return: pt.Return, Value: pt.Value}
	}
	metrics, err := e.calc.Calculate(e.config.InitialCapital, periods)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate metrics: %w", err)
	}
	result.Metrics = metrics
	e.summarize(result)
	result.CompletedAt = e.clock.Now()

	log.Info().
		Str("run_id", result.RunID).
		Str("strategy", name).
		Int("days", len(result.Points)).
		Int("rebalances", len(result.Rebalances)).
		Float64("total_return", metrics.TotalReturn).
		Float64("sharpe", metrics.Sharpe).
		Bool("concentration_warning", result.Diversification.ConcentrationWarning).
		Msg("Backtest completed")

	return result, nil
}

// heldReturn applies the weights carried into date to the return realized on
// date. Instruments without a close on both sides contribute nothing and are
// counted.
func (e *Engine) heldReturn(signed map[string]float64, date time.Time) (float64, int) {
	names := make([]string, 0, len(signed))
	for inst := range signed {
		names = append(names, inst)
	}
	sort.Strings(names)

	total, missing := 0.0, 0
	for _, inst := range names {
		w := signed[inst]
		if w == 0 {
			continue
		}
		r, ok := e.store.DayReturn(inst, date)
		if !ok {
			missing++
			continue
		}
		total += w * r
	}
	return total, missing
}

// rebalance scores, selects and weights both legs for date
func rebalance(store *panel.Store, date time.Time, p *period, scorer factors.Scorer) (Rebalance, portfolio.Leg, portfolio.Leg) {
	s := p.strategy
	records := factors.Compute(store, scorer, date, factors.ComputeOptions{
		Window:     s.Selector.Window,
		MinHistory: s.MinHistory,
	})

	selCfg := s.Selector
	selCfg.LongActive = p.long > 0
	selCfg.ShortActive = p.short > 0
	sel := selector.Select(store, records, date, selCfg)

	wcfg := s.weightsConfig()
	longRes := weights.Compute(store, sel.Long, portfolio.Long, date, p.long, wcfg)
	shortRes := weights.Compute(store, sel.Short, portfolio.Short, date, p.short, wcfg)

	reb := Rebalance{
		Date:            date,
		Strategy:        s.Name,
		Regime:          p.regime,
		LongAllocation:  p.long,
		ShortAllocation: p.short,
		Long:            longRes.Leg.Members,
		Short:           shortRes.Leg.Members,
		LongWeights:     longRes.Leg.Weights,
		ShortWeights:    shortRes.Leg.Weights,
		Eligible:        sel.Eligible,
		Selection:       sel.Flags,
		EmptyLong:       p.long > 0 && longRes.Leg.Len() == 0,
		EmptyShort:      p.short > 0 && shortRes.Leg.Len() == 0,
	}
	reb.DegenerateVol = append(reb.DegenerateVol, longRes.Excluded...)
	reb.DegenerateVol = append(reb.DegenerateVol, shortRes.Excluded...)

	if reb.EmptyLong || reb.EmptyShort {
		log.Warn().
			Time("date", date).
			Str("strategy", s.Name).
			Bool("empty_long", reb.EmptyLong).
			Bool("empty_short", reb.EmptyShort).
			Int("eligible", sel.Eligible).
			Msg("Rebalance left an active leg empty")
	}
	return reb, longRes.Leg, shortRes.Leg
}

// summarize fills diversification metadata and warnings
func (e *Engine) summarize(result *Result) {
	div := Diversification{MinLong: -1, MinShort: -1}
	var longSum, shortSum, longN, shortN int

	for _, reb := range result.Rebalances {
		if reb.EmptyLong || reb.EmptyShort {
			div.EmptyLegPeriods++
		}
		if reb.Selection.Shrunk {
			div.ShrunkPeriods++
		}
		if len(reb.DegenerateVol) > 0 {
			div.DegenerateVolPeriods++
		}
		if reb.LongAllocation > 0 {
			n := len(reb.Long)
			longSum += n
			longN++
			if div.MinLong < 0 || n < div.MinLong {
				div.MinLong = n
			}
		}
		if reb.ShortAllocation > 0 {
			n := len(reb.Short)
			shortSum += n
			shortN++
			if div.MinShort < 0 || n < div.MinShort {
				div.MinShort = n
			}
		}
	}
	if longN > 0 {
		div.AvgLong = float64(longSum) / float64(longN)
	} else {
		div.MinLong = 0
	}
	if shortN > 0 {
		div.AvgShort = float64(shortSum) / float64(shortN)
	} else {
		div.MinShort = 0
	}

	threshold := e.config.MinDiversification
	if threshold > 0 && ((longN > 0 && div.MinLong < threshold) || (shortN > 0 && div.MinShort < threshold)) {
		div.ConcentrationWarning = true
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"concentration: smallest active legs held %d long / %d short names, below %d",
			div.MinLong, div.MinShort, threshold))
	}
	if div.EmptyLegPeriods > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"%d of %d rebalances left an active leg empty", div.EmptyLegPeriods, len(result.Rebalances)))
	}
	if div.ShrunkPeriods > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"%d of %d rebalances shrunk legs to fit the eligible universe", div.ShrunkPeriods, len(result.Rebalances)))
	}
	result.Diversification = div

	if div.ConcentrationWarning {
		log.Warn().
			Str("strategy", result.Strategy).
			Int("min_long", div.MinLong).
			Int("min_short", div.MinShort).
			Int("threshold", threshold).
			Msg("Result is carried by few names")
	}
}
