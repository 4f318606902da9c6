package ensemble

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/factorrun/internal/backtest"
	"github.com/sawpanic/factorrun/internal/perf"
)

// Series is one strategy's daily return stream
type Series struct {
	Name    string
	Returns map[time.Time]float64
}

// FromResult adapts a backtest result
func FromResult(r *backtest.Result) Series {
	return Series{Name: r.Strategy, Returns: r.ReturnsByDate()}
}

// Refresh is one recomputation of ensemble weights
type Refresh struct {
	Date    time.Time          `json:"date"`
	Sharpes map[string]float64 `json:"sharpes"`
	Weights map[string]float64 `json:"weights"`
}

// BlendResult is the combined portfolio
type BlendResult struct {
	Periods   []perf.Period `json:"periods"`
	Refreshes []Refresh     `json:"refreshes"`
	Metrics   *perf.Metrics `json:"metrics"`
}

// TrailingSharpes computes each strategy's Sharpe over its full history
func TrailingSharpes(series []Series, perfCfg perf.Config) map[string]float64 {
	out := make(map[string]float64, len(series))
	for _, s := range series {
		dates := sortedDates(s.Returns)
		returns := make([]float64, len(dates))
		for i, d := range dates {
			returns[i] = s.Returns[d]
		}
		out[s.Name] = perf.Sharpe(returns, perfCfg.TradingDaysPerYear, perfCfg.RiskFreeRate)
	}
	return out
}

// Blend combines series with fixed weights. A strategy with no return on a
// date contributes zero for that date.
func Blend(series []Series, weights map[string]float64, initial float64, perfCfg perf.Config) (*BlendResult, error) {
	if err := checkNames(series); err != nil {
		return nil, err
	}
	dates := unionDates(series)
	if len(dates) == 0 {
		return nil, perf.ErrNoReturns
	}

	res := &BlendResult{
		Refreshes: []Refresh{{Date: dates[0], Weights: weights}},
	}
	value := initial
	for _, d := range dates {
		r := blendedReturn(series, weights, d)
		value *= 1 + r
		res.Periods = append(res.Periods, perf.Period{Date: d, Return: r, Value: value})
	}

	metrics, err := perf.NewCalculator(perfCfg).Calculate(initial, res.Periods)
	if err != nil {
		return nil, err
	}
	res.Metrics = metrics
	return res, nil
}

// RollingBlend recomputes weights every cfg.RefreshDays dates from Sharpe
// ratios measured over the cfg.LookbackDays dates strictly before the
// refresh date, so a period's weights never see its own returns.
func RollingBlend(series []Series, cfg Config, initial float64, perfCfg perf.Config) (*BlendResult, error) {
	if err := checkNames(series); err != nil {
		return nil, err
	}
	if cfg.RefreshDays <= 0 || cfg.LookbackDays < 2 {
		return nil, fmt.Errorf("rolling blend needs refresh_days > 0 and lookback_days >= 2")
	}
	dates := unionDates(series)
	if len(dates) == 0 {
		return nil, perf.ErrNoReturns
	}

	res := &BlendResult{}
	value := initial
	var weights map[string]float64

	for i, d := range dates {
		if i%cfg.RefreshDays == 0 {
			start := i - cfg.LookbackDays
			if start < 0 {
				start = 0
			}
			window := dates[start:i]

			sharpes := make(map[string]float64, len(series))
			for _, s := range series {
				returns := make([]float64, len(window))
				for j, wd := range window {
					returns[j] = s.Returns[wd]
				}
				sharpes[s.Name] = perf.Sharpe(returns, perfCfg.TradingDaysPerYear, perfCfg.RiskFreeRate)
			}

			alloc, err := Allocate(sharpes, cfg)
			if err != nil {
				return nil, fmt.Errorf("refresh on %s: %w", d.Format("2006-01-02"), err)
			}
			weights = alloc.Weights
			res.Refreshes = append(res.Refreshes, Refresh{Date: d, Sharpes: sharpes, Weights: weights})
		}

		r := blendedReturn(series, weights, d)
		value *= 1 + r
		res.Periods = append(res.Periods, perf.Period{Date: d, Return: r, Value: value})
	}

	metrics, err := perf.NewCalculator(perfCfg).Calculate(initial, res.Periods)
	if err != nil {
		return nil, err
	}
	res.Metrics = metrics

	log.Info().
		Int("strategies", len(series)).
		Int("refreshes", len(res.Refreshes)).
		Float64("total_return", metrics.TotalReturn).
		Msg("Rolling ensemble blended")
	return res, nil
}

func blendedReturn(series []Series, weights map[string]float64, d time.Time) float64 {
	total := 0.0
	for _, s := range series {
		total += weights[s.Name] * s.Returns[d]
	}
	return total
}

func checkNames(series []Series) error {
	seen := make(map[string]bool, len(series))
	for _, s := range series {
		if s.Name == "" {
			return fmt.Errorf("series without a strategy name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate strategy %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func unionDates(series []Series) []time.Time {
	set := make(map[time.Time]struct{})
	for _, s := range series {
		for d := range s.Returns {
			set[d] = struct{}{}
		}
	}
	out := make([]time.Time, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func sortedDates(m map[time.Time]float64) []time.Time {
	out := make([]time.Time, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
