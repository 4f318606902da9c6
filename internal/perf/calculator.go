// Package perf provides performance calculation for simulated return series
package perf

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// ErrNoReturns is returned when a series has no periods.
var ErrNoReturns = errors.New("no return periods provided")

// Metrics contains the summary of one return series
type Metrics struct {
	TotalReturn      float64 `json:"total_return"`      // Compounded return over the series
	AnnualizedReturn float64 `json:"annualized_return"` // Geometric annualized return
	Volatility       float64 `json:"volatility"`        // Annualized standard deviation
	DownsideVol      float64 `json:"downside_vol"`      // Annualized downside deviation
	Sharpe           float64 `json:"sharpe"`            // Annualized Sharpe ratio
	Sortino          float64 `json:"sortino"`           // Annualized Sortino ratio
	Calmar           float64 `json:"calmar"`            // Annualized return / max drawdown
	MaxDrawdown      float64 `json:"max_drawdown"`      // Peak-to-trough loss, positive fraction
	MaxDrawdownDays  int     `json:"max_drawdown_days"` // Periods from peak to max drawdown trough
	WinRate          float64 `json:"win_rate"`          // Positive periods / non-flat periods

	Periods   int       `json:"periods"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// Period is one dated return with the portfolio value after it
type Period struct {
	Date   time.Time `json:"date"`
	Return float64   `json:"return"`
	Value  float64   `json:"value"`
}

// Config holds configuration for performance calculations
type Config struct {
	RiskFreeRate       float64 `yaml:"risk_free_rate"`        // Annual risk-free rate
	TradingDaysPerYear int     `yaml:"trading_days_per_year"` // Periods per year for annualization
}

// DefaultConfig returns defaults for a 365-day crypto calendar
func DefaultConfig() Config {
	return Config{
		RiskFreeRate:       0,
		TradingDaysPerYear: 365,
	}
}

// Calculator computes performance metrics from period returns
type Calculator struct {
	config Config
}

// NewCalculator creates a new performance calculator
func NewCalculator(config Config) *Calculator {
	if config.TradingDaysPerYear <= 0 {
		config.TradingDaysPerYear = DefaultConfig().TradingDaysPerYear
	}
	return &Calculator{config: config}
}

// Calculate summarizes periods. Values are used for drawdowns; returns for
// the distribution statistics.
func (c *Calculator) Calculate(initial float64, periods []Period) (*Metrics, error) {
	if len(periods) == 0 {
		return nil, ErrNoReturns
	}

	m := &Metrics{
		Periods:   len(periods),
		StartDate: periods[0].Date,
		EndDate:   periods[len(periods)-1].Date,
	}

	returns := make([]float64, len(periods))
	for i, p := range periods {
		returns[i] = p.Return
	}

	c.calculateReturnMetrics(initial, periods, m)
	c.calculateRiskMetrics(returns, m)
	c.calculateDrawdown(initial, periods, m)
	m.WinRate = WinRate(returns)

	if m.MaxDrawdown > 0 {
		m.Calmar = m.AnnualizedReturn / m.MaxDrawdown
	}
	return m, nil
}

func (c *Calculator) calculateReturnMetrics(initial float64, periods []Period, m *Metrics) {
	last := periods[len(periods)-1].Value
	if initial > 0 {
		m.TotalReturn = last/initial - 1
	}
	years := float64(len(periods)) / float64(c.config.TradingDaysPerYear)
	if years > 0 && 1+m.TotalReturn > 0 {
		m.AnnualizedReturn = math.Pow(1+m.TotalReturn, 1/years) - 1
	} else if 1+m.TotalReturn <= 0 {
		m.AnnualizedReturn = -1
	}
}

func (c *Calculator) calculateRiskMetrics(returns []float64, m *Metrics) {
	if len(returns) < 2 {
		return
	}
	n := float64(c.config.TradingDaysPerYear)
	m.Volatility = stat.StdDev(returns, nil) * math.Sqrt(n)
	m.DownsideVol = downsideDeviation(returns) * math.Sqrt(n)
	m.Sharpe = Sharpe(returns, c.config.TradingDaysPerYear, c.config.RiskFreeRate)
	m.Sortino = Sortino(returns, c.config.TradingDaysPerYear, c.config.RiskFreeRate)
}

func (c *Calculator) calculateDrawdown(initial float64, periods []Period, m *Metrics) {
	peak := initial
	peakIdx := -1
	for i, p := range periods {
		if p.Value > peak {
			peak = p.Value
			peakIdx = i
			continue
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - p.Value) / peak
		if dd > m.MaxDrawdown {
			m.MaxDrawdown = dd
			m.MaxDrawdownDays = i - peakIdx
		}
	}
}

// Sharpe is the annualized ratio of mean excess period return to its
// standard deviation. Zero when fewer than two periods or no dispersion.
func Sharpe(returns []float64, periodsPerYear int, riskFree float64) float64 {
	if len(returns) < 2 || periodsPerYear <= 0 {
		return 0
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	excess := mean - riskFree/float64(periodsPerYear)
	return excess / std * math.Sqrt(float64(periodsPerYear))
}

// Sortino is Sharpe with downside deviation in the denominator.
func Sortino(returns []float64, periodsPerYear int, riskFree float64) float64 {
	if len(returns) < 2 || periodsPerYear <= 0 {
		return 0
	}
	dd := downsideDeviation(returns)
	if dd == 0 {
		return 0
	}
	excess := stat.Mean(returns, nil) - riskFree/float64(periodsPerYear)
	return excess / dd * math.Sqrt(float64(periodsPerYear))
}

// WinRate is the share of positive periods among periods that moved.
func WinRate(returns []float64) float64 {
	wins, moved := 0, 0
	for _, r := range returns {
		if r == 0 {
			continue
		}
		moved++
		if r > 0 {
			wins++
		}
	}
	if moved == 0 {
		return 0
	}
	return float64(wins) / float64(moved)
}

func downsideDeviation(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range returns {
		if r < 0 {
			sum += r * r
		}
	}
	return math.Sqrt(sum / float64(len(returns)))
}
