package backtest

import (
	"time"

	"github.com/sawpanic/factorrun/internal/perf"
	"github.com/sawpanic/factorrun/internal/regime"
	"github.com/sawpanic/factorrun/internal/selector"
)

// Config holds run-level settings shared by every strategy
type Config struct {
	InitialCapital     float64     `yaml:"initial_capital" json:"initial_capital"`
	Start              time.Time   `yaml:"start" json:"start"`
	End                time.Time   `yaml:"end" json:"end"`
	MinDiversification int         `yaml:"min_diversification" json:"min_diversification"` // Active legs below this member count raise a concentration warning
	Perf               perf.Config `yaml:",inline" json:"perf"`
}

// DefaultConfig returns default run settings
func DefaultConfig() Config {
	return Config{
		InitialCapital:     100000,
		MinDiversification: 5,
		Perf:               perf.DefaultConfig(),
	}
}

// Point is the portfolio after one trading date
type Point struct {
	Date           time.Time     `json:"date"`
	Value          float64       `json:"value"`
	Return         float64       `json:"return"`
	LongExposure   float64       `json:"long_exposure"`
	ShortExposure  float64       `json:"short_exposure"`
	LongCount      int           `json:"long_count"`
	ShortCount     int           `json:"short_count"`
	Turnover       float64       `json:"turnover"`
	Cost           float64       `json:"cost"`
	Rebalance      bool          `json:"rebalance"`
	MissingReturns int           `json:"missing_returns,omitempty"` // Held instruments without a close on this date
	Strategy       string        `json:"strategy"`
	Regime         regime.Regime `json:"regime,omitempty"`
}

// Rebalance records one leg replacement and everything that went wrong
// while building it.
type Rebalance struct {
	Date            time.Time          `json:"date"`
	Strategy        string             `json:"strategy"`
	Regime          *regime.Context    `json:"regime,omitempty"`
	LongAllocation  float64            `json:"long_allocation"`
	ShortAllocation float64            `json:"short_allocation"`
	Long            []string           `json:"long"`
	Short           []string           `json:"short"`
	LongWeights     map[string]float64 `json:"long_weights"`
	ShortWeights    map[string]float64 `json:"short_weights"`
	Eligible        int                `json:"eligible"`
	Selection       selector.Flags     `json:"selection"`
	DegenerateVol   []string           `json:"degenerate_vol,omitempty"`
	EmptyLong       bool               `json:"empty_long"`
	EmptyShort      bool               `json:"empty_short"`
	Turnover        float64            `json:"turnover"`
	Cost            float64            `json:"cost"`
}

// Diversification summarizes how many names actually carried the result
type Diversification struct {
	MinLong              int     `json:"min_long"`
	MinShort             int     `json:"min_short"`
	AvgLong              float64 `json:"avg_long"`
	AvgShort             float64 `json:"avg_short"`
	EmptyLegPeriods      int     `json:"empty_leg_periods"`
	ShrunkPeriods        int     `json:"shrunk_periods"`
	DegenerateVolPeriods int     `json:"degenerate_vol_periods"`
	ConcentrationWarning bool    `json:"concentration_warning"`
}

// Result is one completed backtest
type Result struct {
	RunID           string                `json:"run_id"`
	Strategy        string                `json:"strategy"`
	Mode            regime.Mode           `json:"mode,omitempty"`
	InitialCapital  float64               `json:"initial_capital"`
	StartedAt       time.Time             `json:"started_at"`
	CompletedAt     time.Time             `json:"completed_at"`
	Points          []Point               `json:"points"`
	Rebalances      []Rebalance           `json:"rebalances"`
	Metrics         *perf.Metrics         `json:"metrics"`
	Diversification Diversification       `json:"diversification"`
	RegimeChanges   []regime.RegimeChange `json:"regime_changes,omitempty"`
	Warnings        []string              `json:"warnings,omitempty"`
}

// Returns is the daily return series
func (r *Result) Returns() []float64 {
	out := make([]float64, len(r.Points))
	for i, p := range r.Points {
		out[i] = p.Return
	}
	return out
}

// ReturnsByDate indexes daily returns by date
func (r *Result) ReturnsByDate() map[time.Time]float64 {
	out := make(map[time.Time]float64, len(r.Points))
	for _, p := range r.Points {
		out[p.Date] = p.Return
	}
	return out
}

// FinalValue is the last portfolio value, or the initial capital for an
// empty run.
func (r *Result) FinalValue() float64 {
	if len(r.Points) == 0 {
		return r.InitialCapital
	}
	return r.Points[len(r.Points)-1].Value
}

// Clock interface for time operations (injectable for testing)
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using real time
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}
