// Package weights converts leg memberships into capital weights.
package weights

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/factorrun/internal/panel"
	"github.com/sawpanic/factorrun/internal/portfolio"
)

// ErrDegenerateVolatility marks members with zero or undefined trailing
// volatility. They are dropped from the leg for the period.
var ErrDegenerateVolatility = errors.New("degenerate volatility")

// Method selects the weighting scheme.
type Method string

const (
	Equal      Method = "equal"
	RiskParity Method = "risk_parity"
)

// minVolatility is the trailing volatility at or below which a member is
// treated as degenerate.
const minVolatility = 1e-12

// Config selects the method and its trailing window.
type Config struct {
	Method    Method `yaml:"method"`
	VolWindow int    `yaml:"vol_window"`
}

// Validate checks the method and window.
func (c Config) Validate() error {
	switch c.Method {
	case Equal:
		return nil
	case RiskParity:
		if c.VolWindow < 2 {
			return fmt.Errorf("vol_window must be at least 2 for risk_parity, got %d", c.VolWindow)
		}
		return nil
	default:
		return fmt.Errorf("unknown weighting method %q", c.Method)
	}
}

// Result is a weighted leg plus the members removed while weighting.
type Result struct {
	Leg      portfolio.Leg `json:"leg"`
	Excluded []string      `json:"excluded,omitempty"`
}

// Compute weights members so the leg sums to allocation. Volatility uses
// returns dated at or before date only.
func Compute(store *panel.Store, members []string, side portfolio.Side, date time.Time, allocation float64, cfg Config) Result {
	res := Result{Leg: portfolio.Leg{
		Date:       panel.Day(date),
		Side:       side,
		Allocation: allocation,
		Members:    []string{},
		Weights:    map[string]float64{},
	}}
	if allocation <= 0 || len(members) == 0 {
		return res
	}

	raw := make(map[string]float64, len(members))
	switch cfg.Method {
	case RiskParity:
		for _, inst := range members {
			vol := TrailingVolatility(store, inst, date, cfg.VolWindow)
			if math.IsNaN(vol) || vol <= minVolatility {
				res.Excluded = append(res.Excluded, inst)
				continue
			}
			raw[inst] = 1 / vol
			res.Leg.Members = append(res.Leg.Members, inst)
		}
		if len(res.Excluded) > 0 {
			log.Warn().
				Time("date", res.Leg.Date).
				Str("side", side.String()).
				Strs("excluded", res.Excluded).
				Msg("Dropped members with degenerate volatility")
		}
	default:
		for _, inst := range members {
			raw[inst] = 1
			res.Leg.Members = append(res.Leg.Members, inst)
		}
	}

	total := 0.0
	for _, inst := range res.Leg.Members {
		total += raw[inst]
	}
	if total <= 0 {
		res.Leg.Members = []string{}
		return res
	}
	for _, inst := range res.Leg.Members {
		res.Leg.Weights[inst] = allocation * raw[inst] / total
	}
	return res
}

// TrailingVolatility is the sample standard deviation of the last window
// daily returns ending at date. NaN when fewer than two returns exist.
func TrailingVolatility(store *panel.Store, instrument string, date time.Time, window int) float64 {
	rows := store.Window(instrument, date, window+1)
	r := panel.Returns(rows)
	if len(r) < 2 {
		return math.NaN()
	}
	return stat.StdDev(r, nil)
}

// Err reports ErrDegenerateVolatility when any member was removed.
func (r Result) Err() error {
	if len(r.Excluded) > 0 {
		return fmt.Errorf("%d members: %w", len(r.Excluded), ErrDegenerateVolatility)
	}
	return nil
}
