// Package factors defines the pluggable scorer contract and the built-in
// factor library. A scorer is a pure function of a causal window: it sees rows
// for one instrument dated at or before the as-of date and nothing else.
package factors

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/sawpanic/factorrun/internal/panel"
)

// ErrUnknownFactor is returned by New for names outside the registry.
var ErrUnknownFactor = errors.New("unknown factor")

// Scorer maps a window (oldest first, last row is the as-of date) to a score.
// Undefined statistics return NaN.
type Scorer func(window []panel.Row) float64

// Env carries construction-time inputs for scorers that need more than the
// window, such as the reference instrument for beta.
type Env struct {
	Store     *panel.Store
	Reference string
	Params    map[string]float64
}

// Param returns a numeric parameter or def when unset.
func (e Env) Param(name string, def float64) float64 {
	if v, ok := e.Params[name]; ok {
		return v
	}
	return def
}

// Factory builds a scorer from its environment.
type Factory func(env Env) (Scorer, error)

var registry = map[string]Factory{
	"momentum":       func(Env) (Scorer, error) { return Momentum, nil },
	"volatility":     func(Env) (Scorer, error) { return Volatility, nil },
	"dispersion":     func(Env) (Scorer, error) { return Dispersion, nil },
	"turnover":       func(Env) (Scorer, error) { return Turnover, nil },
	"trendline":      func(Env) (Scorer, error) { return Trendline, nil },
	"mean_reversion": func(Env) (Scorer, error) { return MeanReversion, nil },
	"carry":          newCarry,
	"beta":           newBeta,
	"stationarity":   newStationarity,
}

// New returns the named scorer.
func New(name string, env Env) (Scorer, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactor, name)
	}
	s, err := f(env)
	if err != nil {
		return nil, fmt.Errorf("factor %s: %w", name, err)
	}
	return s, nil
}

// Names lists registered factors in ascending order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Known reports whether name is a registered factor.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Negate flips the sign of a scorer, so callers can reverse ranking
// direction without a new factor.
func Negate(s Scorer) Scorer {
	return func(w []panel.Row) float64 {
		return -s(w)
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}
