// Package ensemble blends single-strategy results into one portfolio using
// capped Sharpe-proportional weights.
package ensemble

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog/log"
)

var (
	// ErrCapOverflow is reported when the search hits its iteration limit
	// before every weight is inside its floor and cap.
	ErrCapOverflow = errors.New("ensemble weights exceed caps")
	// ErrAllocationInfeasible is returned when no weight vector can satisfy
	// the floor and the caps at the same time.
	ErrAllocationInfeasible = errors.New("ensemble allocation infeasible")
)

const epsilon = 1e-12

// Config bounds the allocator
type Config struct {
	DefaultCap    float64            `yaml:"default_cap" json:"default_cap"`
	Floor         float64            `yaml:"floor" json:"floor"`
	Caps          map[string]float64 `yaml:"caps" json:"caps,omitempty"` // Per-strategy overrides of DefaultCap
	MaxIterations int                `yaml:"max_iterations" json:"max_iterations"`
	LookbackDays  int                `yaml:"lookback_days" json:"lookback_days"` // Trailing Sharpe horizon for rolling blends
	RefreshDays   int                `yaml:"refresh_days" json:"refresh_days"`   // Rolling blend recompute interval
}

// DefaultConfig returns a 5% floor and 40% cap
func DefaultConfig() Config {
	return Config{
		DefaultCap:    0.40,
		Floor:         0.05,
		MaxIterations: 50,
		LookbackDays:  90,
		RefreshDays:   30,
	}
}

// Validate checks config ranges
func (c Config) Validate() error {
	if c.DefaultCap <= 0 || c.DefaultCap > 1 {
		return fmt.Errorf("default_cap must be in (0,1], got %v", c.DefaultCap)
	}
	if c.Floor < 0 || c.Floor >= 1 {
		return fmt.Errorf("floor must be in [0,1), got %v", c.Floor)
	}
	for name, cap := range c.Caps {
		if cap <= 0 || cap > 1 {
			return fmt.Errorf("cap for %s must be in (0,1], got %v", name, cap)
		}
		if cap < c.Floor {
			return fmt.Errorf("cap for %s (%v) is below floor %v", name, cap, c.Floor)
		}
	}
	if c.DefaultCap < c.Floor {
		return fmt.Errorf("default_cap %v is below floor %v", c.DefaultCap, c.Floor)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	return nil
}

// Cap returns the cap applied to strategy
func (c Config) Cap(strategy string) float64 {
	if cap, ok := c.Caps[strategy]; ok {
		return cap
	}
	return c.DefaultCap
}

// Allocation is the allocator output
type Allocation struct {
	Weights    map[string]float64 `json:"weights"`
	Raw        map[string]float64 `json:"raw"`
	Iterations int                `json:"iterations"`
	Capped     []string           `json:"capped,omitempty"`
}

// Allocate turns trailing Sharpe ratios into weights that sum to one, each
// between the floor and its cap. Strategies are processed in name order so
// the result does not depend on map iteration.
func Allocate(sharpes map[string]float64, cfg Config) (*Allocation, error) {
	if len(sharpes) == 0 {
		return nil, fmt.Errorf("no strategies to allocate: %w", ErrAllocationInfeasible)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(sharpes))
	for name := range sharpes {
		names = append(names, name)
	}
	sort.Strings(names)

	n := float64(len(names))
	capSum := 0.0
	for _, name := range names {
		capSum += cfg.Cap(name)
	}
	if capSum < 1-epsilon {
		return nil, fmt.Errorf("caps sum to %.4f < 1: %w", capSum, ErrAllocationInfeasible)
	}
	if cfg.Floor*n > 1+epsilon {
		return nil, fmt.Errorf("floor %.4f x %d strategies > 1: %w", cfg.Floor, len(names), ErrAllocationInfeasible)
	}

	raw := rawWeights(names, sharpes)
	alloc := &Allocation{Raw: raw}

	// Strategies with a positive raw weight scale together as
	// clamp(lambda*raw, floor, cap); the rest sit at the floor. When every
	// positive strategy capped still leaves budget, they stay capped and the
	// others share the rest equally within their own bounds.
	reach := 0.0
	for _, name := range names {
		if raw[name] > 0 {
			reach += cfg.Cap(name)
		} else {
			reach += cfg.Floor
		}
	}
	items := make([]bound, len(names))
	for i, name := range names {
		switch {
		case reach >= 1-epsilon:
			items[i] = bound{slope: raw[name], lo: cfg.Floor, hi: cfg.Cap(name)}
		case raw[name] > 0:
			items[i] = bound{lo: cfg.Cap(name), hi: cfg.Cap(name)}
		default:
			items[i] = bound{slope: 1, lo: cfg.Floor, hi: cfg.Cap(name)}
		}
	}
	weights, iters, ok := waterfill(items, 1, cfg.MaxIterations)
	alloc.Iterations = iters
	if !ok {
		return nil, fmt.Errorf("no weights within floor %.4f and caps after %d iterations: %w",
			cfg.Floor, alloc.Iterations, ErrCapOverflow)
	}

	alloc.Weights = make(map[string]float64, len(names))
	for i, name := range names {
		alloc.Weights[name] = weights[i]
	}
	normalize(names, alloc.Weights)
	for _, name := range names {
		if math.Abs(alloc.Weights[name]-cfg.Cap(name)) <= 1e-9 {
			alloc.Capped = append(alloc.Capped, name)
		}
	}

	log.Debug().
		Int("strategies", len(names)).
		Int("iterations", alloc.Iterations).
		Strs("capped", alloc.Capped).
		Msg("Ensemble weights allocated")
	return alloc, nil
}

// bound is one weight w = clamp(lambda*slope, lo, hi)
type bound struct {
	slope, lo, hi float64
}

func (b bound) at(lambda float64) float64 {
	return math.Min(math.Max(lambda*b.slope, b.lo), b.hi)
}

// waterfill finds lambda with sum of clamped weights equal to target. The
// sum is piecewise linear and nondecreasing in lambda, so segments between
// breakpoints are walked in order and the first one reaching target is
// solved exactly. Each segment is one iteration; ok is false when the
// limit is hit or the bounds cannot reach target.
func waterfill(items []bound, target float64, maxIter int) ([]float64, int, bool) {
	total := func(lambda float64) float64 {
		sum := 0.0
		for _, b := range items {
			sum += b.at(lambda)
		}
		return sum
	}
	fill := func(lambda float64) []float64 {
		out := make([]float64, len(items))
		for i, b := range items {
			out[i] = b.at(lambda)
		}
		return out
	}

	if total(0) >= target-epsilon {
		return fill(0), 0, true
	}

	points := []float64{0}
	for _, b := range items {
		if b.slope > 0 {
			points = append(points, b.lo/b.slope, b.hi/b.slope)
		}
	}
	sort.Float64s(points)

	iters := 0
	for k := 1; k < len(points); k++ {
		lo, hi := points[k-1], points[k]
		if hi <= lo {
			continue
		}
		if iters == maxIter {
			return nil, iters, false
		}
		iters++
		if total(hi) < target-epsilon {
			continue
		}

		// Inside the segment every item is either clamped or linear.
		mid := (lo + hi) / 2
		slope, fixed := 0.0, 0.0
		for _, b := range items {
			if v := mid * b.slope; b.slope > 0 && v > b.lo && v < b.hi {
				slope += b.slope
			} else {
				fixed += b.at(mid)
			}
		}
		return fill((target - fixed) / slope), iters, true
	}
	return nil, iters, false
}

// rawWeights is max(sharpe, 0) normalized. Non-finite Sharpe counts as zero.
func rawWeights(names []string, sharpes map[string]float64) map[string]float64 {
	raw := make(map[string]float64, len(names))
	total := 0.0
	for _, name := range names {
		s := sharpes[name]
		if math.IsNaN(s) || math.IsInf(s, 0) || s < 0 {
			s = 0
		}
		raw[name] = s
		total += s
	}
	for _, name := range names {
		if total > 0 {
			raw[name] /= total
		} else {
			raw[name] = 0
		}
	}
	return raw
}

// normalize rescales weights to sum to exactly one
func normalize(names []string, weights map[string]float64) {
	total := 0.0
	for _, name := range names {
		total += weights[name]
	}
	if total <= 0 {
		for _, name := range names {
			weights[name] = 1 / float64(len(names))
		}
		return
	}
	for _, name := range names {
		weights[name] /= total
	}
}
