// Package portfolio holds the leg and portfolio state types shared by the
// selector, weight calculator and simulator.
package portfolio

import (
	"math"
	"sort"
	"time"
)

// Side identifies one leg of the book.
type Side int

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// Sign is +1 for long and -1 for short exposure.
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// Leg is one side of the portfolio for one rebalance period. Weights are
// non-negative magnitudes summing to Allocation, or empty.
type Leg struct {
	Date       time.Time          `json:"date"`
	Side       Side               `json:"side"`
	Allocation float64            `json:"allocation"`
	Members    []string           `json:"members"`
	Weights    map[string]float64 `json:"weights"`
}

// Len is the number of members carrying weight.
func (l Leg) Len() int {
	return len(l.Members)
}

// Sum is the total weight of the leg.
func (l Leg) Sum() float64 {
	total := 0.0
	for _, w := range l.Weights {
		total += w
	}
	return total
}

// State is the portfolio after processing one trading date.
type State struct {
	Date           time.Time `json:"date"`
	Capital        float64   `json:"capital"`
	Long           Leg       `json:"long"`
	Short          Leg       `json:"short"`
	RealizedReturn float64   `json:"realized_return"`
}

// Signed merges both legs into signed exposures, short legs negative.
func (s State) Signed() map[string]float64 {
	return Signed(s.Long, s.Short)
}

// Signed merges legs into signed exposures.
func Signed(legs ...Leg) map[string]float64 {
	out := make(map[string]float64)
	for _, l := range legs {
		for inst, w := range l.Weights {
			out[inst] += l.Side.Sign() * w
		}
	}
	return out
}

// Turnover is half the sum of absolute weight changes across the union of
// instruments. Moving from cash to a fully invested book of gross exposure g
// costs g/2.
func Turnover(prev, next map[string]float64) float64 {
	keys := make(map[string]struct{}, len(prev)+len(next))
	for k := range prev {
		keys[k] = struct{}{}
	}
	for k := range next {
		keys[k] = struct{}{}
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	total := 0.0
	for _, k := range names {
		total += math.Abs(next[k] - prev[k])
	}
	return total / 2
}
