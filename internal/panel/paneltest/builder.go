// Package paneltest builds synthetic panels for tests.
package paneltest

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/factorrun/internal/panel"
)

// Start is the first date used by builders unless overridden.
var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Builder accumulates daily rows for several instruments.
type Builder struct {
	start time.Time
	rows  []panel.Row
}

// New returns a builder whose series begin at start.
func New(start time.Time) *Builder {
	return &Builder{start: panel.Day(start)}
}

// Date returns the i-th calendar day from the builder start.
func (b *Builder) Date(i int) time.Time {
	return b.start.AddDate(0, 0, i)
}

// Series adds one row per day for instrument. NaN closes are left out so the
// instrument has a gap on that date.
func (b *Builder) Series(instrument string, closes []float64, volume, marketCap float64) *Builder {
	return b.SeriesFrom(instrument, 0, closes, volume, marketCap)
}

// SeriesFrom is Series starting offset days after the builder start.
func (b *Builder) SeriesFrom(instrument string, offset int, closes []float64, volume, marketCap float64) *Builder {
	for i, c := range closes {
		if math.IsNaN(c) {
			continue
		}
		b.rows = append(b.rows, panel.Row{
			Instrument: instrument,
			Date:       b.Date(offset + i),
			Close:      c,
			Volume:     volume,
			MarketCap:  marketCap,
		})
	}
	return b
}

// Aux sets an auxiliary metric on existing rows of instrument, by day offset.
func (b *Builder) Aux(instrument, name string, values []float64) *Builder {
	for i := range b.rows {
		r := &b.rows[i]
		if r.Instrument != instrument {
			continue
		}
		idx := int(r.Date.Sub(b.start).Hours() / 24)
		if idx < 0 || idx >= len(values) {
			continue
		}
		if r.Aux == nil {
			r.Aux = make(map[string]float64)
		}
		r.Aux[name] = values[idx]
	}
	return b
}

// Rows returns a copy of the accumulated rows.
func (b *Builder) Rows() []panel.Row {
	out := make([]panel.Row, len(b.rows))
	copy(out, b.rows)
	return out
}

// Store builds the panel store, failing the test on error.
func (b *Builder) Store(t testing.TB) *panel.Store {
	t.Helper()
	s, err := panel.NewStore(b.Rows())
	require.NoError(t, err)
	return s
}

// Flat returns n closes fixed at price.
func Flat(n int, price float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = price
	}
	return out
}

// Geometric returns n closes starting at start growing by rate per day.
func Geometric(n int, start, rate float64) []float64 {
	out := make([]float64, n)
	p := start
	for i := range out {
		out[i] = p
		p *= 1 + rate
	}
	return out
}

// Zigzag returns n closes alternating around start by +/-amp.
func Zigzag(n int, start, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = start * (1 + amp)
		} else {
			out[i] = start * (1 - amp)
		}
	}
	return out
}
