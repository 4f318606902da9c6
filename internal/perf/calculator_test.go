package perf

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func series(initial float64, returns ...float64) []Period {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Period, len(returns))
	v := initial
	for i, r := range returns {
		v *= 1 + r
		out[i] = Period{Date: start.AddDate(0, 0, i), Return: r, Value: v}
	}
	return out
}

func TestCalculate_Empty(t *testing.T) {
	_, err := NewCalculator(DefaultConfig()).Calculate(100, nil)
	assert.ErrorIs(t, err, ErrNoReturns)
}

func TestCalculate_TotalReturnAndDrawdown(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	m, err := calc.Calculate(100, series(100, 0.10, -0.20, 0.05, 0.10))
	require.NoError(t, err)

	assert.InDelta(t, 1.1*0.8*1.05*1.1-1, m.TotalReturn, 1e-12)
	assert.InDelta(t, 0.20, m.MaxDrawdown, 1e-12)
	assert.Equal(t, 1, m.MaxDrawdownDays)
	assert.InDelta(t, 0.75, m.WinRate, 1e-12)
	assert.Equal(t, 4, m.Periods)
	assert.Greater(t, m.Volatility, 0.0)
}

func TestCalculate_DrawdownFromInitialCapital(t *testing.T) {
	m, err := NewCalculator(DefaultConfig()).Calculate(100, series(100, -0.10, -0.10))
	require.NoError(t, err)
	assert.InDelta(t, 0.19, m.MaxDrawdown, 1e-12)
	assert.Equal(t, 2, m.MaxDrawdownDays)
	assert.Equal(t, 0.0, m.WinRate)
}

func TestSharpeAndSortino(t *testing.T) {
	r := []float64{0.01, -0.01, 0.02, 0.0, 0.01}
	mean := (0.01 - 0.01 + 0.02 + 0.0 + 0.01) / 5
	var ss float64
	for _, x := range r {
		ss += (x - mean) * (x - mean)
	}
	std := math.Sqrt(ss / 4)
	assert.InDelta(t, mean/std*math.Sqrt(365), Sharpe(r, 365, 0), 1e-9)

	dd := math.Sqrt(0.0001 / 5)
	assert.InDelta(t, mean/dd*math.Sqrt(365), Sortino(r, 365, 0), 1e-9)

	assert.Equal(t, 0.0, Sharpe([]float64{0.01}, 365, 0))
	assert.Equal(t, 0.0, Sharpe([]float64{0.01, 0.01}, 365, 0))
	assert.Equal(t, 0.0, Sortino([]float64{0.01, 0.02}, 365, 0))
}

func TestAnnualizedReturn(t *testing.T) {
	calc := NewCalculator(Config{TradingDaysPerYear: 4})
	m, err := calc.Calculate(1, series(1, 0.1, 0.1))
	require.NoError(t, err)
	assert.InDelta(t, math.Pow(1.21, 2)-1, m.AnnualizedReturn, 1e-12)
}
