package ensemble

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/factorrun/internal/perf"
)

func sum(w map[string]float64) float64 {
	total := 0.0
	for _, v := range w {
		total += v
	}
	return total
}

func assertBounded(t *testing.T, alloc *Allocation, cfg Config) {
	t.Helper()
	assert.InDelta(t, 1.0, sum(alloc.Weights), 1e-9)
	for name, w := range alloc.Weights {
		assert.LessOrEqual(t, w, cfg.Cap(name)+1e-9, name)
		assert.GreaterOrEqual(t, w, cfg.Floor-1e-9, name)
	}
}

func TestAllocate_Proportional(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultCap = 1
	cfg.Floor = 0

	alloc, err := Allocate(map[string]float64{"a": 1, "b": 3}, cfg)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, alloc.Weights["a"], 1e-12)
	assert.InDelta(t, 0.75, alloc.Weights["b"], 1e-12)
	assert.Equal(t, 1, alloc.Iterations)
	assert.Empty(t, alloc.Capped)
}

func TestAllocate_CapsAndRedistribution(t *testing.T) {
	cfg := DefaultConfig()
	sharpes := map[string]float64{"a": 10, "b": 10, "c": 0.1, "d": -2}

	alloc, err := Allocate(sharpes, cfg)
	require.NoError(t, err)
	assertBounded(t, alloc, cfg)

	assert.InDelta(t, 0.40, alloc.Weights["a"], 1e-9)
	assert.InDelta(t, 0.40, alloc.Weights["b"], 1e-9)
	assert.InDelta(t, 0.15, alloc.Weights["c"], 1e-9)
	assert.InDelta(t, 0.05, alloc.Weights["d"], 1e-9)
	assert.Equal(t, []string{"a", "b"}, alloc.Capped)
	assert.Equal(t, 0.0, alloc.Raw["d"])
}

func TestAllocate_CappedStrategiesMakeRoomForFloors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Floor = 0.10
	sharpes := map[string]float64{"a": 1, "b": 1, "c": 0, "d": 0, "e": 0}

	alloc, err := Allocate(sharpes, cfg)
	require.NoError(t, err)
	assertBounded(t, alloc, cfg)

	assert.InDelta(t, 0.35, alloc.Weights["a"], 1e-9)
	assert.InDelta(t, 0.35, alloc.Weights["b"], 1e-9)
	for _, name := range []string{"c", "d", "e"} {
		assert.InDelta(t, 0.10, alloc.Weights[name], 1e-9, name)
	}
	assert.Empty(t, alloc.Capped)
}

func TestAllocate_CappedLeadersLeaveRestToZeroSharpe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultCap = 0.30
	sharpes := map[string]float64{"a": 3, "b": 1, "c": 0, "d": -1, "e": math.NaN()}

	alloc, err := Allocate(sharpes, cfg)
	require.NoError(t, err)
	assertBounded(t, alloc, cfg)

	assert.InDelta(t, 0.30, alloc.Weights["a"], 1e-9)
	assert.InDelta(t, 0.30, alloc.Weights["b"], 1e-9)
	for _, name := range []string{"c", "d", "e"} {
		assert.InDelta(t, 0.40/3, alloc.Weights[name], 1e-9, name)
	}
	assert.Equal(t, []string{"a", "b"}, alloc.Capped)
}

func TestAllocate_FloorAndCapsAcrossSharpeGrid(t *testing.T) {
	for _, floor := range []float64{0, 0.05, 0.10, 0.15} {
		for _, leaders := range []int{0, 1, 2, 3, 5} {
			cfg := DefaultConfig()
			cfg.Floor = floor
			sharpes := make(map[string]float64, 6)
			for i, name := range []string{"a", "b", "c", "d", "e", "f"} {
				if i < leaders {
					sharpes[name] = float64(10 - i)
				} else {
					sharpes[name] = -0.5
				}
			}
			alloc, err := Allocate(sharpes, cfg)
			require.NoError(t, err, "floor=%v leaders=%d", floor, leaders)
			assertBounded(t, alloc, cfg)
		}
	}
}

func TestAllocate_PerStrategyCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Caps = map[string]float64{"unstable": 0.10}
	sharpes := map[string]float64{"unstable": 5, "x": 1, "y": 1, "z": 1}

	alloc, err := Allocate(sharpes, cfg)
	require.NoError(t, err)
	assertBounded(t, alloc, cfg)
	assert.InDelta(t, 0.10, alloc.Weights["unstable"], 1e-9)
	assert.InDelta(t, 0.30, alloc.Weights["x"], 1e-9)
}

func TestAllocate_AllNonPositiveIsEqual(t *testing.T) {
	cfg := DefaultConfig()
	alloc, err := Allocate(map[string]float64{"a": -1, "b": 0, "c": math.NaN()}, cfg)
	require.NoError(t, err)
	for _, w := range alloc.Weights {
		assert.InDelta(t, 1.0/3, w, 1e-12)
	}
}

func TestAllocate_Infeasible(t *testing.T) {
	cfg := DefaultConfig()

	_, err := Allocate(map[string]float64{"a": 1, "b": 1}, cfg)
	assert.ErrorIs(t, err, ErrAllocationInfeasible)

	cfg.Floor = 0.3
	cfg.DefaultCap = 0.5
	_, err = Allocate(map[string]float64{"a": 1, "b": 1, "c": 1, "d": 1}, cfg)
	assert.ErrorIs(t, err, ErrAllocationInfeasible)

	_, err = Allocate(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrAllocationInfeasible)
}

func TestAllocate_IterationLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 1
	_, err := Allocate(map[string]float64{"a": 10, "b": 1, "c": 1}, cfg)
	assert.ErrorIs(t, err, ErrCapOverflow)
}

func TestAllocate_Idempotent(t *testing.T) {
	cfg := DefaultConfig()
	sharpes := map[string]float64{"m": 2.1, "t": 0.4, "d": 1.3, "v": 0.9, "c": -0.2}

	first, err := Allocate(sharpes, cfg)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Allocate(sharpes, cfg)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assertBounded(t, first, cfg)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.DefaultCap = 0.01
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxIterations = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Caps = map[string]float64{"x": 1.5}
	assert.Error(t, cfg.Validate())
}

func day(i int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
}

func series(name string, n int, f func(i int) float64) Series {
	s := Series{Name: name, Returns: make(map[time.Time]float64, n)}
	for i := 0; i < n; i++ {
		s.Returns[day(i)] = f(i)
	}
	return s
}

func TestBlend(t *testing.T) {
	a := series("a", 4, func(int) float64 { return 0.01 })
	b := series("b", 4, func(int) float64 { return -0.01 })

	res, err := Blend([]Series{a, b}, map[string]float64{"a": 0.75, "b": 0.25}, 100, perf.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, res.Periods, 4)
	for _, p := range res.Periods {
		assert.InDelta(t, 0.005, p.Return, 1e-12)
	}
	assert.InDelta(t, 100*math.Pow(1.005, 4), res.Periods[3].Value, 1e-9)

	_, err = Blend([]Series{a, a}, nil, 100, perf.DefaultConfig())
	assert.Error(t, err)
}

func TestRollingBlend_UsesOnlyPriorReturns(t *testing.T) {
	good := series("good", 60, func(i int) float64 { return 0.01 + 0.001*float64(i%3) })
	bad := series("bad", 60, func(i int) float64 { return -0.01 + 0.001*float64(i%2) })

	cfg := DefaultConfig()
	cfg.DefaultCap = 0.8
	cfg.Floor = 0.1
	cfg.LookbackDays = 10
	cfg.RefreshDays = 20

	res, err := RollingBlend([]Series{good, bad}, cfg, 100, perf.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, res.Refreshes, 3)

	first := res.Refreshes[0]
	assert.Equal(t, day(0), first.Date)
	assert.InDelta(t, 0.5, first.Weights["good"], 1e-12, "no history yet")

	second := res.Refreshes[1]
	assert.InDelta(t, 0.8, second.Weights["good"], 1e-9)
	assert.InDelta(t, 0.2, second.Weights["bad"], 1e-9)

	// Changing returns on or after a refresh date leaves that refresh alone.
	shocked := series("good", 60, func(i int) float64 {
		if i >= 20 {
			return -0.05
		}
		return 0.01 + 0.001*float64(i%3)
	})
	res2, err := RollingBlend([]Series{shocked, bad}, cfg, 100, perf.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, res.Refreshes[1], res2.Refreshes[1])
	assert.NotEqual(t, res.Refreshes[2].Weights, res2.Refreshes[2].Weights)
}
