package regime

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/factorrun/internal/panel/paneltest"
)

func TestClassify_PartitionsRealLine(t *testing.T) {
	d := NewDetector()

	cases := []struct {
		ret  float64
		want Regime
	}{
		{-0.50, StrongDown},
		{-0.10, Down},
		{-0.0001, Down},
		{0, ModerateUp},
		{0.0999, ModerateUp},
		{0.10, StrongUp},
		{3.0, StrongUp},
		{math.Inf(-1), StrongDown},
		{math.Inf(1), StrongUp},
		{math.NaN(), Down},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, d.Classify(tc.ret), "ret=%v", tc.ret)
	}
}

func TestDetectorConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultDetectorConfig().Validate())

	cfg := DefaultDetectorConfig()
	cfg.Boundaries = []float64{0.1, 0}
	assert.Error(t, cfg.Validate(), "unsorted boundaries")

	cfg = DefaultDetectorConfig()
	cfg.Regimes = cfg.Regimes[:3]
	assert.Error(t, cfg.Validate(), "label count")

	cfg = DefaultDetectorConfig()
	cfg.Fallback = "sideways"
	assert.Error(t, cfg.Validate())

	cfg = DefaultDetectorConfig()
	cfg.Regimes[1] = cfg.Regimes[0]
	assert.Error(t, cfg.Validate(), "duplicate labels")

	_, err := NewDetectorWithConfig(DetectorConfig{})
	assert.Error(t, err)
}

func TestDetectRegime_UsesTrailingReturnAndTracksChanges(t *testing.T) {
	closes := append(paneltest.Geometric(40, 100, 0.01), paneltest.Geometric(40, 148, -0.01)...)
	b := paneltest.New(paneltest.Start)
	s := b.Series("BTC", closes, 1, 1).Store(t)

	cfg := DefaultDetectorConfig()
	cfg.LookbackDays = 20
	d, err := NewDetectorWithConfig(cfg)
	require.NoError(t, err)

	early := d.DetectRegime(s, b.Date(10))
	assert.True(t, early.UsedFallback)
	assert.Equal(t, Down, early.Regime)

	up := d.DetectRegime(s, b.Date(39))
	assert.Equal(t, StrongUp, up.Regime)
	assert.InDelta(t, math.Pow(1.01, 20)-1, up.ReferenceReturn, 1e-9)

	down := d.DetectRegime(s, b.Date(79))
	assert.Equal(t, StrongDown, down.Regime)

	history := d.GetDetectionHistory()
	require.Len(t, history, 2)
	assert.Equal(t, Down, history[0].FromRegime)
	assert.Equal(t, StrongUp, history[0].ToRegime)
	assert.Equal(t, StrongDown, history[1].ToRegime)

	d.Reset()
	assert.Empty(t, d.GetDetectionHistory())
}

func TestDetectRegime_IgnoresFutureRows(t *testing.T) {
	b := paneltest.New(paneltest.Start)
	base := paneltest.Geometric(60, 100, 0.002)
	s1 := b.Series("BTC", base, 1, 1).Store(t)

	crash := append([]float64{}, base...)
	for i := 31; i < len(crash); i++ {
		crash[i] = crash[i] * 0.1
	}
	s2 := paneltest.New(paneltest.Start).Series("BTC", crash, 1, 1).Store(t)

	d1, d2 := NewDetector(), NewDetector()
	assert.Equal(t, d1.DetectRegime(s1, b.Date(30)), d2.DetectRegime(s2, b.Date(30)))
}

func TestTable(t *testing.T) {
	table := DefaultTable()
	require.NoError(t, table.Validate(DefaultDetectorConfig().Regimes))

	a, err := table.Get(StrongUp, Conservative)
	require.NoError(t, err)
	assert.Equal(t, 0.8, a.Long)
	assert.InDelta(t, 0.2, a.Short, 1e-12)

	a, err = table.Get(StrongDown, Maximal)
	require.NoError(t, err)
	assert.Equal(t, 0.0, a.Long)
	assert.Equal(t, 1.0, a.Short)

	_, err = table.Get(StrongUp, "yolo")
	assert.Error(t, err)

	assert.Equal(t, []Mode{Conservative, Maximal, Moderate}, table.Modes())
	assert.Contains(t, table.Strategies(), "dispersion")

	broken := Table{Maximal: {StrongUp: {Strategy: "momentum", Long: 0.9, Short: 0.9}}}
	assert.Error(t, broken.Validate([]Regime{StrongUp}))
	assert.Error(t, broken.Validate([]Regime{StrongUp, Down}))
}

func TestController_Evaluate(t *testing.T) {
	b := paneltest.New(paneltest.Start)
	s := b.Series("BTC", paneltest.Geometric(40, 100, 0.01), 1, 1).Store(t)

	ctrl, err := NewController(NewDetector(), DefaultTable(), Moderate)
	require.NoError(t, err)

	ctx, err := ctrl.Evaluate(s, b.Date(39))
	require.NoError(t, err)
	assert.Equal(t, StrongUp, ctx.Regime)
	assert.Equal(t, "momentum", ctx.Allocation.Strategy)
	assert.Equal(t, 0.9, ctx.Allocation.Long)
	assert.Equal(t, Moderate, ctx.Mode)

	_, err = NewController(NewDetector(), DefaultTable(), "yolo")
	assert.Error(t, err)
}
