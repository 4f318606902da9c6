package selector

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/factorrun/internal/factors"
	"github.com/sawpanic/factorrun/internal/panel"
	"github.com/sawpanic/factorrun/internal/panel/paneltest"
)

// universe builds n instruments I00..In-1 with days rows each, and records
// scored by index on the last-but-one date so a forward price exists.
func universe(t *testing.T, n, days int) (*panel.Store, []factors.Record, *paneltest.Builder) {
	t.Helper()
	b := paneltest.New(paneltest.Start)
	var recs []factors.Record
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("I%02d", i)
		b.Series(name, paneltest.Flat(days, 10), 1000, 1e6)
		recs = append(recs, factors.Record{Instrument: name, Date: b.Date(days - 2), Score: float64(i), Eligible: true})
	}
	return b.Store(t), recs, b
}

func baseConfig() Config {
	cfg := DefaultConfig()
	cfg.Window = 10
	return cfg
}

func TestSelect_PercentileLegs(t *testing.T) {
	store, recs, b := universe(t, 20, 12)

	sel := Select(store, recs, b.Date(10), baseConfig())
	require.NoError(t, sel.Err())

	assert.Equal(t, 20, sel.Eligible)
	assert.Equal(t, []string{"I00", "I01", "I02", "I03"}, sel.Long)
	assert.Equal(t, []string{"I19", "I18", "I17", "I16"}, sel.Short)
	assert.False(t, sel.Flags.Shrunk)
}

func TestSelect_HighLong(t *testing.T) {
	store, recs, b := universe(t, 10, 12)
	cfg := baseConfig()
	cfg.Direction = HighLong

	sel := Select(store, recs, b.Date(10), cfg)
	assert.Equal(t, []string{"I09", "I08"}, sel.Long)
	assert.Equal(t, []string{"I00", "I01"}, sel.Short)
}

func TestSelect_ForwardPriceFilteredBeforeRanking(t *testing.T) {
	b := paneltest.New(paneltest.Start)
	var recs []factors.Record
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("I%02d", i)
		closes := paneltest.Flat(12, 10)
		if i < 15 {
			closes[11] = math.NaN() // no price on the day after the rebalance
		}
		b.Series(name, closes, 1000, 1e6)
		recs = append(recs, factors.Record{Instrument: name, Date: b.Date(10), Score: float64(i), Eligible: true})
	}
	store := b.Store(t)

	cfg := baseConfig()
	cfg.LegSize = 20
	cfg.ShortActive = false

	sel := Select(store, recs, b.Date(10), cfg)

	assert.Equal(t, 5, sel.Eligible)
	assert.Equal(t, []string{"I15", "I16", "I17", "I18", "I19"}, sel.Long)
	assert.Empty(t, sel.Short)
	assert.Equal(t, 15, sel.Flags.Dropped[ReasonNoForwardPrice])
	assert.True(t, sel.Flags.Shrunk)
	assert.Equal(t, 20, sel.Flags.NominalLong)
}

func TestSelect_ShrinksBothLegsProportionally(t *testing.T) {
	store, recs, b := universe(t, 15, 12)
	cfg := baseConfig()
	cfg.LegSize = 10

	sel := Select(store, recs, b.Date(10), cfg)
	assert.True(t, sel.Flags.Shrunk)
	assert.Len(t, sel.Long, 7)
	assert.Len(t, sel.Short, 7)

	seen := map[string]bool{}
	for _, inst := range append(append([]string{}, sel.Long...), sel.Short...) {
		assert.False(t, seen[inst], "legs overlap on %s", inst)
		seen[inst] = true
	}
}

func TestSelect_LegSizeNeverExceedsEligible(t *testing.T) {
	for n := 0; n <= 12; n++ {
		for _, legSize := range []int{0, 1, 3, 10} {
			store, recs, b := universe(t, n, 12)
			cfg := baseConfig()
			cfg.LegSize = legSize
			sel := Select(store, recs, b.Date(10), cfg)
			assert.LessOrEqual(t, len(sel.Long)+len(sel.Short), sel.Eligible, "n=%d leg=%d", n, legSize)
		}
	}
}

func TestSelect_TieBreakByInstrument(t *testing.T) {
	store, recs, b := universe(t, 10, 12)
	for i := range recs {
		recs[i].Score = 1
	}
	recs[0], recs[9] = recs[9], recs[0]

	first := Select(store, recs, b.Date(10), baseConfig())
	second := Select(store, recs, b.Date(10), baseConfig())

	assert.Equal(t, []string{"I00", "I01"}, first.Long)
	assert.Equal(t, []string{"I09", "I08"}, first.Short)
	assert.Equal(t, first.Long, second.Long)
}

func TestSelect_StaticFilters(t *testing.T) {
	b := paneltest.New(paneltest.Start)
	b.Series("GOOD", paneltest.Flat(12, 10), 1000, 1e6)
	b.Series("USDT", paneltest.Flat(12, 1), 1e9, 1e9)
	b.Series("THIN", paneltest.Flat(12, 10), 1, 1e6)
	b.Series("TINY", paneltest.Flat(12, 10), 1000, 10)
	gappy := paneltest.Flat(12, 10)
	for i := 1; i < 9; i += 2 {
		gappy[i] = math.NaN()
	}
	b.Series("GAPPY", gappy, 1000, 1e6)
	store := b.Store(t)

	var recs []factors.Record
	for i, name := range []string{"GOOD", "USDT", "THIN", "TINY", "GAPPY"} {
		recs = append(recs, factors.Record{Instrument: name, Score: float64(i), Eligible: true})
	}

	cfg := baseConfig()
	cfg.Exclude = []string{"USDT"}
	cfg.MinAvgVolume = 100
	cfg.MinMarketCap = 1000
	cfg.MinValidFraction = 0.8

	sel := Select(store, recs, b.Date(10), cfg)
	assert.Equal(t, 1, sel.Eligible)

	reasons := map[string]string{}
	for _, r := range sel.Records {
		reasons[r.Instrument] = r.Reason
	}
	assert.Equal(t, "", reasons["GOOD"])
	assert.Equal(t, ReasonExcluded, reasons["USDT"])
	assert.Equal(t, ReasonLowVolume, reasons["THIN"])
	assert.Equal(t, ReasonLowMarketCap, reasons["TINY"])
	assert.Equal(t, ReasonSparseData, reasons["GAPPY"])

	// one survivor cannot fill two disjoint legs
	assert.Empty(t, sel.Long)
	assert.Empty(t, sel.Short)
	assert.True(t, sel.Flags.Shrunk)
}

func TestSelect_ShortHistoryNeverSelected(t *testing.T) {
	b := paneltest.New(paneltest.Start)
	for i := 0; i < 10; i++ {
		b.Series(fmt.Sprintf("I%02d", i), paneltest.Geometric(70, 10, float64(i)/1000), 1000, 1e6)
	}
	b.SeriesFrom("NEW", 64, paneltest.Geometric(6, 10, -0.05), 1000, 1e6)
	store := b.Store(t)

	date := b.Date(68)
	recs := factors.Compute(store, factors.Momentum, date, factors.ComputeOptions{Window: 60})

	cfg := baseConfig()
	cfg.Window = 60
	sel := Select(store, recs, date, cfg)

	assert.NotContains(t, sel.Long, "NEW")
	assert.NotContains(t, sel.Short, "NEW")
	assert.Equal(t, 1, sel.Flags.Dropped[factors.ReasonInsufficientData])
}

func TestSelect_EmptyUniverse(t *testing.T) {
	store, recs, b := universe(t, 5, 12)
	for i := range recs {
		recs[i].Eligible = false
		recs[i].Reason = factors.ReasonUndefinedScore
	}

	sel := Select(store, recs, b.Date(10), baseConfig())
	assert.ErrorIs(t, sel.Err(), ErrEmptyUniverse)
	assert.Empty(t, sel.Long)
	assert.Equal(t, 5, sel.Flags.Dropped[factors.ReasonUndefinedScore])
}

func TestSelect_LastDateHasNoForwardPrice(t *testing.T) {
	store, recs, b := universe(t, 10, 12)
	sel := Select(store, recs, b.Date(11), baseConfig())
	assert.True(t, sel.Flags.EmptyUniverse)

	cfg := baseConfig()
	cfg.RequireForwardPrice = false
	live := Select(store, recs, b.Date(11), cfg)
	assert.Len(t, live.Long, 2)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.LowerPercentile = 90
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Direction = "sideways"
	assert.Error(t, bad.Validate())
}
