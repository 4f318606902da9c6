package panel_test

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/factorrun/internal/panel"
	"github.com/sawpanic/factorrun/internal/panel/paneltest"
)

func TestNewStore_RejectsDuplicates(t *testing.T) {
	d := paneltest.Start
	_, err := panel.NewStore([]panel.Row{
		{Instrument: "BTC", Date: d, Close: 1},
		{Instrument: "BTC", Date: d.Add(3 * time.Hour), Close: 2},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, panel.ErrDuplicateRow)
}

func TestNewStore_RejectsBadClose(t *testing.T) {
	_, err := panel.NewStore([]panel.Row{{Instrument: "BTC", Date: paneltest.Start, Close: math.NaN()}})
	assert.ErrorIs(t, err, panel.ErrInvalidRow)

	_, err = panel.NewStore([]panel.Row{{Instrument: "BTC", Date: paneltest.Start, Close: 0}})
	assert.ErrorIs(t, err, panel.ErrInvalidRow)
}

func TestNewStore_SortsUnorderedInput(t *testing.T) {
	b := paneltest.New(paneltest.Start)
	rows := b.Series("ETH", []float64{1, 2, 3}, 10, 100).Rows()
	rows[0], rows[2] = rows[2], rows[0]

	s, err := panel.NewStore(rows)
	require.NoError(t, err)

	series := s.Series("ETH")
	require.Len(t, series, 3)
	assert.Equal(t, 1.0, series[0].Close)
	assert.Equal(t, 3.0, series[2].Close)
}

func TestWindow_NeverReturnsFutureRows(t *testing.T) {
	b := paneltest.New(paneltest.Start)
	s := b.Series("BTC", paneltest.Geometric(30, 100, 0.01), 1, 1).Store(t)

	asOf := b.Date(9)
	w := s.Window("BTC", asOf, 5)
	require.Len(t, w, 5)
	assert.True(t, w[len(w)-1].Date.Equal(asOf))
	for _, r := range w {
		assert.False(t, r.Date.After(asOf))
	}

	short := s.Window("BTC", b.Date(2), 60)
	assert.Len(t, short, 3, "short history returns what exists")

	assert.Empty(t, s.Window("BTC", b.Date(-1), 5))
	assert.Empty(t, s.Window("MISSING", asOf, 5))
}

func TestWindow_AppendDoesNotCorruptStore(t *testing.T) {
	b := paneltest.New(paneltest.Start)
	s := b.Series("BTC", paneltest.Geometric(10, 100, 0.01), 1, 1).Store(t)

	w := s.Window("BTC", b.Date(4), 3)
	_ = append(w, panel.Row{Instrument: "BTC", Close: 999})

	next, ok := s.At("BTC", b.Date(5))
	require.True(t, ok)
	assert.NotEqual(t, 999.0, next.Close)
}

func TestCalendarAndGaps(t *testing.T) {
	b := paneltest.New(paneltest.Start)
	s := b.
		Series("A", []float64{1, 1.1, math.NaN(), 1.2}, 1, 1).
		Series("B", []float64{2, 2, 2, 2}, 1, 1).
		Store(t)

	assert.Len(t, s.Calendar(), 4)
	assert.Equal(t, []string{"A", "B"}, s.Instruments())

	_, ok := s.At("A", b.Date(2))
	assert.False(t, ok, "gaps are not interpolated")

	r, ok := s.DayReturn("A", b.Date(1))
	require.True(t, ok)
	assert.InDelta(t, 0.1, r, 1e-12)

	_, ok = s.DayReturn("A", b.Date(3))
	assert.False(t, ok, "return across a gap is unavailable")

	next, ok := s.NextDate(b.Date(1))
	require.True(t, ok)
	assert.True(t, next.Equal(b.Date(2)))

	_, ok = s.NextDate(b.Date(3))
	assert.False(t, ok)

	assert.Len(t, s.CalendarBetween(b.Date(1), b.Date(2)), 2)
}

func TestReadCSV(t *testing.T) {
	in := `date,instrument_id,close,volume,market_cap,funding_rate
2024-01-01,BTC,42000,1000,800000000,0.0001
2024-01-02,BTC,43000,1100,810000000,
2024-01-01,ETH,2300,500,280000000,0.0002
`
	rows, err := panel.ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "BTC", rows[0].Instrument)
	assert.InDelta(t, 0.0001, rows[0].Metric("funding_rate"), 1e-12)
	assert.True(t, math.IsNaN(rows[1].Metric("funding_rate")))

	s, err := panel.NewStore(rows)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
}

func TestReadCSV_MissingColumn(t *testing.T) {
	_, err := panel.ReadCSV(strings.NewReader("date,instrument_id,close\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "volume")
}

func TestReturns(t *testing.T) {
	b := paneltest.New(paneltest.Start)
	s := b.Series("A", []float64{100, 110, 99}, 1, 1).Store(t)

	r := panel.Returns(s.Series("A"))
	require.Len(t, r, 2)
	assert.InDelta(t, 0.1, r[0], 1e-12)
	assert.InDelta(t, -0.1, r[1], 1e-12)

	lr := panel.LogReturns(s.Series("A"))
	assert.InDelta(t, math.Log(1.1), lr[0], 1e-12)
	assert.Nil(t, panel.Returns(nil))
}

func TestCalendarWindow(t *testing.T) {
	b := paneltest.New(paneltest.Start)
	s := b.Series("A", paneltest.Flat(10, 1), 1, 1).Store(t)

	w := s.CalendarWindow(b.Date(5), 3)
	require.Len(t, w, 3)
	assert.True(t, w[0].Equal(b.Date(3)))
	assert.True(t, w[2].Equal(b.Date(5)))
	assert.Len(t, s.CalendarWindow(b.Date(1), 30), 2)
}
