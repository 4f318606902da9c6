package telemetry

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/factorrun/internal/backtest"
	"github.com/sawpanic/factorrun/internal/perf"
	"github.com/sawpanic/factorrun/internal/regime"
	"github.com/sawpanic/factorrun/internal/selector"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestObserveRun(t *testing.T) {
	r := NewRegistry()

	res := &backtest.Result{
		Strategy: "momentum",
		Metrics:  &perf.Metrics{Sharpe: 1.5, MaxDrawdown: 0.2},
		Rebalances: []backtest.Rebalance{
			{Strategy: "momentum", EmptyShort: true, Selection: selector.Flags{Shrunk: true}},
			{Strategy: "momentum", DegenerateVol: []string{"XRP"}},
		},
		RegimeChanges: []regime.RegimeChange{{FromRegime: regime.Down, ToRegime: regime.StrongUp}},
	}
	r.ObserveRun(res)

	assert.Equal(t, 1.0, counterValue(t, r.Runs.WithLabelValues("momentum")))
	assert.Equal(t, 1.5, gaugeValue(t, r.RunSharpe.WithLabelValues("momentum")))
	assert.Equal(t, 0.2, gaugeValue(t, r.RunDrawdown.WithLabelValues("momentum")))
	assert.Equal(t, 1.0, counterValue(t, r.Flags.WithLabelValues("momentum", "shrunk")))
	assert.Equal(t, 1.0, counterValue(t, r.Flags.WithLabelValues("momentum", "empty_short")))
	assert.Equal(t, 1.0, counterValue(t, r.Flags.WithLabelValues("momentum", "degenerate_vol")))
	assert.Equal(t, 1.0, counterValue(t, r.RegimeSwitches.WithLabelValues("down", "strong_up")))
}

func TestCacheHitRatio(t *testing.T) {
	r := NewRegistry()
	r.RecordCacheMiss("momentum")
	r.RecordCacheHit("momentum")
	r.RecordCacheHit("carry")
	r.RecordCacheHit("carry")

	assert.InDelta(t, 0.75, gaugeValue(t, r.CacheHitRatio), 1e-12)
}

func TestSetActiveRegime(t *testing.T) {
	r := NewRegistry()
	all := []regime.Regime{regime.StrongDown, regime.Down, regime.ModerateUp, regime.StrongUp}
	r.SetActiveRegime(regime.Down, all)

	assert.Equal(t, 1.0, gaugeValue(t, r.ActiveRegime.WithLabelValues("down")))
	assert.Equal(t, 0.0, gaugeValue(t, r.ActiveRegime.WithLabelValues("strong_up")))
}

func TestStepTimerAndHandler(t *testing.T) {
	r := NewRegistry()
	r.StartStep(StageBacktest).StopErr(nil)
	r.StartStep(StageBacktest).StopErr(errors.New("boom"))
	r.RecordRequest("/health", 200, time.Millisecond)
	r.RecordRequest("/regime", 503, 2*time.Millisecond)

	lat := r.Latency()
	assert.Equal(t, 2, lat[StageBacktest].Count)
	assert.Equal(t, 2, lat[StageHTTP].Count)
	assert.Equal(t, 1.0, counterValue(t, r.HTTPRequests.WithLabelValues("/regime", "5xx")))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "factorrun_step_duration_seconds")
	assert.Contains(t, string(body), `result="error"`)
}

func TestWindowPercentiles(t *testing.T) {
	w := NewWindow(StageHTTP, 4)
	assert.Equal(t, 0.0, w.Percentile(0.99))

	for _, ms := range []int{10, 20, 30, 40, 50} {
		w.Record(time.Duration(ms) * time.Millisecond)
	}
	assert.Equal(t, 4, w.Count())
	assert.InDelta(t, 20, w.Percentile(0), 1e-9)
	assert.InDelta(t, 50, w.Percentile(1), 1e-9)

	w.Reset()
	assert.Equal(t, 0, w.Count())
}
