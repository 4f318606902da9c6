package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/factorrun/internal/backtest"
	"github.com/sawpanic/factorrun/internal/regime"
)

// Result labels for step timers
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Registry holds all factorrun metrics on its own prometheus registry
type Registry struct {
	reg *prometheus.Registry

	StepDuration *prometheus.HistogramVec
	Runs         *prometheus.CounterVec
	RunSharpe    *prometheus.GaugeVec
	RunDrawdown  *prometheus.GaugeVec
	Flags        *prometheus.CounterVec

	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CacheHitRatio prometheus.Gauge

	RegimeSwitches *prometheus.CounterVec
	ActiveRegime   *prometheus.GaugeVec

	HTTPRequests *prometheus.CounterVec
	RateLimited  prometheus.Counter

	latency *Tracker
}

// NewRegistry creates and registers every metric
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "factorrun_step_duration_seconds",
				Help:    "Duration of each pipeline step in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"step", "result"},
		),

		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factorrun_backtest_runs_total",
				Help: "Completed backtest runs by strategy",
			},
			[]string{"strategy"},
		),

		RunSharpe: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "factorrun_backtest_sharpe",
				Help: "Annualized Sharpe of the latest run per strategy",
			},
			[]string{"strategy"},
		),

		RunDrawdown: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "factorrun_backtest_max_drawdown",
				Help: "Max drawdown of the latest run per strategy",
			},
			[]string{"strategy"},
		),

		Flags: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factorrun_rebalance_flags_total",
				Help: "Rebalances that hit a recorded local recovery",
			},
			[]string{"strategy", "flag"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factorrun_weight_cache_hits_total",
				Help: "Fresh cached weight entries reused",
			},
			[]string{"strategy"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factorrun_weight_cache_misses_total",
				Help: "Weight lookups that required recomputation",
			},
			[]string{"strategy"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "factorrun_weight_cache_hit_ratio",
				Help: "Current weight cache hit ratio (0.0 to 1.0)",
			},
		),

		RegimeSwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factorrun_regime_switches_total",
				Help: "Regime transitions by from/to label",
			},
			[]string{"from_regime", "to_regime"},
		),

		ActiveRegime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "factorrun_active_regime",
				Help: "1 for the most recently detected regime label, 0 otherwise",
			},
			[]string{"regime"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factorrun_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),

		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "factorrun_http_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
		),

		latency: NewTracker(1000),
	}

	r.reg.MustRegister(
		r.StepDuration,
		r.Runs,
		r.RunSharpe,
		r.RunDrawdown,
		r.Flags,
		r.CacheHits,
		r.CacheMisses,
		r.CacheHitRatio,
		r.RegimeSwitches,
		r.ActiveRegime,
		r.HTTPRequests,
		r.RateLimited,
	)

	return r
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus text format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Latency returns per-stage rolling percentiles
func (r *Registry) Latency() map[Stage]LatencySummary {
	return r.latency.Summaries()
}

// StepTimer tracks execution time for one step
type StepTimer struct {
	registry *Registry
	step     Stage
	start    time.Time
}

// StartStep begins timing a step
func (r *Registry) StartStep(step Stage) *StepTimer {
	return &StepTimer{registry: r, step: step, start: time.Now()}
}

// Stop records the step duration under result
func (st *StepTimer) Stop(result string) time.Duration {
	d := time.Since(st.start)
	st.registry.StepDuration.WithLabelValues(string(st.step), result).Observe(d.Seconds())
	st.registry.latency.Record(st.step, d)

	log.Debug().
		Str("step", string(st.step)).
		Str("result", result).
		Dur("duration", d).
		Msg("Step completed")
	return d
}

// StopErr records success or error depending on err
func (st *StepTimer) StopErr(err error) time.Duration {
	if err != nil {
		return st.Stop(ResultError)
	}
	return st.Stop(ResultSuccess)
}

// ObserveRun records a completed backtest
func (r *Registry) ObserveRun(res *backtest.Result) {
	r.Runs.WithLabelValues(res.Strategy).Inc()
	if res.Metrics != nil {
		r.RunSharpe.WithLabelValues(res.Strategy).Set(res.Metrics.Sharpe)
		r.RunDrawdown.WithLabelValues(res.Strategy).Set(res.Metrics.MaxDrawdown)
	}
	for _, rb := range res.Rebalances {
		if rb.Selection.EmptyUniverse {
			r.Flags.WithLabelValues(rb.Strategy, "empty_universe").Inc()
		}
		if rb.Selection.Shrunk {
			r.Flags.WithLabelValues(rb.Strategy, "shrunk").Inc()
		}
		if rb.EmptyLong {
			r.Flags.WithLabelValues(rb.Strategy, "empty_long").Inc()
		}
		if rb.EmptyShort {
			r.Flags.WithLabelValues(rb.Strategy, "empty_short").Inc()
		}
		if len(rb.DegenerateVol) > 0 {
			r.Flags.WithLabelValues(rb.Strategy, "degenerate_vol").Inc()
		}
	}
	for _, c := range res.RegimeChanges {
		r.RegimeSwitches.WithLabelValues(string(c.FromRegime), string(c.ToRegime)).Inc()
	}
}

// SetActiveRegime marks current as the live regime among all labels
func (r *Registry) SetActiveRegime(current regime.Regime, all []regime.Regime) {
	for _, label := range all {
		v := 0.0
		if label == current {
			v = 1
		}
		r.ActiveRegime.WithLabelValues(string(label)).Set(v)
	}
}

// RecordCacheHit records a reused weight entry
func (r *Registry) RecordCacheHit(strategy string) {
	r.CacheHits.WithLabelValues(strategy).Inc()
	r.updateCacheHitRatio()
}

// RecordCacheMiss records a recomputation
func (r *Registry) RecordCacheMiss(strategy string) {
	r.CacheMisses.WithLabelValues(strategy).Inc()
	r.updateCacheHitRatio()
}

// RecordRequest counts one served HTTP request
func (r *Registry) RecordRequest(route string, code int, d time.Duration) {
	r.HTTPRequests.WithLabelValues(route, httpCode(code)).Inc()
	r.latency.Record(StageHTTP, d)
}

func (r *Registry) updateCacheHitRatio() {
	hits := sumCounters(r.CacheHits)
	misses := sumCounters(r.CacheMisses)
	if total := hits + misses; total > 0 {
		r.CacheHitRatio.Set(hits / total)
	}
}

// sumCounters adds up every labelled child of vec
func sumCounters(vec *prometheus.CounterVec) float64 {
	ch := make(chan prometheus.Metric)
	go func() {
		vec.Collect(ch)
		close(ch)
	}()

	total := 0.0
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err == nil {
			total += pb.GetCounter().GetValue()
		}
	}
	return total
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
