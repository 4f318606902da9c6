package telemetry

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Stage names a timed unit of work
type Stage string

const (
	StageLoadPanel Stage = "load_panel"
	StageBacktest  Stage = "backtest"
	StageRegime    Stage = "regime"
	StageEnsemble  Stage = "ensemble"
	StageTargets   Stage = "targets"
	StageHTTP      Stage = "http"
)

// Window keeps the last maxSize latencies of one stage in a ring buffer
type Window struct {
	mu      sync.RWMutex
	values  []float64 // milliseconds
	maxSize int
	current int
	full    bool
	stage   Stage
}

// NewWindow creates a rolling latency window
func NewWindow(stage Stage, maxSize int) *Window {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Window{
		values:  make([]float64, maxSize),
		maxSize: maxSize,
		stage:   stage,
	}
}

// Record adds a measurement
func (w *Window) Record(d time.Duration) {
	ms := float64(d.Nanoseconds()) / 1e6

	w.mu.Lock()
	defer w.mu.Unlock()

	w.values[w.current] = ms
	w.current = (w.current + 1) % w.maxSize
	if !w.full && w.current == 0 {
		w.full = true
	}
}

// Percentile returns the p quantile (0..1) with linear interpolation
func (w *Window) Percentile(p float64) float64 {
	w.mu.RLock()
	n := w.size()
	sorted := make([]float64, n)
	copy(sorted, w.values[:n])
	w.mu.RUnlock()

	if n == 0 {
		return 0
	}
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.LinInterp, sorted, nil)
}

// Count is the number of measurements held
func (w *Window) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size()
}

func (w *Window) size() int {
	if w.full {
		return w.maxSize
	}
	return w.current
}

// Reset clears the window
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = 0
	w.full = false
}

// LatencySummary aggregates percentiles for a stage
type LatencySummary struct {
	Stage Stage   `json:"stage"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Count int     `json:"count"`
}

// Summary returns the current percentiles
func (w *Window) Summary() LatencySummary {
	return LatencySummary{
		Stage: w.stage,
		P50:   w.Percentile(0.5),
		P95:   w.Percentile(0.95),
		P99:   w.Percentile(0.99),
		Count: w.Count(),
	}
}

// Tracker holds one window per stage, created on first use
type Tracker struct {
	mu      sync.RWMutex
	windows map[Stage]*Window
	size    int
}

// NewTracker creates a tracker whose windows hold size measurements
func NewTracker(size int) *Tracker {
	return &Tracker{windows: make(map[Stage]*Window), size: size}
}

// Record adds a measurement for stage
func (t *Tracker) Record(stage Stage, d time.Duration) {
	t.mu.RLock()
	w, ok := t.windows[stage]
	t.mu.RUnlock()

	if !ok {
		t.mu.Lock()
		if w, ok = t.windows[stage]; !ok {
			w = NewWindow(stage, t.size)
			t.windows[stage] = w
		}
		t.mu.Unlock()
	}
	w.Record(d)
}

// Summaries returns percentiles for every stage seen
func (t *Tracker) Summaries() map[Stage]LatencySummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[Stage]LatencySummary, len(t.windows))
	for stage, w := range t.windows {
		out[stage] = w.Summary()
	}
	return out
}
