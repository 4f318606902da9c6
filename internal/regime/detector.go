package regime

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sawpanic/factorrun/internal/panel"
)

// Regime is a bucket of the reference instrument's trailing return
type Regime string

const (
	StrongUp   Regime = "strong_up"
	ModerateUp Regime = "moderate_up"
	Down       Regime = "down"
	StrongDown Regime = "strong_down"
)

func (r Regime) String() string {
	return string(r)
}

// DetectorConfig holds configuration for the regime detector
type DetectorConfig struct {
	Reference    string    `yaml:"reference"`     // Reference instrument, e.g. BTC
	LookbackDays int       `yaml:"lookback_days"` // Trailing return horizon in trading days
	Boundaries   []float64 `yaml:"boundaries"`    // Strictly increasing bucket edges
	Regimes      []Regime  `yaml:"regimes"`       // len(Boundaries)+1 labels, lowest bucket first
	Fallback     Regime    `yaml:"fallback"`      // Used when the reference return is undefined
}

// DefaultDetectorConfig returns the four-bucket +/-10% layout
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Reference:    "BTC",
		LookbackDays: 30,
		Boundaries:   []float64{-0.10, 0, 0.10},
		Regimes:      []Regime{StrongDown, Down, ModerateUp, StrongUp},
		Fallback:     Down,
	}
}

// Validate checks that the buckets partition the real line
func (c DetectorConfig) Validate() error {
	if c.Reference == "" {
		return fmt.Errorf("regime reference instrument is required")
	}
	if c.LookbackDays <= 0 {
		return fmt.Errorf("lookback_days must be positive, got %d", c.LookbackDays)
	}
	if len(c.Regimes) != len(c.Boundaries)+1 {
		return fmt.Errorf("need %d regimes for %d boundaries, got %d",
			len(c.Boundaries)+1, len(c.Boundaries), len(c.Regimes))
	}
	for i, b := range c.Boundaries {
		if math.IsNaN(b) || math.IsInf(b, 0) {
			return fmt.Errorf("boundary %d is not finite", i)
		}
		if i > 0 && b <= c.Boundaries[i-1] {
			return fmt.Errorf("boundaries must be strictly increasing: %v", c.Boundaries)
		}
	}
	seen := make(map[Regime]bool, len(c.Regimes))
	for _, r := range c.Regimes {
		if r == "" {
			return fmt.Errorf("empty regime label")
		}
		if seen[r] {
			return fmt.Errorf("duplicate regime label %q", r)
		}
		seen[r] = true
	}
	if !seen[c.Fallback] {
		return fmt.Errorf("fallback regime %q is not one of %v", c.Fallback, c.Regimes)
	}
	return nil
}

// DetectionResult contains the regime classification for one date
type DetectionResult struct {
	Date            time.Time `json:"date"`
	Regime          Regime    `json:"regime"`
	ReferenceReturn float64   `json:"reference_return"`
	UsedFallback    bool      `json:"used_fallback"`
}

// RegimeChange tracks regime transitions
type RegimeChange struct {
	Date            time.Time `json:"date"`
	FromRegime      Regime    `json:"from_regime"`
	ToRegime        Regime    `json:"to_regime"`
	ReferenceReturn float64   `json:"reference_return"`
}

// Detector classifies dates by the reference instrument's trailing return.
// The return only uses closes at or before the detection date, so regimes
// lag the market by construction.
type Detector struct {
	config        DetectorConfig
	lastResult    *DetectionResult
	changeHistory []RegimeChange
}

// NewDetector creates a detector with the default configuration
func NewDetector() *Detector {
	d, _ := NewDetectorWithConfig(DefaultDetectorConfig())
	return d
}

// NewDetectorWithConfig creates a detector with custom configuration
func NewDetectorWithConfig(config DetectorConfig) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid regime config: %w", err)
	}
	return &Detector{
		config:        config,
		changeHistory: make([]RegimeChange, 0),
	}, nil
}

// Config returns the detector configuration
func (d *Detector) Config() DetectorConfig {
	return d.config
}

// Classify maps a trailing return onto its bucket. A value equal to a
// boundary belongs to the bucket above it. NaN maps to the fallback.
func (d *Detector) Classify(ret float64) Regime {
	if math.IsNaN(ret) {
		return d.config.Fallback
	}
	idx := sort.Search(len(d.config.Boundaries), func(i int) bool {
		return d.config.Boundaries[i] > ret
	})
	return d.config.Regimes[idx]
}

// ReferenceReturn is the trailing lookback-day return of the reference
// instrument ending at the last close on or before date. NaN when history is
// short.
func (d *Detector) ReferenceReturn(store *panel.Store, date time.Time) float64 {
	rows := store.Window(d.config.Reference, date, d.config.LookbackDays+1)
	if len(rows) < d.config.LookbackDays+1 {
		return math.NaN()
	}
	return rows[len(rows)-1].Close/rows[0].Close - 1
}

// DetectRegime classifies date and records transitions
func (d *Detector) DetectRegime(store *panel.Store, date time.Time) DetectionResult {
	ret := d.ReferenceReturn(store, date)
	result := DetectionResult{
		Date:         panel.Day(date),
		Regime:       d.Classify(ret),
		UsedFallback: math.IsNaN(ret),
	}
	// JSON cannot carry NaN; UsedFallback marks the undefined return.
	if !result.UsedFallback {
		result.ReferenceReturn = ret
	}

	if d.lastResult != nil && d.lastResult.Regime != result.Regime {
		d.changeHistory = append(d.changeHistory, RegimeChange{
			Date:            result.Date,
			FromRegime:      d.lastResult.Regime,
			ToRegime:        result.Regime,
			ReferenceReturn: result.ReferenceReturn,
		})
	}
	d.lastResult = &result
	return result
}

// GetDetectionHistory returns the regime change history
func (d *Detector) GetDetectionHistory() []RegimeChange {
	out := make([]RegimeChange, len(d.changeHistory))
	copy(out, d.changeHistory)
	return out
}

// Reset clears the last result and history
func (d *Detector) Reset() {
	d.lastResult = nil
	d.changeHistory = d.changeHistory[:0]
}
