// Package selector turns per-instrument factor records into long and short
// leg memberships for one rebalance date.
package selector

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/factorrun/internal/factors"
	"github.com/sawpanic/factorrun/internal/panel"
)

// ErrEmptyUniverse marks rebalance dates with no eligible instruments.
var ErrEmptyUniverse = errors.New("empty universe")

// Direction decides which end of the ranking is bought.
type Direction string

const (
	// LowLong buys the lowest scores and shorts the highest.
	LowLong Direction = "low_long"
	// HighLong buys the highest scores and shorts the lowest.
	HighLong Direction = "high_long"
)

// Filter reasons recorded on records dropped by the selector.
const (
	ReasonExcluded       = "excluded"
	ReasonLowVolume      = "low_volume"
	ReasonLowMarketCap   = "low_market_cap"
	ReasonSparseData     = "sparse_data"
	ReasonNoForwardPrice = "no_forward_price"
)

// Config controls filtering and leg construction.
type Config struct {
	Window              int       `yaml:"window"`
	LowerPercentile     float64   `yaml:"lower_percentile"`
	UpperPercentile     float64   `yaml:"upper_percentile"`
	LegSize             int       `yaml:"leg_size"`
	Direction           Direction `yaml:"direction"`
	MinAvgVolume        float64   `yaml:"min_avg_volume"`
	MinMarketCap        float64   `yaml:"min_market_cap"`
	MinValidFraction    float64   `yaml:"min_valid_fraction"`
	Exclude             []string  `yaml:"exclude"`
	RequireForwardPrice bool      `yaml:"require_forward_price"`

	// Set from the active leg allocations for the period.
	LongActive  bool `yaml:"-"`
	ShortActive bool `yaml:"-"`
}

// DefaultConfig matches a 20/80 market-neutral book.
func DefaultConfig() Config {
	return Config{
		Window:              60,
		LowerPercentile:     20,
		UpperPercentile:     80,
		Direction:           LowLong,
		MinValidFraction:    0.8,
		RequireForwardPrice: true,
		LongActive:          true,
		ShortActive:         true,
	}
}

// Validate checks percentile bounds and direction.
func (c Config) Validate() error {
	if c.LowerPercentile < 0 || c.LowerPercentile > 100 {
		return fmt.Errorf("lower_percentile must be in [0,100], got %v", c.LowerPercentile)
	}
	if c.UpperPercentile < 0 || c.UpperPercentile > 100 {
		return fmt.Errorf("upper_percentile must be in [0,100], got %v", c.UpperPercentile)
	}
	if c.LowerPercentile > c.UpperPercentile {
		return fmt.Errorf("lower_percentile %v exceeds upper_percentile %v", c.LowerPercentile, c.UpperPercentile)
	}
	if c.Direction != LowLong && c.Direction != HighLong {
		return fmt.Errorf("unknown direction %q", c.Direction)
	}
	if c.LegSize < 0 {
		return fmt.Errorf("leg_size must be non-negative, got %d", c.LegSize)
	}
	if c.MinValidFraction < 0 || c.MinValidFraction > 1 {
		return fmt.Errorf("min_valid_fraction must be in [0,1], got %v", c.MinValidFraction)
	}
	return nil
}

// Flags describe how a selection deviated from the nominal book.
type Flags struct {
	EmptyUniverse bool           `json:"empty_universe"`
	Shrunk        bool           `json:"shrunk"`
	NominalLong   int            `json:"nominal_long"`
	NominalShort  int            `json:"nominal_short"`
	Dropped       map[string]int `json:"dropped,omitempty"`
}

// Selection is the output of one rebalance date.
type Selection struct {
	Date     time.Time        `json:"date"`
	Long     []string         `json:"long"`
	Short    []string         `json:"short"`
	Eligible int              `json:"eligible"`
	Flags    Flags            `json:"flags"`
	Records  []factors.Record `json:"-"`
}

// Err reports ErrEmptyUniverse when nothing survived filtering.
func (s Selection) Err() error {
	if s.Flags.EmptyUniverse {
		return ErrEmptyUniverse
	}
	return nil
}

// Select filters records, then ranks the survivors and cuts legs. Every
// availability filter, including the forward price check, runs before
// ranking so legs are sized from instruments that can actually be held.
func Select(store *panel.Store, records []factors.Record, date time.Time, cfg Config) Selection {
	date = panel.Day(date)
	sel := Selection{
		Date:    date,
		Records: make([]factors.Record, len(records)),
		Flags:   Flags{Dropped: make(map[string]int)},
	}
	copy(sel.Records, records)

	excluded := make(map[string]struct{}, len(cfg.Exclude))
	for _, inst := range cfg.Exclude {
		excluded[inst] = struct{}{}
	}

	var calendar []time.Time
	if cfg.MinValidFraction > 0 && cfg.Window > 0 {
		calendar = store.CalendarWindow(date, cfg.Window)
	}
	next, hasNext := store.NextDate(date)

	var eligible []factors.Record
	for i := range sel.Records {
		rec := &sel.Records[i]
		if !rec.Eligible {
			sel.Flags.Dropped[rec.Reason]++
			continue
		}
		if reason := filterReason(store, *rec, date, cfg, excluded, calendar, next, hasNext); reason != "" {
			rec.Eligible = false
			rec.Reason = reason
			sel.Flags.Dropped[reason]++
			continue
		}
		eligible = append(eligible, *rec)
	}
	sel.Eligible = len(eligible)

	if len(eligible) == 0 {
		sel.Flags.EmptyUniverse = true
		log.Warn().Time("date", date).Interface("dropped", sel.Flags.Dropped).Msg("No eligible instruments on rebalance date")
		return sel
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Score != eligible[j].Score {
			return eligible[i].Score < eligible[j].Score
		}
		return eligible[i].Instrument < eligible[j].Instrument
	})

	lowN, highN := legCounts(len(eligible), cfg, &sel.Flags)

	bottom := make([]string, 0, lowN)
	for i := 0; i < lowN; i++ {
		bottom = append(bottom, eligible[i].Instrument)
	}
	top := make([]string, 0, highN)
	for i := 0; i < highN; i++ {
		top = append(top, eligible[len(eligible)-1-i].Instrument)
	}

	if cfg.Direction == HighLong {
		sel.Long, sel.Short = top, bottom
	} else {
		sel.Long, sel.Short = bottom, top
	}

	if sel.Flags.Shrunk {
		log.Warn().
			Time("date", date).
			Int("eligible", len(eligible)).
			Int("nominal_long", sel.Flags.NominalLong).
			Int("nominal_short", sel.Flags.NominalShort).
			Int("long", len(sel.Long)).
			Int("short", len(sel.Short)).
			Msg("Legs shrunk to fit eligible universe")
	}

	return sel
}

func filterReason(store *panel.Store, rec factors.Record, date time.Time, cfg Config,
	excluded map[string]struct{}, calendar []time.Time, next time.Time, hasNext bool) string {

	if _, ok := excluded[rec.Instrument]; ok {
		return ReasonExcluded
	}

	window := store.Window(rec.Instrument, date, cfg.Window)

	if cfg.MinAvgVolume > 0 {
		var vols []float64
		for _, r := range window {
			if !math.IsNaN(r.Volume) {
				vols = append(vols, r.Volume)
			}
		}
		if len(vols) == 0 || stat.Mean(vols, nil) < cfg.MinAvgVolume {
			return ReasonLowVolume
		}
	}

	if cfg.MinMarketCap > 0 {
		if len(window) == 0 {
			return ReasonLowMarketCap
		}
		mcap := window[len(window)-1].MarketCap
		if math.IsNaN(mcap) || mcap < cfg.MinMarketCap {
			return ReasonLowMarketCap
		}
	}

	if len(calendar) > 0 {
		start := calendar[0]
		present := 0
		for _, r := range window {
			if !r.Date.Before(start) {
				present++
			}
		}
		if float64(present)/float64(len(calendar)) < cfg.MinValidFraction {
			return ReasonSparseData
		}
	}

	if cfg.RequireForwardPrice {
		if !hasNext {
			return ReasonNoForwardPrice
		}
		if _, ok := store.At(rec.Instrument, next); !ok {
			return ReasonNoForwardPrice
		}
	}

	return ""
}

// legCounts sizes the bottom and top legs for n ranked instruments. The
// legs never overlap and never exceed the eligible count.
func legCounts(n int, cfg Config, flags *Flags) (int, int) {
	lowActive, highActive := cfg.LongActive, cfg.ShortActive
	if cfg.Direction == HighLong {
		lowActive, highActive = cfg.ShortActive, cfg.LongActive
	}

	nominal := func(pct float64) int {
		if cfg.LegSize > 0 {
			return cfg.LegSize
		}
		k := int(math.Floor(float64(n) * pct / 100))
		if k == 0 && pct > 0 {
			k = 1
		}
		return k
	}

	low, high := 0, 0
	if lowActive {
		low = nominal(cfg.LowerPercentile)
	}
	if highActive {
		high = nominal(100 - cfg.UpperPercentile)
	}

	if cfg.Direction == HighLong {
		flags.NominalLong, flags.NominalShort = high, low
	} else {
		flags.NominalLong, flags.NominalShort = low, high
	}

	if low+high > n {
		flags.Shrunk = true
		total := low + high
		low = low * n / total
		high = high * n / total
	}
	return low, high
}
