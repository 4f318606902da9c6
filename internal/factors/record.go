package factors

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sawpanic/factorrun/internal/panel"
)

var (
	// ErrInsufficientHistory marks instruments whose window is shorter than
	// the configured minimum. It is recorded as a reason, never returned by
	// scorers.
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrNoRowOnDate marks instruments without a panel row on the as-of date
	ErrNoRowOnDate = errors.New("no panel row on date")
	// ErrUndefinedScore marks a NaN or infinite score
	ErrUndefinedScore = errors.New("undefined score")
	// ErrIneligible wraps any other recorded reason, such as selector filters
	ErrIneligible = errors.New("ineligible")
)

// Reason codes attached to ineligible records.
const (
	ReasonNone             = ""
	ReasonNoRowOnDate      = "no_row_on_date"
	ReasonInsufficientData = "insufficient_history"
	ReasonUndefinedScore   = "undefined_score"
)

// Record is one instrument's score on one date.
type Record struct {
	Instrument string    `json:"instrument_id"`
	Date       time.Time `json:"date"`
	Score      float64   `json:"score"`
	Eligible   bool      `json:"eligible"`
	Reason     string    `json:"reason,omitempty"`
	History    int       `json:"history"`
}

// ComputeOptions bounds the scoring window.
type ComputeOptions struct {
	Window     int // rows handed to the scorer
	MinHistory int // rows required for eligibility, defaults to Window
}

// Compute scores every instrument in the store as of date. Each call sees
// only rows dated at or before date.
func Compute(store *panel.Store, scorer Scorer, date time.Time, opts ComputeOptions) []Record {
	date = panel.Day(date)
	minHistory := opts.MinHistory
	if minHistory <= 0 {
		minHistory = opts.Window
	}

	instruments := store.Instruments()
	out := make([]Record, 0, len(instruments))
	for _, inst := range instruments {
		out = append(out, Score(store, scorer, inst, date, opts.Window, minHistory))
	}
	return out
}

// Score computes a single record.
func Score(store *panel.Store, scorer Scorer, instrument string, date time.Time, window, minHistory int) Record {
	rec := Record{Instrument: instrument, Date: date, Score: math.NaN()}

	w := store.Window(instrument, date, window)
	rec.History = len(w)
	switch {
	case len(w) == 0 || !w[len(w)-1].Date.Equal(date):
		rec.Reason = ReasonNoRowOnDate
		return rec
	case len(w) < minHistory:
		rec.Reason = ReasonInsufficientData
		return rec
	}

	rec.Score = scorer(w)
	if math.IsNaN(rec.Score) || math.IsInf(rec.Score, 0) {
		rec.Score = math.NaN()
		rec.Reason = ReasonUndefinedScore
		return rec
	}
	rec.Eligible = true
	return rec
}

// Err maps the record's reason onto the error taxonomy.
func (r Record) Err() error {
	switch r.Reason {
	case ReasonNone:
		return nil
	case ReasonInsufficientData:
		return ErrInsufficientHistory
	case ReasonNoRowOnDate:
		return ErrNoRowOnDate
	case ReasonUndefinedScore:
		return ErrUndefinedScore
	default:
		return fmt.Errorf("%w: %s", ErrIneligible, r.Reason)
	}
}
