// Package panel holds the in-memory (instrument, date) panel that every
// downstream component reads. A Store is immutable after construction and may
// be shared by concurrent backtests without locking.
package panel

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

var (
	// ErrDuplicateRow is returned when two rows share (instrument, date).
	ErrDuplicateRow = errors.New("duplicate panel row")
	// ErrInvalidRow is returned for rows without a usable close price.
	ErrInvalidRow = errors.New("invalid panel row")
)

// DateLayout is the on-disk date format for panel files.
const DateLayout = "2006-01-02"

// Row is one observation for one instrument on one trading date.
type Row struct {
	Instrument string             `json:"instrument_id" db:"instrument_id"`
	Date       time.Time          `json:"date" db:"date"`
	Close      float64            `json:"close" db:"close"`
	Volume     float64            `json:"volume" db:"volume"`
	MarketCap  float64            `json:"market_cap" db:"market_cap"`
	Aux        map[string]float64 `json:"aux,omitempty" db:"-"`
}

// Metric returns an auxiliary metric, NaN when absent.
func (r Row) Metric(name string) float64 {
	if v, ok := r.Aux[name]; ok {
		return v
	}
	return math.NaN()
}

// Day truncates t to a UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Store is a read-only panel indexed by instrument and date.
type Store struct {
	rows        map[string][]Row
	instruments []string
	calendar    []time.Time
	dateIndex   map[time.Time]int
}

// NewStore validates and indexes rows. Rows may arrive in any order; per
// instrument they are sorted by date and duplicates are rejected.
func NewStore(rows []Row) (*Store, error) {
	s := &Store{
		rows:      make(map[string][]Row),
		dateIndex: make(map[time.Time]int),
	}

	seenDates := make(map[time.Time]struct{})
	for i, r := range rows {
		if r.Instrument == "" {
			return nil, fmt.Errorf("row %d: empty instrument: %w", i, ErrInvalidRow)
		}
		if math.IsNaN(r.Close) || math.IsInf(r.Close, 0) || r.Close <= 0 {
			return nil, fmt.Errorf("row %d (%s %s): close %v: %w",
				i, r.Instrument, r.Date.Format(DateLayout), r.Close, ErrInvalidRow)
		}
		r.Date = Day(r.Date)
		s.rows[r.Instrument] = append(s.rows[r.Instrument], r)
		seenDates[r.Date] = struct{}{}
	}

	for inst, series := range s.rows {
		sort.SliceStable(series, func(i, j int) bool {
			return series[i].Date.Before(series[j].Date)
		})
		for i := 1; i < len(series); i++ {
			if series[i].Date.Equal(series[i-1].Date) {
				return nil, fmt.Errorf("%s on %s: %w",
					inst, series[i].Date.Format(DateLayout), ErrDuplicateRow)
			}
		}
		s.instruments = append(s.instruments, inst)
	}
	sort.Strings(s.instruments)

	for d := range seenDates {
		s.calendar = append(s.calendar, d)
	}
	sort.Slice(s.calendar, func(i, j int) bool { return s.calendar[i].Before(s.calendar[j]) })
	for i, d := range s.calendar {
		s.dateIndex[d] = i
	}

	return s, nil
}

// Instruments returns instrument ids in ascending order.
func (s *Store) Instruments() []string {
	out := make([]string, len(s.instruments))
	copy(out, s.instruments)
	return out
}

// Calendar returns the sorted union of all trading dates.
func (s *Store) Calendar() []time.Time {
	out := make([]time.Time, len(s.calendar))
	copy(out, s.calendar)
	return out
}

// CalendarBetween returns trading dates in [start, end]. Zero bounds are open.
func (s *Store) CalendarBetween(start, end time.Time) []time.Time {
	var out []time.Time
	for _, d := range s.calendar {
		if !start.IsZero() && d.Before(Day(start)) {
			continue
		}
		if !end.IsZero() && d.After(Day(end)) {
			break
		}
		out = append(out, d)
	}
	return out
}

// CalendarWindow returns at most n trading dates ending at or before asOf.
func (s *Store) CalendarWindow(asOf time.Time, n int) []time.Time {
	asOf = Day(asOf)
	end := sort.Search(len(s.calendar), func(i int) bool { return s.calendar[i].After(asOf) })
	start := end - n
	if start < 0 {
		start = 0
	}
	out := make([]time.Time, end-start)
	copy(out, s.calendar[start:end])
	return out
}

// NextDate returns the trading date after d on the panel calendar.
func (s *Store) NextDate(d time.Time) (time.Time, bool) {
	d = Day(d)
	i := sort.Search(len(s.calendar), func(i int) bool { return s.calendar[i].After(d) })
	if i >= len(s.calendar) {
		return time.Time{}, false
	}
	return s.calendar[i], true
}

// PrevDate returns the trading date before d on the panel calendar.
func (s *Store) PrevDate(d time.Time) (time.Time, bool) {
	d = Day(d)
	i := sort.Search(len(s.calendar), func(i int) bool { return !s.calendar[i].Before(d) })
	if i == 0 {
		return time.Time{}, false
	}
	return s.calendar[i-1], true
}

// Series returns every row for an instrument. The slice must not be modified.
func (s *Store) Series(instrument string) []Row {
	rows := s.rows[instrument]
	return rows[:len(rows):len(rows)]
}

// Window returns at most lookback rows for instrument dated at or before
// asOf, oldest first. Short history yields a shorter window, never an error
// and never a row dated after asOf.
func (s *Store) Window(instrument string, asOf time.Time, lookback int) []Row {
	rows := s.rows[instrument]
	if len(rows) == 0 || lookback <= 0 {
		return nil
	}
	asOf = Day(asOf)
	end := sort.Search(len(rows), func(i int) bool { return rows[i].Date.After(asOf) })
	start := end - lookback
	if start < 0 {
		start = 0
	}
	return rows[start:end:end]
}

// At returns the row for instrument on date d.
func (s *Store) At(instrument string, d time.Time) (Row, bool) {
	rows := s.rows[instrument]
	d = Day(d)
	i := sort.Search(len(rows), func(i int) bool { return !rows[i].Date.Before(d) })
	if i < len(rows) && rows[i].Date.Equal(d) {
		return rows[i], true
	}
	return Row{}, false
}

// DayReturn is the close-to-close return of instrument from the previous
// calendar date to d. Both closes must exist; a gap on either side yields
// ok=false.
func (s *Store) DayReturn(instrument string, d time.Time) (float64, bool) {
	prev, ok := s.PrevDate(d)
	if !ok {
		return 0, false
	}
	cur, ok := s.At(instrument, d)
	if !ok {
		return 0, false
	}
	before, ok := s.At(instrument, prev)
	if !ok {
		return 0, false
	}
	return cur.Close/before.Close - 1, true
}

// Len is the total number of rows.
func (s *Store) Len() int {
	n := 0
	for _, rows := range s.rows {
		n += len(rows)
	}
	return n
}

// Returns converts consecutive rows into simple returns. len(out) ==
// len(rows)-1.
func Returns(rows []Row) []float64 {
	if len(rows) < 2 {
		return nil
	}
	out := make([]float64, 0, len(rows)-1)
	for i := 1; i < len(rows); i++ {
		out = append(out, rows[i].Close/rows[i-1].Close-1)
	}
	return out
}

// LogReturns converts consecutive rows into log returns.
func LogReturns(rows []Row) []float64 {
	if len(rows) < 2 {
		return nil
	}
	out := make([]float64, 0, len(rows)-1)
	for i := 1; i < len(rows); i++ {
		out = append(out, math.Log(rows[i].Close/rows[i-1].Close))
	}
	return out
}
