package panel

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

var requiredColumns = []string{"date", "instrument_id", "close", "volume", "market_cap"}

// LoadCSV reads a panel file with a header row. Columns beyond the required
// ones are loaded as auxiliary metrics (funding_rate, ...). Empty numeric
// cells become NaN.
func LoadCSV(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open panel file: %w", err)
	}
	defer f.Close()

	rows, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read panel file %s: %w", path, err)
	}
	return NewStore(rows)
}

// ReadCSV parses panel rows from r.
func ReadCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("missing required column %q", c)
		}
	}

	var aux []string
	for _, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if !isRequired(name) {
			aux = append(aux, name)
		}
	}

	var rows []Row
	line := 1
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		date, err := time.Parse(DateLayout, rec[cols["date"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad date: %w", line, err)
		}

		row := Row{
			Instrument: strings.TrimSpace(rec[cols["instrument_id"]]),
			Date:       date,
		}
		if row.Close, err = parseFloat(rec[cols["close"]]); err != nil {
			return nil, fmt.Errorf("line %d: close: %w", line, err)
		}
		if row.Volume, err = parseFloat(rec[cols["volume"]]); err != nil {
			return nil, fmt.Errorf("line %d: volume: %w", line, err)
		}
		if row.MarketCap, err = parseFloat(rec[cols["market_cap"]]); err != nil {
			return nil, fmt.Errorf("line %d: market_cap: %w", line, err)
		}
		if len(aux) > 0 {
			row.Aux = make(map[string]float64, len(aux))
			for _, name := range aux {
				v, err := parseFloat(rec[cols[name]])
				if err != nil {
					return nil, fmt.Errorf("line %d: %s: %w", line, name, err)
				}
				if !math.IsNaN(v) {
					row.Aux[name] = v
				}
			}
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func isRequired(name string) bool {
	for _, c := range requiredColumns {
		if c == name {
			return true
		}
	}
	return false
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
