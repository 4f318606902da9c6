package factors

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/factorrun/internal/panel"
)

// flatEpsilon is the standard deviation below which a series is treated as
// constant and dispersion-type statistics are undefined.
const flatEpsilon = 1e-12

// Momentum is the log return across the window.
func Momentum(w []panel.Row) float64 {
	if len(w) < 2 {
		return math.NaN()
	}
	return finite(math.Log(w[len(w)-1].Close / w[0].Close))
}

// Volatility is the sample standard deviation of daily returns.
func Volatility(w []panel.Row) float64 {
	r := panel.Returns(w)
	if len(r) < 2 {
		return math.NaN()
	}
	return finite(stat.StdDev(r, nil))
}

// Dispersion is the excess kurtosis of daily returns.
func Dispersion(w []panel.Row) float64 {
	r := panel.Returns(w)
	if len(r) < 4 {
		return math.NaN()
	}
	if stat.StdDev(r, nil) < flatEpsilon {
		return math.NaN()
	}
	return finite(stat.ExKurtosis(r, nil))
}

// Turnover is the mean of volume over market capitalization.
func Turnover(w []panel.Row) float64 {
	var vals []float64
	for _, r := range w {
		if r.MarketCap > 0 && !math.IsNaN(r.Volume) {
			vals = append(vals, r.Volume/r.MarketCap)
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	return finite(stat.Mean(vals, nil))
}

// Trendline is the slope of a least-squares fit of log close on row index.
func Trendline(w []panel.Row) float64 {
	if len(w) < 3 {
		return math.NaN()
	}
	xs := make([]float64, len(w))
	ys := make([]float64, len(w))
	for i, r := range w {
		xs[i] = float64(i)
		ys[i] = math.Log(r.Close)
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)
	return finite(slope)
}

// MeanReversion is the negated z-score of the last close against the window.
// High scores are names trading far below their recent mean.
func MeanReversion(w []panel.Row) float64 {
	if len(w) < 3 {
		return math.NaN()
	}
	closes := make([]float64, len(w))
	for i, r := range w {
		closes[i] = r.Close
	}
	mean, std := stat.MeanStdDev(closes, nil)
	if std < flatEpsilon {
		return math.NaN()
	}
	return finite(-(closes[len(closes)-1] - mean) / std)
}

// newCarry averages funding_rate over the window, scaled by the optional
// annualize parameter.
func newCarry(env Env) (Scorer, error) {
	const metric = "funding_rate"
	periods := env.Param("annualize", 1)
	return func(w []panel.Row) float64 {
		var vals []float64
		for _, r := range w {
			v := r.Metric(metric)
			if !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			return math.NaN()
		}
		return finite(stat.Mean(vals, nil) * periods)
	}, nil
}

// newBeta regresses instrument returns on reference returns over the dates
// both have inside the window. Reference rows after the window end are never
// read.
func newBeta(env Env) (Scorer, error) {
	if env.Store == nil {
		return nil, fmt.Errorf("beta requires a panel store")
	}
	if env.Reference == "" {
		return nil, fmt.Errorf("beta requires a reference instrument")
	}
	minPairs := int(env.Param("min_pairs", 5))
	store, ref := env.Store, env.Reference

	return func(w []panel.Row) float64 {
		if len(w) < 2 {
			return math.NaN()
		}
		first, last := w[0].Date, w[len(w)-1].Date
		span := int(last.Sub(first).Hours()/24) + 1
		refRows := store.Window(ref, last, span)
		refClose := make(map[time.Time]float64, len(refRows))
		for _, r := range refRows {
			if !r.Date.Before(first) {
				refClose[r.Date] = r.Close
			}
		}

		var xs, ys []float64
		for i := 1; i < len(w); i++ {
			prev, okPrev := refClose[w[i-1].Date]
			cur, okCur := refClose[w[i].Date]
			if !okPrev || !okCur {
				continue
			}
			xs = append(xs, cur/prev-1)
			ys = append(ys, w[i].Close/w[i-1].Close-1)
		}
		if len(xs) < minPairs {
			return math.NaN()
		}
		v := stat.Variance(xs, nil)
		if v < flatEpsilon*flatEpsilon {
			return math.NaN()
		}
		return finite(stat.Covariance(xs, ys, nil) / v)
	}, nil
}
