package factors

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/sawpanic/factorrun/internal/panel"
)

// newStationarity scores a window by the augmented Dickey-Fuller t-statistic
// of log closes. More negative means more mean-reverting. The regression is
// solved per window; it does not vectorize across instruments.
func newStationarity(env Env) (Scorer, error) {
	lags := int(env.Param("lags", 1))
	if lags < 0 {
		return nil, fmt.Errorf("lags must be non-negative, got %d", lags)
	}
	return func(w []panel.Row) float64 {
		return adfStatistic(w, lags)
	}, nil
}

func adfStatistic(w []panel.Row, lags int) float64 {
	n := len(w)
	k := 2 + lags // intercept, level, lagged differences
	m := n - 1 - lags
	if m <= k+1 {
		return math.NaN()
	}

	y := make([]float64, n)
	for i, r := range w {
		y[i] = math.Log(r.Close)
	}
	dy := make([]float64, n)
	for t := 1; t < n; t++ {
		dy[t] = y[t] - y[t-1]
	}

	xData := make([]float64, 0, m*k)
	yData := make([]float64, 0, m)
	for t := lags + 1; t < n; t++ {
		xData = append(xData, 1, y[t-1])
		for j := 1; j <= lags; j++ {
			xData = append(xData, dy[t-j])
		}
		yData = append(yData, dy[t])
	}

	X := mat.NewDense(m, k, xData)
	Y := mat.NewVecDense(m, yData)

	var xtx mat.Dense
	xtx.Mul(X.T(), X)
	var inv mat.Dense
	if err := inv.Inverse(&xtx); err != nil {
		return math.NaN()
	}

	var xty mat.VecDense
	xty.MulVec(X.T(), Y)
	var beta mat.VecDense
	beta.MulVec(&inv, &xty)

	var fit mat.VecDense
	fit.MulVec(X, &beta)
	ssr := 0.0
	for i := 0; i < m; i++ {
		e := Y.AtVec(i) - fit.AtVec(i)
		ssr += e * e
	}
	s2 := ssr / float64(m-k)
	se := math.Sqrt(s2 * inv.At(1, 1))
	if se == 0 || math.IsNaN(se) {
		return math.NaN()
	}
	return finite(beta.AtVec(1) / se)
}
