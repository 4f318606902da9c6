package portfolio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSigned(t *testing.T) {
	long := Leg{Side: Long, Weights: map[string]float64{"A": 0.3, "B": 0.2}}
	short := Leg{Side: Short, Weights: map[string]float64{"C": 0.5}}

	s := State{Long: long, Short: short}.Signed()
	assert.Equal(t, 0.3, s["A"])
	assert.Equal(t, -0.5, s["C"])
	assert.InDelta(t, 0.5, long.Sum(), 1e-12)
}

func TestTurnover(t *testing.T) {
	assert.Equal(t, 0.0, Turnover(nil, nil))

	fromCash := Turnover(nil, map[string]float64{"A": 0.5, "C": -0.5})
	assert.InDelta(t, 0.5, fromCash, 1e-12)

	rotate := Turnover(map[string]float64{"A": 0.5}, map[string]float64{"B": 0.5})
	assert.InDelta(t, 0.5, rotate, 1e-12)

	same := map[string]float64{"A": 0.25, "B": -0.25}
	assert.Equal(t, 0.0, Turnover(same, same))
}

func TestSideString(t *testing.T) {
	assert.Equal(t, "long", Long.String())
	assert.Equal(t, "short", Short.String())
	assert.Equal(t, -1.0, Short.Sign())
}
