package backtest

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_Write(t *testing.T) {
	store := universe(10, 40).Store(t)
	s := momentumStrategy(10)
	res, err := newEngine(t, store, DefaultConfig()).Run(s)
	require.NoError(t, err)

	w := NewWriter(t.TempDir())
	require.NoError(t, w.Write(res))

	summaryPath, seriesPath := w.Paths(res)

	data, err := os.ReadFile(summaryPath)
	require.NoError(t, err)
	var decoded Result
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, res.RunID, decoded.RunID)
	assert.Len(t, decoded.Points, len(res.Points))
	assert.InDelta(t, res.Metrics.TotalReturn, decoded.Metrics.TotalReturn, 1e-12)

	f, err := os.Open(seriesPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, len(res.Points)+1)
	assert.Equal(t, seriesHeader, records[0])
	assert.Equal(t, "2024-01-01", records[1][0])
	assert.Equal(t, "true", records[1][11])

	_, err = os.Stat(summaryPath + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
