package main

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/factorrun/internal/panel/paneltest"
)

// writePanelCSV writes twelve drifting instruments plus a BTC reference
func writePanelCSV(t *testing.T, days int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("date,instrument_id,close,volume,market_cap\n")
	for d := 0; d < days; d++ {
		date := paneltest.Start.AddDate(0, 0, d).Format("2006-01-02")
		for i := 0; i < 12; i++ {
			drift := float64(i-6) * 0.001
			px := 100 * math.Exp(drift*float64(d)+0.02*math.Sin(float64(d+i)/3))
			fmt.Fprintf(&b, "%s,C%02d,%.6f,%d,1000000000\n", date, i, px, 1000000+i*1000)
		}
		fmt.Fprintf(&b, "%s,BTC,%.6f,5000000,1000000000000\n", date, 20000*math.Pow(1.005, float64(d)))
	}
	path := filepath.Join(t.TempDir(), "panel.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func TestBacktestCommand_WritesOutputs(t *testing.T) {
	csvPath := writePanelCSV(t, 120)
	outDir := t.TempDir()

	out, err := execute(t, "backtest", "--panel", csvPath, "--strategy", "momentum", "--output", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "momentum")

	summaries, err := filepath.Glob(filepath.Join(outDir, "momentum_*.json"))
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
	series, err := filepath.Glob(filepath.Join(outDir, "momentum_*.csv"))
	require.NoError(t, err)
	assert.Len(t, series, 1)
}

func TestRegimeCommand(t *testing.T) {
	csvPath := writePanelCSV(t, 90)

	out, err := execute(t, "regime", "--panel", csvPath, "--date", paneltest.Start.AddDate(0, 0, 60).Format("2006-01-02"))
	require.NoError(t, err)
	assert.Contains(t, out, "Regime:")
	assert.Contains(t, out, "Strategy:")

	_, err = execute(t, "regime", "--panel", csvPath, "--date", "15/02/2024")
	assert.Error(t, err)
}

func TestImportRequiresDatabase(t *testing.T) {
	csvPath := writePanelCSV(t, 10)
	_, err := execute(t, "import", "--panel", csvPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is disabled")
}
