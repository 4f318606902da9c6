package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/factorrun/internal/regime"
	"github.com/sawpanic/factorrun/internal/selector"
	"github.com/sawpanic/factorrun/internal/weights"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "factorrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Empty(t, cfg.Problems())
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Backtest.InitialCapital, cfg.Backtest.InitialCapital)
	assert.Len(t, cfg.Strategies, 4)
}

func TestLoad_StrategiesLayeredOverDefaults(t *testing.T) {
	path := writeConfig(t, `
backtest:
  initial_capital: 5000
  start: 2023-01-01
strategies:
  - name: momentum
    factor: momentum
    window: 20
    direction: high_long
    weighting: risk_parity
  - name: trendline
    factor: trendline
  - name: dispersion
    factor: dispersion
  - name: volatility
    factor: volatility
    cost_bps: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5000.0, cfg.Backtest.InitialCapital)
	assert.Equal(t, 2023, cfg.Backtest.Start.Year())

	mom, ok := cfg.Strategy("momentum")
	require.True(t, ok)
	assert.Equal(t, 20, mom.Selector.Window)
	assert.Equal(t, selector.HighLong, mom.Selector.Direction)
	assert.Equal(t, weights.RiskParity, mom.Weighting)
	assert.Equal(t, 10, mom.RebalanceDays)
	assert.True(t, mom.Selector.RequireForwardPrice)

	vol := cfg.StrategyMap()["volatility"]
	assert.Equal(t, 0.0, vol.CostBps)
	assert.Equal(t, 60, vol.Selector.Window)
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "factorrun.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, regime.Moderate, cfg.Regime.Mode)
	assert.True(t, cfg.Regime.RebalanceOnChange)
	assert.Equal(t, "BTC", cfg.Regime.Reference)
	assert.Len(t, cfg.Strategies, 5)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://env")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("HTTP_PORT", "9191")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cfg.Database.DSN)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, `
backtest:
  initial_capital: -1
strategies:
  - name: momentum
    factor: not_a_factor
  - name: momentum
    factor: momentum
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "initial_capital")
	assert.Contains(t, err.Error(), "duplicate name")
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(Default(), path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Regime.Boundaries, cfg.Regime.Boundaries)
}
