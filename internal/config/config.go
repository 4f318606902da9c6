package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/factorrun/internal/backtest"
	"github.com/sawpanic/factorrun/internal/ensemble"
	"github.com/sawpanic/factorrun/internal/infrastructure/db"
	httpapi "github.com/sawpanic/factorrun/internal/interfaces/http"
	"github.com/sawpanic/factorrun/internal/live"
	"github.com/sawpanic/factorrun/internal/regime"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete factorrun configuration file
type Config struct {
	Backtest   backtest.Config           `yaml:"backtest"`
	Strategies []backtest.StrategyConfig `yaml:"strategies"`
	Regime     RegimeConfig              `yaml:"regime"`
	Ensemble   ensemble.Config           `yaml:"ensemble"`
	Live       live.Config               `yaml:"live"`
	Database   db.Config                 `yaml:"database"`
	Redis      live.RedisConfig          `yaml:"redis"`
	Server     httpapi.ServerConfig      `yaml:"server"`
	OutputDir  string                    `yaml:"output_dir"`
}

// RegimeConfig drives the regime-aware runner
type RegimeConfig struct {
	regime.DetectorConfig `yaml:",inline"`

	Mode              regime.Mode  `yaml:"mode"`
	RebalanceDays     int          `yaml:"rebalance_days"`
	RebalanceOnChange bool         `yaml:"rebalance_on_change"`
	Table             regime.Table `yaml:"table"`
}

// Default returns a configuration that runs without any external service
func Default() *Config {
	return &Config{
		Backtest: backtest.DefaultConfig(),
		Strategies: []backtest.StrategyConfig{
			backtest.DefaultStrategy("momentum", "momentum"),
			backtest.DefaultStrategy("trendline", "trendline"),
			backtest.DefaultStrategy("dispersion", "dispersion"),
			backtest.DefaultStrategy("volatility", "volatility"),
		},
		Regime: RegimeConfig{
			DetectorConfig: regime.DefaultDetectorConfig(),
			Mode:           regime.Moderate,
			RebalanceDays:  10,
			Table:          regime.DefaultTable(),
		},
		Ensemble:  ensemble.DefaultConfig(),
		Live:      live.DefaultConfig(),
		Database:  db.DefaultConfig(),
		Server:    httpapi.DefaultServerConfig(),
		OutputDir: "out/backtests",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.Database.FillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// strategyNodes captures strategies undecoded so each one can be laid
// over DefaultStrategy.
type strategyNodes struct {
	Strategies []yaml.Node `yaml:"strategies"`
}

func decode(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	var raw strategyNodes
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Strategies) == 0 {
		return nil
	}
	strategies := make([]backtest.StrategyConfig, len(raw.Strategies))
	for i := range raw.Strategies {
		s := backtest.DefaultStrategy("", "")
		if err := raw.Strategies[i].Decode(&s); err != nil {
			return fmt.Errorf("strategy %d: %w", i, err)
		}
		strategies[i] = s
	}
	cfg.Strategies = strategies
	return nil
}

// Save writes the configuration as YAML
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Database.ApplyEnv()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
}

// Strategy returns the named strategy
func (c *Config) Strategy(name string) (backtest.StrategyConfig, bool) {
	for _, s := range c.Strategies {
		if s.Name == name {
			return s, true
		}
	}
	return backtest.StrategyConfig{}, false
}

// StrategyMap indexes strategies by name
func (c *Config) StrategyMap() map[string]backtest.StrategyConfig {
	out := make(map[string]backtest.StrategyConfig, len(c.Strategies))
	for _, s := range c.Strategies {
		out[s.Name] = s
	}
	return out
}

// Problems lists every validation failure
func (c *Config) Problems() []string {
	var problems []string

	if c.Backtest.InitialCapital <= 0 {
		problems = append(problems, fmt.Sprintf("backtest: initial_capital must be positive, got %g", c.Backtest.InitialCapital))
	}
	if !c.Backtest.Start.IsZero() && !c.Backtest.End.IsZero() && c.Backtest.End.Before(c.Backtest.Start) {
		problems = append(problems, "backtest: end precedes start")
	}
	if c.Backtest.Perf.TradingDaysPerYear <= 0 {
		problems = append(problems, "backtest: trading_days_per_year must be positive")
	}

	seen := make(map[string]bool)
	for _, s := range c.Strategies {
		if seen[s.Name] {
			problems = append(problems, fmt.Sprintf("strategies: duplicate name %q", s.Name))
		}
		seen[s.Name] = true
		if err := s.Validate(); err != nil {
			problems = append(problems, "strategies: "+err.Error())
		}
	}

	if err := c.Regime.DetectorConfig.Validate(); err != nil {
		problems = append(problems, "regime: "+err.Error())
	}
	if err := c.Regime.Table.Validate(c.Regime.Regimes); err != nil {
		problems = append(problems, "regime: "+err.Error())
	}
	if _, ok := c.Regime.Table[c.Regime.Mode]; !ok {
		problems = append(problems, fmt.Sprintf("regime: mode %q not in table", c.Regime.Mode))
	}
	if c.Regime.RebalanceDays <= 0 {
		problems = append(problems, "regime: rebalance_days must be positive")
	}
	for _, name := range c.Regime.Table.Strategies() {
		if !seen[name] {
			problems = append(problems, fmt.Sprintf("regime: table references unknown strategy %q", name))
		}
	}

	if err := c.Ensemble.Validate(); err != nil {
		problems = append(problems, "ensemble: "+err.Error())
	}
	if err := c.Live.Validate(); err != nil {
		problems = append(problems, "live: "+err.Error())
	}
	if c.Live.Strategy != "" && !seen[c.Live.Strategy] {
		problems = append(problems, fmt.Sprintf("live: unknown strategy %q", c.Live.Strategy))
	}
	if err := c.Database.Validate(); err != nil {
		problems = append(problems, "database: "+err.Error())
	}
	if err := c.Server.Validate(); err != nil {
		problems = append(problems, "server: "+err.Error())
	}

	return problems
}

// Validate returns ErrInvalidConfig describing every problem found
func (c *Config) Validate() error {
	problems := c.Problems()
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}
