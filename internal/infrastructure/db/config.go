package db

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the postgres pool used for panel rows, runs and regime
// snapshots. Persistence is off unless enabled.
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	Enabled         bool          `yaml:"enabled"`
	EnsureSchema    bool          `yaml:"ensure_schema"`
}

func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// FillDefaults replaces zero pool settings with DefaultConfig values
func (c *Config) FillDefaults() {
	def := DefaultConfig()
	fillInt(&c.MaxOpenConns, def.MaxOpenConns)
	fillInt(&c.MaxIdleConns, def.MaxIdleConns)
	fillDuration(&c.ConnMaxLifetime, def.ConnMaxLifetime)
	fillDuration(&c.ConnMaxIdleTime, def.ConnMaxIdleTime)
	fillDuration(&c.QueryTimeout, def.QueryTimeout)
}

// ApplyEnv overrides settings from PG_* variables. Unparseable values are
// ignored.
func (c *Config) ApplyEnv() {
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		c.DSN = dsn
	}
	envBool("PG_ENABLED", &c.Enabled)
	envInt("PG_MAX_OPEN_CONNS", &c.MaxOpenConns)
	envInt("PG_MAX_IDLE_CONNS", &c.MaxIdleConns)
	envDuration("PG_CONN_MAX_LIFETIME", &c.ConnMaxLifetime)
	envDuration("PG_CONN_MAX_IDLE_TIME", &c.ConnMaxIdleTime)
	envDuration("PG_QUERY_TIMEOUT", &c.QueryTimeout)
}

func fillInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func fillDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

func envBool(key string, dst *bool) {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = v
	}
}

func envDuration(key string, dst *time.Duration) {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		*dst = v
	}
}

// Validate checks the pool settings
func (c Config) Validate() error {
	if c.Enabled && c.DSN == "" {
		return fmt.Errorf("database DSN is required when database is enabled")
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max_open_conns must be positive")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max_idle_conns cannot be negative")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("max_idle_conns cannot exceed max_open_conns")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("query_timeout must be positive")
	}
	return nil
}
