package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sawpanic/factorrun/internal/persistence"
	"github.com/sawpanic/factorrun/internal/persistence/postgres"
)

// Manager owns the postgres pool and the panel, run and regime repositories.
// A disabled Manager has no pool and reports itself healthy.
type Manager struct {
	db      *sqlx.DB
	config  Config
	repos   *persistence.Repository
	checker *healthChecker
}

// NewManager opens and pings the pool when enabled, applying the schema if
// configured.
func NewManager(config Config) (*Manager, error) {
	if !config.Enabled {
		return &Manager{config: config, checker: &healthChecker{}}, nil
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN is required when enabled")
	}

	conn, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(config.MaxOpenConns)
	conn.SetMaxIdleConns(config.MaxIdleConns)
	conn.SetConnMaxLifetime(config.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if config.EnsureSchema {
		if err := postgres.EnsureSchema(ctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return NewManagerWithDB(conn, config), nil
}

// NewManagerWithDB wraps an open pool
func NewManagerWithDB(conn *sqlx.DB, config Config) *Manager {
	config.Enabled = true
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultConfig().QueryTimeout
	}
	return &Manager{
		db:     conn,
		config: config,
		repos: &persistence.Repository{
			Panel:   postgres.NewPanelRepo(conn, config.QueryTimeout),
			Runs:    postgres.NewRunsRepo(conn, config.QueryTimeout),
			Regimes: postgres.NewRegimeRepo(conn, config.QueryTimeout),
		},
		checker: &healthChecker{db: conn, timeout: config.QueryTimeout},
	}
}

// Repository is nil when the database is disabled
func (m *Manager) Repository() *persistence.Repository {
	return m.repos
}

func (m *Manager) Health() persistence.RepositoryHealth {
	return m.checker
}

func (m *Manager) DB() *sqlx.DB {
	return m.db
}

func (m *Manager) IsEnabled() bool {
	return m.config.Enabled && m.db != nil
}

func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// healthChecker pings the pool and verifies the factorrun tables exist. A
// nil db means persistence is disabled.
type healthChecker struct {
	db      *sqlx.DB
	timeout time.Duration
}

func (h *healthChecker) Health(ctx context.Context) persistence.HealthCheck {
	if h.db == nil {
		return persistence.HealthCheck{
			Healthy:        true,
			Errors:         []string{"Database persistence disabled"},
			ConnectionPool: map[string]int{"status": 0},
			LastCheck:      time.Now(),
		}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	check := persistence.HealthCheck{Healthy: true}
	if err := h.db.PingContext(ctx); err != nil {
		check.Healthy = false
		check.Errors = append(check.Errors, fmt.Sprintf("ping failed: %v", err))
	} else if missing, err := postgres.MissingTables(ctx, h.db); err != nil {
		check.Healthy = false
		check.Errors = append(check.Errors, err.Error())
	} else if len(missing) > 0 {
		check.Healthy = false
		check.Errors = append(check.Errors, "missing tables: "+strings.Join(missing, ", "))
	}

	pool := h.pool()
	check.ConnectionPool = make(map[string]int, len(pool))
	for k, v := range pool {
		check.ConnectionPool[k] = int(v)
	}
	check.LastCheck = time.Now()
	check.ResponseTimeMS = time.Since(start).Milliseconds()
	return check
}

func (h *healthChecker) Ping(ctx context.Context) error {
	if h.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.db.PingContext(ctx)
}

func (h *healthChecker) Stats(ctx context.Context) map[string]interface{} {
	if h.db == nil {
		return map[string]interface{}{"enabled": false, "status": "disabled"}
	}
	out := map[string]interface{}{"enabled": true}
	for k, v := range h.pool() {
		out[k] = v
	}
	return out
}

// pool flattens sql.DBStats; durations are in milliseconds
func (h *healthChecker) pool() map[string]int64 {
	s := h.db.Stats()
	return map[string]int64{
		"max_open":            int64(s.MaxOpenConnections),
		"open":                int64(s.OpenConnections),
		"in_use":              int64(s.InUse),
		"idle":                int64(s.Idle),
		"wait_count":          s.WaitCount,
		"wait_ms":             s.WaitDuration.Milliseconds(),
		"max_idle_closed":     s.MaxIdleClosed,
		"max_lifetime_closed": s.MaxLifetimeClosed,
	}
}
