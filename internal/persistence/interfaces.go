package persistence

import (
	"context"
	"time"

	"github.com/sawpanic/factorrun/internal/panel"
)

// TimeRange is an inclusive date window for queries
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the range. Zero bounds are open.
func (tr TimeRange) Contains(t time.Time) bool {
	if !tr.From.IsZero() && t.Before(tr.From) {
		return false
	}
	if !tr.To.IsZero() && t.After(tr.To) {
		return false
	}
	return true
}

// RunRecord is the stored summary of one backtest run
type RunRecord struct {
	RunID                string             `json:"run_id" db:"run_id"`
	Strategy             string             `json:"strategy" db:"strategy"`
	Mode                 string             `json:"mode" db:"mode"`
	InitialCapital       float64            `json:"initial_capital" db:"initial_capital"`
	FinalValue           float64            `json:"final_value" db:"final_value"`
	TotalReturn          float64            `json:"total_return" db:"total_return"`
	Sharpe               float64            `json:"sharpe" db:"sharpe"`
	MaxDrawdown          float64            `json:"max_drawdown" db:"max_drawdown"`
	ConcentrationWarning bool               `json:"concentration_warning" db:"concentration_warning"`
	Metrics              map[string]float64 `json:"metrics" db:"metrics"`
	Warnings             []string           `json:"warnings" db:"warnings"`
	StartDate            time.Time          `json:"start_date" db:"start_date"`
	EndDate              time.Time          `json:"end_date" db:"end_date"`
	StartedAt            time.Time          `json:"started_at" db:"started_at"`
	CompletedAt          time.Time          `json:"completed_at" db:"completed_at"`
	CreatedAt            time.Time          `json:"created_at" db:"created_at"`
}

// DailyPoint is one stored row of a run's daily series
type DailyPoint struct {
	RunID         string    `json:"run_id" db:"run_id"`
	Date          time.Time `json:"date" db:"date"`
	Value         float64   `json:"value" db:"value"`
	Return        float64   `json:"return" db:"daily_return"`
	LongExposure  float64   `json:"long_exposure" db:"long_exposure"`
	ShortExposure float64   `json:"short_exposure" db:"short_exposure"`
	LongCount     int       `json:"long_count" db:"long_count"`
	ShortCount    int       `json:"short_count" db:"short_count"`
	Turnover      float64   `json:"turnover" db:"turnover"`
	Strategy      string    `json:"strategy" db:"strategy"`
	Regime        string    `json:"regime" db:"regime"`
}

// RegimeSnapshot is the regime decision for one date
type RegimeSnapshot struct {
	Date            time.Time              `json:"date" db:"date"`
	Reference       string                 `json:"reference" db:"reference"`
	ReferenceReturn float64                `json:"reference_return" db:"reference_return"`
	Regime          string                 `json:"regime" db:"regime"`
	Mode            string                 `json:"mode" db:"mode"`
	Strategy        string                 `json:"strategy" db:"strategy"`
	LongFraction    float64                `json:"long_fraction" db:"long_fraction"`
	ShortFraction   float64                `json:"short_fraction" db:"short_fraction"`
	UsedFallback    bool                   `json:"used_fallback" db:"used_fallback"`
	Metadata        map[string]interface{} `json:"metadata" db:"metadata"`
	CreatedAt       time.Time              `json:"created_at" db:"created_at"`
}

// PanelRepo stores the (instrument, date) panel
type PanelRepo interface {
	// InsertBatch upserts rows atomically
	InsertBatch(ctx context.Context, rows []panel.Row) error

	// Load returns rows inside tr, optionally restricted to instruments
	Load(ctx context.Context, tr TimeRange, instruments []string) ([]panel.Row, error)

	// Instruments lists the stored instrument ids
	Instruments(ctx context.Context) ([]string, error)

	// Count returns the number of rows in tr
	Count(ctx context.Context, tr TimeRange) (int64, error)
}

// RunRepo stores backtest summaries and their daily series
type RunRepo interface {
	// Save writes the summary and series in one transaction
	Save(ctx context.Context, run RunRecord, points []DailyPoint) error

	// Get returns a run summary, nil when absent
	Get(ctx context.Context, runID string) (*RunRecord, error)

	// ListByStrategy returns the latest runs of a strategy
	ListByStrategy(ctx context.Context, strategy string, limit int) ([]RunRecord, error)

	// Points returns a run's daily series in date order
	Points(ctx context.Context, runID string) ([]DailyPoint, error)
}

// RegimeRepo stores regime snapshots, one per date
type RegimeRepo interface {
	// Upsert inserts or updates the snapshot for its date
	Upsert(ctx context.Context, snapshot RegimeSnapshot) error

	// Latest returns the most recent snapshot
	Latest(ctx context.Context) (*RegimeSnapshot, error)

	// GetByDate retrieves a specific snapshot
	GetByDate(ctx context.Context, date time.Time) (*RegimeSnapshot, error)

	// ListRange retrieves regime history within the window, oldest first
	ListRange(ctx context.Context, tr TimeRange) ([]RegimeSnapshot, error)

	// GetRegimeStats returns regime counts within the window
	GetRegimeStats(ctx context.Context, tr TimeRange) (map[string]int64, error)
}

// Repository aggregates all persistence interfaces
type Repository struct {
	Panel   PanelRepo
	Runs    RunRepo
	Regimes RegimeRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for persistence layer
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to database
	Ping(ctx context.Context) error

	// Stats returns connection pool and query statistics
	Stats(ctx context.Context) map[string]interface{}
}
