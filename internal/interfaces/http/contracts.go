package http

import (
	"time"

	"github.com/sawpanic/factorrun/internal/backtest"
	"github.com/sawpanic/factorrun/internal/persistence"
	"github.com/sawpanic/factorrun/internal/perf"
	"github.com/sawpanic/factorrun/internal/regime"
	"github.com/sawpanic/factorrun/internal/telemetry"
)

// ErrorResponse represents API error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Version   string    `json:"version"`

	System    SystemInfo                                   `json:"system"`
	Panel     PanelInfo                                    `json:"panel"`
	Database  *persistence.HealthCheck                     `json:"database,omitempty"`
	Latencies map[telemetry.Stage]telemetry.LatencySummary `json:"latencies,omitempty"`
	Checks    map[string]CheckResult                       `json:"checks"`
}

// SystemInfo provides system-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	MemSys        uint64 `json:"mem_sys_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// PanelInfo describes the loaded panel
type PanelInfo struct {
	Instruments int       `json:"instruments"`
	Rows        int       `json:"rows"`
	FirstDate   time.Time `json:"first_date"`
	LastDate    time.Time `json:"last_date"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status    string        `json:"status"` // "pass", "warn", "fail"
	Message   string        `json:"message"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// RegimeResponse is the regime decision for one date
type RegimeResponse struct {
	Context   regime.Context        `json:"context"`
	Reference string                `json:"reference"`
	Changes   []regime.RegimeChange `json:"changes"`
}

// RunAccepted acknowledges an asynchronous backtest
type RunAccepted struct {
	RunID    string `json:"run_id"`
	Strategy string `json:"strategy"`
	Status   string `json:"status"`
	Poll     string `json:"poll"`
	Stream   string `json:"stream"`
}

// RunStatus reports an asynchronous backtest. Result is set once the run
// has completed.
type RunStatus struct {
	RunID       string           `json:"run_id"`
	Strategy    string           `json:"strategy"`
	Status      string           `json:"status"`
	Error       string           `json:"error,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
	Metrics     *perf.Metrics    `json:"metrics,omitempty"`
	Result      *backtest.Result `json:"result,omitempty"`
}

// StreamMessage is one websocket frame of a run's output
type StreamMessage struct {
	Type            string                    `json:"type"` // "status", "point", "summary", "error"
	RunID           string                    `json:"run_id"`
	Status          string                    `json:"status,omitempty"`
	Point           *backtest.Point           `json:"point,omitempty"`
	Metrics         *perf.Metrics             `json:"metrics,omitempty"`
	Diversification *backtest.Diversification `json:"diversification,omitempty"`
	Error           string                    `json:"error,omitempty"`
}
