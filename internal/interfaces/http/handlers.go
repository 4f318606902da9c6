package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/factorrun/internal/backtest"
	"github.com/sawpanic/factorrun/internal/panel"
	"github.com/sawpanic/factorrun/internal/telemetry"
)

// RegimeStrategy is the strategy name that submits a regime-aware run
const RegimeStrategy = "regime"

// writeJSON writes JSON response with proper error handling
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes standardized error response
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID(r),
		Timestamp: time.Now().UTC(),
	})
}

// NotFound handles 404 responses
func (s *Server) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeError(w, r, http.StatusNotFound, "endpoint_not_found", "The requested endpoint does not exist")
}

// dateParam reads ?date=YYYY-MM-DD, defaulting to the last panel date
func (s *Server) dateParam(r *http.Request) (time.Time, error) {
	if s.deps.Store == nil {
		return time.Time{}, errors.New("no panel loaded")
	}
	raw := r.URL.Query().Get("date")
	if raw == "" {
		cal := s.deps.Store.Calendar()
		if len(cal) == 0 {
			return time.Time{}, errors.New("panel is empty")
		}
		return cal[len(cal)-1], nil
	}
	d, err := time.Parse(panel.DateLayout, raw)
	if err != nil {
		return time.Time{}, err
	}
	return panel.Day(d), nil
}

// Health handles GET /health
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startTime).String(),
		Version:   s.deps.Version,
		System:    systemInfo(),
		Latencies: s.deps.Metrics.Latency(),
		Checks:    make(map[string]CheckResult),
	}

	if st := s.deps.Store; st != nil {
		cal := st.Calendar()
		resp.Panel = PanelInfo{Instruments: len(st.Instruments()), Rows: st.Len()}
		if len(cal) > 0 {
			resp.Panel.FirstDate = cal[0]
			resp.Panel.LastDate = cal[len(cal)-1]
		}
		resp.Checks["panel"] = check("pass", "panel loaded", start)
	} else {
		resp.Status = "unhealthy"
		resp.Checks["panel"] = check("fail", "no panel loaded", start)
	}

	if s.deps.Database != nil {
		dbHealth := s.deps.Database.Health(r.Context())
		resp.Database = &dbHealth
		if dbHealth.Healthy {
			resp.Checks["database"] = check("pass", "database reachable", start)
		} else {
			resp.Checks["database"] = check("fail", "database ping failed", start)
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	if s.deps.Live != nil {
		state := s.deps.Live.BreakerState()
		if state == gobreaker.StateOpen {
			resp.Checks["weight_cache"] = check("warn", "cache breaker open", start)
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		} else {
			resp.Checks["weight_cache"] = check("pass", "cache breaker "+state.String(), start)
		}
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func check(status, message string, start time.Time) CheckResult {
	return CheckResult{
		Status:    status,
		Message:   message,
		Duration:  time.Since(start),
		Timestamp: time.Now().UTC(),
	}
}

func systemInfo() SystemInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAlloc:      mem.Alloc,
		MemSys:        mem.Sys,
		NumGC:         mem.NumGC,
	}
}

// Regime handles GET /regime?date=
func (s *Server) Regime(w http.ResponseWriter, r *http.Request) {
	ctrl := s.deps.Controller
	if ctrl == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "regime_unavailable", "Regime controller is not configured")
		return
	}
	date, err := s.dateParam(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_date", err.Error())
		return
	}

	timer := s.deps.Metrics.StartStep(telemetry.StageRegime)
	s.regimeMu.Lock()
	rc, err := ctrl.Evaluate(s.deps.Store, date)
	changes := ctrl.Detector().GetDetectionHistory()
	s.regimeMu.Unlock()
	timer.StopErr(err)

	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "regime_failed", err.Error())
		return
	}
	s.deps.Metrics.SetActiveRegime(rc.Regime, ctrl.Detector().Config().Regimes)

	s.writeJSON(w, http.StatusOK, RegimeResponse{
		Context:   rc,
		Reference: ctrl.Detector().Config().Reference,
		Changes:   changes,
	})
}

// Targets handles GET /targets/{strategy}?date=&notional=
func (s *Server) Targets(w http.ResponseWriter, r *http.Request) {
	if s.deps.Live == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "live_unavailable", "Live service is not configured")
		return
	}
	name := mux.Vars(r)["strategy"]
	strategy, ok := s.deps.Strategies[name]
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "unknown_strategy", "No strategy named "+name)
		return
	}
	date, err := s.dateParam(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_date", err.Error())
		return
	}
	var notional float64
	if raw := r.URL.Query().Get("notional"); raw != "" {
		notional, err = strconv.ParseFloat(raw, 64)
		if err != nil || notional <= 0 {
			s.writeError(w, r, http.StatusBadRequest, "invalid_notional", "notional must be a positive number")
			return
		}
	}

	timer := s.deps.Metrics.StartStep(telemetry.StageTargets)
	plan, err := s.deps.Live.Targets(r.Context(), s.deps.Store, date, strategy, notional)
	timer.StopErr(err)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "targets_failed", err.Error())
		return
	}
	if plan.FromCache {
		s.deps.Metrics.RecordCacheHit(name)
	} else {
		s.deps.Metrics.RecordCacheMiss(name)
	}
	s.writeJSON(w, http.StatusOK, plan)
}

// SubmitBacktest handles POST /backtests/{strategy}
func (s *Server) SubmitBacktest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "engine_unavailable", "Backtest engine is not configured")
		return
	}
	name := mux.Vars(r)["strategy"]

	var fn RunFunc
	if strategy, ok := s.deps.Strategies[name]; ok {
		fn = func() (*backtest.Result, error) {
			timer := s.deps.Metrics.StartStep(telemetry.StageBacktest)
			res, err := s.deps.Engine.Run(strategy)
			timer.StopErr(err)
			return res, err
		}
	} else if name == RegimeStrategy && s.deps.Controller != nil {
		fn = func() (*backtest.Result, error) {
			timer := s.deps.Metrics.StartStep(telemetry.StageBacktest)
			s.regimeMu.Lock()
			res, err := s.deps.Engine.RunRegime(s.deps.Controller, s.deps.Strategies, s.deps.RegimeOpts)
			s.regimeMu.Unlock()
			timer.StopErr(err)
			return res, err
		}
	} else {
		s.writeError(w, r, http.StatusNotFound, "unknown_strategy", "No strategy named "+name)
		return
	}

	id := s.runs.Submit(name, fn)
	s.writeJSON(w, http.StatusAccepted, RunAccepted{
		RunID:    id,
		Strategy: name,
		Status:   StatusRunning,
		Poll:     "/backtests/" + id,
		Stream:   "/ws/backtests/" + id,
	})
}

// GetBacktest handles GET /backtests/{id}
func (s *Server) GetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := s.runs.Status(id)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "unknown_run", "No run with id "+id)
		return
	}
	if r.URL.Query().Get("points") != "true" && st.Result != nil {
		trimmed := *st.Result
		trimmed.Points = nil
		trimmed.Rebalances = nil
		st.Result = &trimmed
	}
	s.writeJSON(w, http.StatusOK, st)
}
