package http

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/factorrun/internal/backtest"
)

// Run states
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunRecorder persists completed runs
type RunRecorder interface {
	RecordRun(ctx context.Context, res *backtest.Result) error
}

// RunFunc executes one backtest
type RunFunc func() (*backtest.Result, error)

type job struct {
	id          string
	strategy    string
	status      string
	err         error
	result      *backtest.Result
	submittedAt time.Time
	completedAt time.Time
	done        chan struct{}
}

// RunManager executes backtests in the background and keeps their results
// for polling and streaming. At most maxRuns results are retained.
type RunManager struct {
	mu       sync.RWMutex
	jobs     map[string]*job
	order    []string
	maxRuns  int
	recorder RunRecorder
	observe  func(*backtest.Result)
	wg       sync.WaitGroup
}

// NewRunManager creates a manager; recorder and observe may be nil
func NewRunManager(maxRuns int, recorder RunRecorder, observe func(*backtest.Result)) *RunManager {
	if maxRuns <= 0 {
		maxRuns = 100
	}
	return &RunManager{
		jobs:     make(map[string]*job),
		maxRuns:  maxRuns,
		recorder: recorder,
		observe:  observe,
	}
}

// Submit starts fn in the background and returns its run id. The result's
// RunID is replaced by the job id so both refer to the same run.
func (m *RunManager) Submit(strategy string, fn RunFunc) string {
	j := &job{
		id:          uuid.New().String(),
		strategy:    strategy,
		status:      StatusRunning,
		submittedAt: time.Now().UTC(),
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	m.jobs[j.id] = j
	m.order = append(m.order, j.id)
	m.evictLocked()
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(j, fn)
	}()
	return j.id
}

func (m *RunManager) execute(j *job, fn RunFunc) {
	res, err := fn()
	if err == nil && res != nil {
		res.RunID = j.id
		if m.observe != nil {
			m.observe(res)
		}
		if m.recorder != nil {
			if rerr := m.recorder.RecordRun(context.Background(), res); rerr != nil {
				log.Warn().Err(rerr).Str("run_id", j.id).Msg("Failed to persist run")
			}
		}
	}

	m.mu.Lock()
	j.completedAt = time.Now().UTC()
	if err != nil {
		j.status = StatusFailed
		j.err = err
	} else {
		j.status = StatusCompleted
		j.result = res
	}
	m.mu.Unlock()
	close(j.done)

	log.Info().
		Str("run_id", j.id).
		Str("strategy", j.strategy).
		Str("status", j.status).
		Msg("Background run finished")
}

// evictLocked drops the oldest finished runs beyond maxRuns
func (m *RunManager) evictLocked() {
	for len(m.order) > m.maxRuns {
		evicted := false
		for i, id := range m.order {
			if m.jobs[id].status != StatusRunning {
				delete(m.jobs, id)
				m.order = append(m.order[:i], m.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

// Status returns a snapshot of the run, false when unknown
func (m *RunManager) Status(id string) (RunStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return RunStatus{}, false
	}
	st := RunStatus{
		RunID:       j.id,
		Strategy:    j.strategy,
		Status:      j.status,
		SubmittedAt: j.submittedAt,
		CompletedAt: j.completedAt,
		Result:      j.result,
	}
	if j.err != nil {
		st.Error = j.err.Error()
	}
	if j.result != nil {
		st.Metrics = j.result.Metrics
	}
	return st, true
}

// Wait blocks until the run finishes or ctx is done
func (m *RunManager) Wait(ctx context.Context, id string) (RunStatus, error) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return RunStatus{}, fmt.Errorf("run %s not found", id)
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		return RunStatus{}, ctx.Err()
	}
	st, _ := m.Status(id)
	return st, nil
}

// Drain waits for every background run to finish
func (m *RunManager) Drain() {
	m.wg.Wait()
}
