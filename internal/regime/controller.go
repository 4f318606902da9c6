package regime

import (
	"fmt"
	"time"

	"github.com/sawpanic/factorrun/internal/panel"
)

// Context is the regime decision for one rebalance period. It is recomputed
// on every rebalance date and passed explicitly to the simulator.
type Context struct {
	Date            time.Time  `json:"date"`
	Regime          Regime     `json:"regime"`
	Mode            Mode       `json:"mode"`
	Allocation      Allocation `json:"allocation"`
	ReferenceReturn float64    `json:"reference_return"`
	UsedFallback    bool       `json:"used_fallback"`
}

// Controller combines detection with the allocation lookup
type Controller struct {
	detector *Detector
	table    Table
	mode     Mode
}

// NewController validates that the table covers every regime the detector
// can emit under mode.
func NewController(detector *Detector, table Table, mode Mode) (*Controller, error) {
	if err := table.Validate(detector.Config().Regimes); err != nil {
		return nil, fmt.Errorf("invalid allocation table: %w", err)
	}
	if _, ok := table[mode]; !ok {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	return &Controller{detector: detector, table: table, mode: mode}, nil
}

// Mode returns the active mode preset
func (c *Controller) Mode() Mode {
	return c.mode
}

// Detector returns the underlying detector
func (c *Controller) Detector() *Detector {
	return c.detector
}

// Evaluate detects the regime on date and resolves the allocation
func (c *Controller) Evaluate(store *panel.Store, date time.Time) (Context, error) {
	det := c.detector.DetectRegime(store, date)
	alloc, err := c.table.Get(det.Regime, c.mode)
	if err != nil {
		return Context{}, err
	}
	return Context{
		Date:            det.Date,
		Regime:          det.Regime,
		Mode:            c.mode,
		Allocation:      alloc,
		ReferenceReturn: det.ReferenceReturn,
		UsedFallback:    det.UsedFallback,
	}, nil
}
