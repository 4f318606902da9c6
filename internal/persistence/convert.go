package persistence

import (
	"github.com/sawpanic/factorrun/internal/backtest"
	"github.com/sawpanic/factorrun/internal/regime"
)

// FromResult flattens a backtest result for storage
func FromResult(res *backtest.Result) (RunRecord, []DailyPoint) {
	rec := RunRecord{
		RunID:                res.RunID,
		Strategy:             res.Strategy,
		Mode:                 string(res.Mode),
		InitialCapital:       res.InitialCapital,
		FinalValue:           res.FinalValue(),
		ConcentrationWarning: res.Diversification.ConcentrationWarning,
		Warnings:             res.Warnings,
		StartedAt:            res.StartedAt,
		CompletedAt:          res.CompletedAt,
	}
	if m := res.Metrics; m != nil {
		rec.TotalReturn = m.TotalReturn
		rec.Sharpe = m.Sharpe
		rec.MaxDrawdown = m.MaxDrawdown
		rec.StartDate = m.StartDate
		rec.EndDate = m.EndDate
		rec.Metrics = map[string]float64{
			"total_return":      m.TotalReturn,
			"annualized_return": m.AnnualizedReturn,
			"volatility":        m.Volatility,
			"sharpe":            m.Sharpe,
			"sortino":           m.Sortino,
			"calmar":            m.Calmar,
			"max_drawdown":      m.MaxDrawdown,
			"win_rate":          m.WinRate,
		}
	}

	points := make([]DailyPoint, len(res.Points))
	for i, p := range res.Points {
		points[i] = DailyPoint{
			RunID:         res.RunID,
			Date:          p.Date,
			Value:         p.Value,
			Return:        p.Return,
			LongExposure:  p.LongExposure,
			ShortExposure: p.ShortExposure,
			LongCount:     p.LongCount,
			ShortCount:    p.ShortCount,
			Turnover:      p.Turnover,
			Strategy:      p.Strategy,
			Regime:        string(p.Regime),
		}
	}
	return rec, points
}

// SnapshotFromContext records a regime decision
func SnapshotFromContext(ctx regime.Context, reference string) RegimeSnapshot {
	return RegimeSnapshot{
		Date:            ctx.Date,
		Reference:       reference,
		ReferenceReturn: ctx.ReferenceReturn,
		Regime:          string(ctx.Regime),
		Mode:            string(ctx.Mode),
		Strategy:        ctx.Allocation.Strategy,
		LongFraction:    ctx.Allocation.Long,
		ShortFraction:   ctx.Allocation.Short,
		UsedFallback:    ctx.UsedFallback,
		Metadata:        map[string]interface{}{},
	}
}
