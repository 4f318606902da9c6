// Package live hands strategy weights to an execution layer as target
// notionals and caches them between rebalances.
package live

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/factorrun/internal/backtest"
	"github.com/sawpanic/factorrun/internal/panel"
)

// CacheEntry is the last computed book for one strategy. Weights are signed
// fractions of SourceNotional.
type CacheEntry struct {
	Strategy       string             `json:"strategy"`
	Weights        map[string]float64 `json:"weights"`
	ComputedAt     time.Time          `json:"computed_at"`
	TTLDays        int                `json:"ttl_days"`
	SourceNotional float64            `json:"source_notional"`
	ConfigHash     string             `json:"config_hash"` // ConfigHash of the strategy that produced Weights
}

// ConfigHash fingerprints every setting that shapes a strategy's book. Map
// fields print in key order, so equal configs hash equally.
func ConfigHash(strategy backtest.StrategyConfig) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(fmt.Sprintf("%+v", strategy)))
}

// Matches reports whether the entry was computed under the given config
func (e CacheEntry) Matches(hash string) bool {
	return e.ConfigHash != "" && e.ConfigHash == hash
}

// ExpiresAt is the first date on which the entry is stale
func (e CacheEntry) ExpiresAt() time.Time {
	return panel.Day(e.ComputedAt).AddDate(0, 0, e.TTLDays)
}

// IsStale reports whether the weights must be recomputed on date. Entries
// with a non-positive TTL are always stale.
func (e CacheEntry) IsStale(date time.Time) bool {
	if e.TTLDays <= 0 || e.Weights == nil {
		return true
	}
	return !panel.Day(date).Before(e.ExpiresAt())
}

// Rescale maps the cached weights onto notional, rounded to places decimal
// places. Weights are notional-independent so only the scale changes.
func (e CacheEntry) Rescale(notional float64, places int32) map[string]decimal.Decimal {
	return Notionals(e.Weights, notional, places)
}

// Notionals converts signed weights into signed notionals
func Notionals(weights map[string]float64, notional float64, places int32) map[string]decimal.Decimal {
	total := decimal.NewFromFloat(notional)
	out := make(map[string]decimal.Decimal, len(weights))
	for _, inst := range sortedKeys(weights) {
		w := weights[inst]
		if w == 0 {
			continue
		}
		out[inst] = decimal.NewFromFloat(w).Mul(total).Round(places)
	}
	return out
}

// Gross is the sum of absolute notionals
func Gross(notionals map[string]decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range notionals {
		sum = sum.Add(v.Abs())
	}
	return sum
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
