package live

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/factorrun/internal/backtest"
	"github.com/sawpanic/factorrun/internal/panel"
)

// Config controls the live handoff
type Config struct {
	TTLDays       int     `yaml:"ttl_days"`
	TotalNotional float64 `yaml:"total_notional"`
	Strategy      string  `yaml:"strategy"`
	Places        int32   `yaml:"places"` // Decimal places of target notionals

	// Cache breaker settings
	MaxRequests         uint32        `yaml:"breaker_max_requests"`
	Interval            time.Duration `yaml:"breaker_interval"`
	Timeout             time.Duration `yaml:"breaker_timeout"`
	ConsecutiveFailures uint32        `yaml:"breaker_consecutive_failures"`
}

// DefaultConfig returns a ten-day TTL with cent rounding
func DefaultConfig() Config {
	return Config{
		TTLDays:             10,
		TotalNotional:       100000,
		Places:              2,
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 3,
	}
}

// Validate checks the handoff settings
func (c Config) Validate() error {
	if c.TTLDays <= 0 {
		return fmt.Errorf("ttl_days must be positive, got %d", c.TTLDays)
	}
	if c.TotalNotional <= 0 {
		return fmt.Errorf("total_notional must be positive, got %v", c.TotalNotional)
	}
	if c.Places < 0 {
		return fmt.Errorf("places must be non-negative, got %d", c.Places)
	}
	return nil
}

// Plan is the handoff for one strategy on one date
type Plan struct {
	Strategy  string                     `json:"strategy"`
	Date      time.Time                  `json:"date"`
	Notionals map[string]decimal.Decimal `json:"notionals"`
	Gross     decimal.Decimal            `json:"gross"`
	FromCache bool                       `json:"from_cache"`
	Entry     CacheEntry                 `json:"entry"`
	Warnings  []string                   `json:"warnings,omitempty"`
}

// TargetNotionals is the pure handoff: the strategy's legs on date scaled
// to notional. Longs are positive, shorts negative.
func TargetNotionals(store *panel.Store, date time.Time, strategy backtest.StrategyConfig, notional float64, places int32) (map[string]decimal.Decimal, backtest.Rebalance, error) {
	reb, err := backtest.Targets(store, date, strategy)
	if err != nil {
		return nil, reb, err
	}
	return Notionals(reb.Signed(), notional, places), reb, nil
}

// Service reuses cached weights until they go stale. Cache access runs
// behind a circuit breaker; when the cache is unavailable weights are
// recomputed from the panel.
type Service struct {
	cache   Store
	config  Config
	breaker *gobreaker.CircuitBreaker
}

// NewService creates a live handoff service
func NewService(cache Store, config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if cache == nil {
		cache = NewMemoryStore()
	}
	settings := gobreaker.Settings{
		Name:        "weight-cache",
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker changed state")
		},
	}
	return &Service{
		cache:   cache,
		config:  config,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}, nil
}

// BreakerState reports the cache breaker state
func (s *Service) BreakerState() gobreaker.State {
	return s.breaker.State()
}

// Targets returns the plan for strategy on date, scaled to notional. A
// non-positive notional uses the configured total.
func (s *Service) Targets(ctx context.Context, store *panel.Store, date time.Time, strategy backtest.StrategyConfig, notional float64) (*Plan, error) {
	if notional <= 0 {
		notional = s.config.TotalNotional
	}
	date = panel.Day(date)
	plan := &Plan{Strategy: strategy.Name, Date: date}

	cached, err := s.lookup(ctx, strategy.Name)
	if err != nil {
		plan.Warnings = append(plan.Warnings, "weight cache unavailable: "+err.Error())
		log.Warn().Err(err).Str("strategy", strategy.Name).Msg("Weight cache lookup failed, recomputing")
	}
	hash := ConfigHash(strategy)
	if cached != nil && !cached.Matches(hash) {
		log.Info().Str("strategy", strategy.Name).Msg("Strategy config changed, ignoring cached weights")
		cached = nil
	}
	// Entries from a later date than the request are not reused.
	if cached != nil && !cached.IsStale(date) && !panel.Day(cached.ComputedAt).After(date) {
		plan.FromCache = true
		plan.Entry = *cached
		plan.Notionals = cached.Rescale(notional, s.config.Places)
		plan.Gross = Gross(plan.Notionals)
		return plan, nil
	}

	_, reb, err := TargetNotionals(store, date, strategy, notional, s.config.Places)
	if err != nil {
		return nil, fmt.Errorf("failed to compute targets: %w", err)
	}
	entry := CacheEntry{
		Strategy:       strategy.Name,
		Weights:        reb.Signed(),
		ComputedAt:     date,
		TTLDays:        s.config.TTLDays,
		SourceNotional: notional,
		ConfigHash:     hash,
	}
	if reb.EmptyLong || reb.EmptyShort {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("active leg empty: long=%t short=%t", reb.EmptyLong, reb.EmptyShort))
	}
	if reb.Selection.Shrunk {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("legs shrunk to %d/%d names", len(reb.Long), len(reb.Short)))
	}

	if err := s.save(ctx, entry); err != nil {
		plan.Warnings = append(plan.Warnings, "weight cache write failed: "+err.Error())
		log.Warn().Err(err).Str("strategy", strategy.Name).Msg("Failed to cache weights")
	}

	plan.Entry = entry
	plan.Notionals = entry.Rescale(notional, s.config.Places)
	plan.Gross = Gross(plan.Notionals)

	log.Info().
		Str("strategy", strategy.Name).
		Time("date", date).
		Int("long", len(reb.Long)).
		Int("short", len(reb.Short)).
		Str("gross", plan.Gross.String()).
		Msg("Computed live targets")
	return plan, nil
}

// Invalidate drops the cached entry for strategy
func (s *Service) Invalidate(ctx context.Context, strategy string) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.cache.Delete(ctx, strategy)
	})
	return err
}

func (s *Service) lookup(ctx context.Context, strategy string) (*CacheEntry, error) {
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.cache.Get(ctx, strategy)
	})
	if err != nil {
		return nil, err
	}
	entry, _ := res.(*CacheEntry)
	return entry, nil
}

func (s *Service) save(ctx context.Context, entry CacheEntry) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.cache.Put(ctx, entry)
	})
	return err
}
