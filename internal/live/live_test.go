package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/factorrun/internal/backtest"
	"github.com/sawpanic/factorrun/internal/panel"
	"github.com/sawpanic/factorrun/internal/panel/paneltest"
)

func testPanel(t *testing.T, days int) (*panel.Store, *paneltest.Builder) {
	t.Helper()
	b := paneltest.New(paneltest.Start)
	for k := 0; k < 10; k++ {
		closes := paneltest.Geometric(days, 100, -0.01+0.002*float64(k))
		for i := range closes {
			if i%2 == 1 {
				closes[i] *= 1 + 0.001*float64(k+1)
			}
		}
		b.Series(fmt.Sprintf("I%d", k), closes, 1e6, 1e8)
	}
	return b.Store(t), b
}

func strategy() backtest.StrategyConfig {
	s := backtest.DefaultStrategy("momentum", "momentum")
	s.Selector.Window = 10
	return s
}

func TestCacheEntry_Staleness(t *testing.T) {
	computed := time.Date(2024, 3, 1, 15, 30, 0, 0, time.UTC)
	e := CacheEntry{Strategy: "m", Weights: map[string]float64{"A": 0.5}, ComputedAt: computed, TTLDays: 10}

	assert.False(t, e.IsStale(computed))
	assert.False(t, e.IsStale(computed.AddDate(0, 0, 9)))
	assert.True(t, e.IsStale(computed.AddDate(0, 0, 10)))
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), e.ExpiresAt())

	e.TTLDays = 0
	assert.True(t, e.IsStale(computed))
	assert.True(t, CacheEntry{TTLDays: 5, ComputedAt: computed}.IsStale(computed))
}

func TestCacheEntry_Rescale(t *testing.T) {
	e := CacheEntry{
		Weights:        map[string]float64{"A": 0.25, "B": 0.25, "C": -0.5, "D": 0},
		SourceNotional: 1000,
	}
	out := e.Rescale(3333.33, 2)
	require.Len(t, out, 3)
	assert.True(t, decimal.RequireFromString("833.33").Equal(out["A"]), out["A"].String())
	assert.True(t, decimal.RequireFromString("-1666.67").Equal(out["C"]), out["C"].String())
	assert.True(t, decimal.RequireFromString("3333.33").Equal(Gross(out)), Gross(out).String())
}

func TestTargetNotionals_LastDateHasNoForwardPrice(t *testing.T) {
	store, b := testPanel(t, 30)
	last := b.Date(29)

	notionals, reb, err := TargetNotionals(store, last, strategy(), 10000, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, len(reb.Long))
	assert.Equal(t, 2, len(reb.Short))

	long, short := decimal.Zero, decimal.Zero
	for _, v := range notionals {
		if v.IsPositive() {
			long = long.Add(v)
		} else {
			short = short.Add(v)
		}
	}
	assert.True(t, decimal.NewFromInt(5000).Equal(long), long.String())
	assert.True(t, decimal.NewFromInt(-5000).Equal(short), short.String())

	_, _, err = TargetNotionals(store, paneltest.Start.AddDate(-1, 0, 0), strategy(), 10000, 2)
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	got, err := m.Get(ctx, "x")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, m.Put(ctx, CacheEntry{Strategy: "x", TTLDays: 1}))
	got, err = m.Get(ctx, "x")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.TTLDays)

	require.NoError(t, m.Delete(ctx, "x"))
	got, _ = m.Get(ctx, "x")
	assert.Nil(t, got)

	assert.Error(t, m.Put(ctx, CacheEntry{}))
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	store := NewRedisStoreWithClient(db, "test:")

	entry := CacheEntry{
		Strategy:       "momentum",
		Weights:        map[string]float64{"A": 0.5, "B": -0.5},
		ComputedAt:     time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		TTLDays:        10,
		SourceNotional: 1000,
	}
	data, err := json.Marshal(entry)
	require.NoError(t, err)

	t.Run("put sets ttl past expiry", func(t *testing.T) {
		mock.ExpectSet("test:momentum", data, 11*24*time.Hour).SetVal("OK")
		require.NoError(t, store.Put(ctx, entry))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("get decodes entry", func(t *testing.T) {
		mock.ExpectGet("test:momentum").SetVal(string(data))
		got, err := store.Get(ctx, "momentum")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, entry.Weights, got.Weights)
		assert.True(t, entry.ComputedAt.Equal(got.ComputedAt))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("miss is not an error", func(t *testing.T) {
		mock.ExpectGet("test:other").RedisNil()
		got, err := store.Get(ctx, "other")
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redis error surfaces", func(t *testing.T) {
		mock.ExpectGet("test:momentum").SetErr(redis.TxFailedErr)
		_, err := store.Get(ctx, "momentum")
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delete", func(t *testing.T) {
		mock.ExpectDel("test:momentum").SetVal(1)
		require.NoError(t, store.Delete(ctx, "momentum"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestService_ReusesUntilStale(t *testing.T) {
	store, b := testPanel(t, 40)
	cfg := DefaultConfig()
	cfg.TTLDays = 5
	svc, err := NewService(NewMemoryStore(), cfg)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := svc.Targets(ctx, store, b.Date(20), strategy(), 10000)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.True(t, decimal.NewFromInt(10000).Equal(first.Gross), first.Gross.String())

	second, err := svc.Targets(ctx, store, b.Date(23), strategy(), 20000)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Entry.Weights, second.Entry.Weights)
	for inst, v := range first.Notionals {
		assert.True(t, v.Mul(decimal.NewFromInt(2)).Equal(second.Notionals[inst]), inst)
	}

	third, err := svc.Targets(ctx, store, b.Date(25), strategy(), 0)
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	assert.Equal(t, b.Date(25), third.Entry.ComputedAt)
	assert.Equal(t, cfg.TotalNotional, third.Entry.SourceNotional)

	// An earlier date never reuses a later entry.
	earlier, err := svc.Targets(ctx, store, b.Date(24), strategy(), 0)
	require.NoError(t, err)
	assert.False(t, earlier.FromCache)

	require.NoError(t, svc.Invalidate(ctx, "momentum"))
	again, err := svc.Targets(ctx, store, b.Date(24), strategy(), 0)
	require.NoError(t, err)
	assert.False(t, again.FromCache)
}

func TestService_ConfigChangeInvalidatesCache(t *testing.T) {
	store, b := testPanel(t, 40)
	svc, err := NewService(NewMemoryStore(), DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := svc.Targets(ctx, store, b.Date(20), strategy(), 0)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, ConfigHash(strategy()), first.Entry.ConfigHash)

	same, err := svc.Targets(ctx, store, b.Date(21), strategy(), 0)
	require.NoError(t, err)
	assert.True(t, same.FromCache)

	changed := strategy()
	changed.LongAllocation = 1
	changed.ShortAllocation = 0
	fresh, err := svc.Targets(ctx, store, b.Date(21), changed, 0)
	require.NoError(t, err)
	assert.False(t, fresh.FromCache)
	assert.Equal(t, ConfigHash(changed), fresh.Entry.ConfigHash)
	for inst, w := range fresh.Entry.Weights {
		assert.GreaterOrEqual(t, w, 0.0, inst)
	}
}

func TestConfigHash(t *testing.T) {
	a, b := strategy(), strategy()
	a.Params = map[string]float64{"x": 1, "y": 2}
	b.Params = map[string]float64{"y": 2, "x": 1}
	assert.Equal(t, ConfigHash(a), ConfigHash(b))

	b.Selector.Window++
	assert.NotEqual(t, ConfigHash(a), ConfigHash(b))

	assert.False(t, CacheEntry{}.Matches(ConfigHash(a)))
}

type brokenStore struct{}

var errDown = errors.New("cache down")

func (brokenStore) Get(context.Context, string) (*CacheEntry, error) { return nil, errDown }
func (brokenStore) Put(context.Context, CacheEntry) error            { return errDown }
func (brokenStore) Delete(context.Context, string) error             { return errDown }

func TestService_BreakerOpensOnCacheFailures(t *testing.T) {
	store, b := testPanel(t, 30)
	svc, err := NewService(brokenStore{}, DefaultConfig())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		plan, err := svc.Targets(context.Background(), store, b.Date(20), strategy(), 0)
		require.NoError(t, err)
		assert.False(t, plan.FromCache)
		assert.NotEmpty(t, plan.Notionals)
		assert.NotEmpty(t, plan.Warnings)
	}
	assert.Equal(t, gobreaker.StateOpen, svc.BreakerState())
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.TTLDays = 0
	assert.Error(t, cfg.Validate())
	_, err := NewService(nil, cfg)
	assert.Error(t, err)
}
