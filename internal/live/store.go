package live

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store persists cache entries between invocations
type Store interface {
	// Get returns nil, nil on a miss
	Get(ctx context.Context, strategy string) (*CacheEntry, error)
	Put(ctx context.Context, entry CacheEntry) error
	Delete(ctx context.Context, strategy string) error
}

// MemoryStore keeps entries in process
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]CacheEntry)}
}

func (m *MemoryStore) Get(_ context.Context, strategy string) (*CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[strategy]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryStore) Put(_ context.Context, entry CacheEntry) error {
	if entry.Strategy == "" {
		return fmt.Errorf("cache entry without strategy")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Strategy] = entry
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, strategy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, strategy)
	return nil
}

// RedisStore keeps entries in redis as JSON, expiring with the entry TTL
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

// NewRedisStore connects to redis and pings it
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStoreWithClient(rdb, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "factorrun:weights:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Key returns the redis key for strategy
func (r *RedisStore) Key(strategy string) string {
	return r.prefix + strategy
}

func (r *RedisStore) Get(ctx context.Context, strategy string) (*CacheEntry, error) {
	val, err := r.client.Get(ctx, r.Key(strategy)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var e CacheEntry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return &e, nil
}

func (r *RedisStore) Put(ctx context.Context, entry CacheEntry) error {
	if entry.Strategy == "" {
		return fmt.Errorf("cache entry without strategy")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	// Kept one extra day past the TTL so a stale entry can still be inspected.
	ttl := time.Duration(entry.TTLDays+1) * 24 * time.Hour
	if err := r.client.Set(ctx, r.Key(entry.Strategy), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, strategy string) error {
	if err := r.client.Del(ctx, r.Key(strategy)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}
