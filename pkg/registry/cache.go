package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/germanamz/toolrelay/pkg/toolservice"
)

// Cache stores the last good catalog of each service so a cold start can
// still populate the registry when a service is down.
type Cache interface {
	// Get returns the cached catalog, or nil, nil when absent or expired.
	Get(ctx context.Context, service string) (*toolservice.Catalog, error)
	// Set stores a catalog. A zero ttl means no expiry.
	Set(ctx context.Context, service string, cat *toolservice.Catalog, ttl time.Duration) error
	Delete(ctx context.Context, service string) error
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) (*toolservice.Catalog, error) { return nil, nil }

func (noopCache) Set(context.Context, string, *toolservice.Catalog, time.Duration) error { return nil }

func (noopCache) Delete(context.Context, string) error { return nil }

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	catalog   toolservice.Catalog
	expiresAt time.Time // zero means never
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memoryEntry{}, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, service string) (*toolservice.Catalog, error) {
	c.mu.RLock()
	e, ok := c.entries[service]
	c.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, service)
		c.mu.Unlock()
		return nil, nil
	}

	cat := e.catalog
	return &cat, nil
}

func (c *MemoryCache) Set(_ context.Context, service string, cat *toolservice.Catalog, ttl time.Duration) error {
	if cat == nil {
		return errors.New("registry: cache: nil catalog")
	}

	e := memoryEntry{catalog: *cat}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[service] = e
	c.mu.Unlock()

	return nil
}

func (c *MemoryCache) Delete(_ context.Context, service string) error {
	c.mu.Lock()
	delete(c.entries, service)
	c.mu.Unlock()

	return nil
}

// Len returns the number of stored catalogs, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// RedisCache stores catalogs as JSON strings in Redis, one key per service.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// DefaultRedisPrefix namespaces cache keys.
const DefaultRedisPrefix = "toolrelay:catalog:"

// NewRedisCache wraps an existing Redis client. An empty prefix selects
// DefaultRedisPrefix.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	return &RedisCache{client: client, prefix: prefix}
}

// DialRedis connects to a single Redis server and checks it answers.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("registry: redis %s: %w", addr, err)
	}

	return client, nil
}

func (c *RedisCache) key(service string) string {
	return c.prefix + service
}

func (c *RedisCache) Get(ctx context.Context, service string) (*toolservice.Catalog, error) {
	data, err := c.client.Get(ctx, c.key(service)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: cache get %s: %w", service, err)
	}

	var cat toolservice.Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("registry: cache decode %s: %w", service, err)
	}

	return &cat, nil
}

func (c *RedisCache) Set(ctx context.Context, service string, cat *toolservice.Catalog, ttl time.Duration) error {
	data, err := json.Marshal(cat)
	if err != nil {
		return fmt.Errorf("registry: cache encode %s: %w", service, err)
	}

	if err := c.client.Set(ctx, c.key(service), data, ttl).Err(); err != nil {
		return fmt.Errorf("registry: cache set %s: %w", service, err)
	}

	return nil
}

func (c *RedisCache) Delete(ctx context.Context, service string) error {
	if err := c.client.Del(ctx, c.key(service)).Err(); err != nil {
		return fmt.Errorf("registry: cache delete %s: %w", service, err)
	}

	return nil
}
