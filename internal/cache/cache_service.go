// Package cache publishes engine status snapshots to Redis so that other
// processes and dashboards can read them without calling the engine.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"perp-autopilot/config"
)

var (
	// ErrUnavailable is returned while Redis is marked unhealthy.
	ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")
	// ErrCacheMiss is returned when a key does not exist.
	ErrCacheMiss = errors.New("cache miss")
)

// Keys, relative to the configured prefix
const (
	KeyEngineStatus  = "engine:status"
	KeyLastCycle     = "engine:last_cycle"
	KeyBreakerStatus = "circuit_breaker:status"
	KeyAttribution   = "portfolio:attribution"
)

// StatusCache provides Redis-backed status publishing with graceful
// degradation. When Redis is unavailable, writes fail fast with
// ErrUnavailable and callers carry on.
type StatusCache struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	logger  zerolog.Logger
	mu      sync.RWMutex
	healthy bool

	failureCount  int
	lastCheck     time.Time
	maxFailures   int
	checkInterval time.Duration
}

// NewStatusCache creates a StatusCache. A failed initial ping returns the
// cache in degraded mode rather than an error.
func NewStatusCache(cfg config.RedisConfig, logger zerolog.Logger) (*StatusCache, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 1,
		MaxRetries:   2,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	c := newStatusCache(client, cfg.KeyPrefix, cfg.StatusTTL, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.logger.Warn().Err(err).Str("address", cfg.Address).Msg("Initial Redis connection failed, running degraded")
		return c, nil
	}

	c.healthy = true
	c.lastCheck = time.Now()
	c.logger.Info().Str("address", cfg.Address).Msg("Redis connected")
	return c, nil
}

func newStatusCache(client redis.UniversalClient, prefix string, ttl time.Duration, logger zerolog.Logger) *StatusCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &StatusCache{
		client:        client,
		prefix:        prefix,
		ttl:           ttl,
		logger:        logger.With().Str("component", "StatusCache").Logger(),
		lastCheck:     time.Now(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}
}

// Key returns the fully prefixed key
func (c *StatusCache) Key(name string) string {
	return c.prefix + name
}

// IsHealthy returns whether Redis is currently available.
func (c *StatusCache) IsHealthy() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *StatusCache) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failureCount++
	if c.failureCount >= c.maxFailures {
		if c.healthy {
			c.logger.Warn().Err(err).Int("failures", c.failureCount).Msg("Redis marked unhealthy")
		}
		c.healthy = false
		c.lastCheck = time.Now()
	}
}

func (c *StatusCache) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.healthy {
		c.logger.Info().Msg("Redis recovered")
	}
	c.healthy = true
	c.failureCount = 0
	c.lastCheck = time.Now()
}

// checkHealth pings in the background once checkInterval has passed
// since Redis was marked unhealthy.
func (c *StatusCache) checkHealth() {
	c.mu.Lock()
	due := !c.healthy && time.Since(c.lastCheck) >= c.checkInterval
	if due {
		c.lastCheck = time.Now()
	}
	c.mu.Unlock()
	if !due {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.client.Ping(ctx).Err(); err == nil {
			c.recordSuccess()
		}
	}()
}

// SetJSON stores value as JSON under name with the status TTL.
func (c *StatusCache) SetJSON(ctx context.Context, name string, value interface{}) error {
	if c == nil {
		return ErrUnavailable
	}
	c.checkHealth()
	if !c.IsHealthy() {
		return ErrUnavailable
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if err := c.client.Set(ctx, c.Key(name), data, c.ttl).Err(); err != nil {
		c.recordFailure(err)
		return fmt.Errorf("redis set failed: %w", err)
	}
	c.recordSuccess()
	return nil
}

// GetJSON loads name into dest.
func (c *StatusCache) GetJSON(ctx context.Context, name string, dest interface{}) error {
	if c == nil {
		return ErrUnavailable
	}
	c.checkHealth()
	if !c.IsHealthy() {
		return ErrUnavailable
	}

	data, err := c.client.Get(ctx, c.Key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		c.recordFailure(err)
		return fmt.Errorf("redis get failed: %w", err)
	}
	c.recordSuccess()
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}

// Publish writes a status value and only logs on failure.
func (c *StatusCache) Publish(ctx context.Context, name string, value interface{}) {
	if c == nil {
		return
	}
	if err := c.SetJSON(ctx, name, value); err != nil && !errors.Is(err, ErrUnavailable) {
		c.logger.Debug().Err(err).Str("key", name).Msg("Failed to publish status")
	}
}

// Close closes the Redis client.
func (c *StatusCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
