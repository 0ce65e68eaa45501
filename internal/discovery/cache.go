/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const searchKeyPrefix = "qradio:cache:search:"

// CacheConfig contains search-result cache configuration.
type CacheConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration

	// Fallback behavior
	DisableOnError bool // If true, disable caching on Redis errors
}

// SearchCache memoizes upstream search results in Redis so several
// sessions on the same query do not hammer the source. Degrades to a
// no-op when Redis is unreachable.
type SearchCache struct {
	client *redis.Client
	logger zerolog.Logger
	config CacheConfig

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// NewSearchCache creates a search cache instance.
func NewSearchCache(cfg CacheConfig, logger zerolog.Logger) *SearchCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 6 * time.Hour
	}
	if cfg.RedisAddr == "" {
		return &SearchCache{
			logger:   logger.With().Str("component", "search-cache").Logger(),
			config:   cfg,
			disabled: true,
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, search caching disabled")
		return &SearchCache{
			logger:   logger.With().Str("component", "search-cache").Logger(),
			config:   cfg,
			disabled: true,
		}
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("search cache initialized")

	return &SearchCache{
		client: client,
		logger: logger.With().Str("component", "search-cache").Logger(),
		config: cfg,
	}
}

// Close closes the Redis connection.
func (c *SearchCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *SearchCache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

func (c *SearchCache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling search cache due to Redis error")
	}
}

func searchKey(query string) string {
	return searchKeyPrefix + strings.ToLower(strings.TrimSpace(query))
}

// Get retrieves cached candidates for a query.
func (c *SearchCache) Get(ctx context.Context, query string) ([]Candidate, bool) {
	if !c.IsAvailable() {
		return nil, false
	}

	data, err := c.client.Get(ctx, searchKey(query)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.handleError(err, "get")
		return nil, false
	}

	var candidates []Candidate
	if err := json.Unmarshal(data, &candidates); err != nil {
		c.logger.Debug().Err(err).Str("query", query).Msg("failed to unmarshal cached search")
		return nil, false
	}
	return candidates, true
}

// Set stores candidates for a query.
func (c *SearchCache) Set(ctx context.Context, query string, candidates []Candidate) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(candidates)
	if err != nil {
		return fmt.Errorf("marshal search results: %w", err)
	}

	if err := c.client.Set(ctx, searchKey(query), data, c.config.TTL).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}
	return nil
}
