// Package cache stores completed waveform results by source identifier so
// repeat requests skip the download/probe cycle. Two backends: an
// in-process TTL map, and Redis for deployments with multiple replicas.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"beatflo/internal/models"
)

// Memory is an in-process waveform cache with TTL eviction.
type Memory struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]memoryEntry
	now func() time.Time
}

type memoryEntry struct {
	wf      models.Waveform
	expires time.Time
}

// NewMemory creates an in-memory cache whose entries expire after ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl: ttl,
		m:   make(map[string]memoryEntry),
		now: time.Now,
	}
}

// Get returns the cached waveform for key, if present and unexpired.
func (c *Memory) Get(_ context.Context, key string) (models.Waveform, bool, error) {
	c.mu.RLock()
	entry, ok := c.m[key]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expires) {
		return models.Waveform{}, false, nil
	}
	return entry.wf, true, nil
}

// Set stores the waveform, refreshing its TTL.
func (c *Memory) Set(_ context.Context, key string, wf models.Waveform) error {
	c.mu.Lock()
	c.m[key] = memoryEntry{wf: wf, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// Sweep removes expired entries and returns how many were evicted.
func (c *Memory) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, entry := range c.m {
		if now.After(entry.expires) {
			delete(c.m, key)
			removed++
		}
	}
	return removed
}

// Redis is a waveform cache backed by Redis with native TTL expiry.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing Redis client.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (c *Redis) key(source string) string {
	return "waveform:" + source
}

// Get returns the cached waveform for key, if present.
func (c *Redis) Get(ctx context.Context, key string) (models.Waveform, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return models.Waveform{}, false, nil
	}
	if err != nil {
		return models.Waveform{}, false, fmt.Errorf("cache get: %w", err)
	}
	var wf models.Waveform
	if err := json.Unmarshal([]byte(raw), &wf); err != nil {
		return models.Waveform{}, false, fmt.Errorf("cache decode: %w", err)
	}
	return wf, true, nil
}

// Set stores the waveform with the configured TTL.
func (c *Redis) Set(ctx context.Context, key string, wf models.Waveform) error {
	raw, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
