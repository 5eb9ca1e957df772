// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package schemacache caches external-tool schemas in Redis so the call
// path can validate arguments without a registry round trip. Entries are
// keyed by (server ID, original tool name) and expire after a TTL; a
// per-server set of live keys supports whole-server invalidation when a
// backend is removed or re-discovered.
package schemacache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultTTL bounds staleness between discovery passes. Discovery
	// overwrites entries on every (re)connect, so expiry only matters for
	// servers that vanish without a clean disconnect.
	DefaultTTL = 24 * time.Hour

	defaultKeyPrefix = "capgate:schema:"
)

// ErrMiss is returned by Get when no entry exists for the key.
var ErrMiss = errors.New("schema cache miss")

// Entry is the cached schema material for one external tool.
type Entry struct {
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	CachedAt     time.Time       `json:"cached_at"`
}

// Cache is a Redis-backed schema cache.
type Cache struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// Option adjusts cache construction.
type Option func(*Cache)

// WithTTL overrides the default entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithKeyPrefix overrides the default key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *Cache) { c.keyPrefix = prefix }
}

// New connects to Redis at addr and verifies the connection.
func New(ctx context.Context, addr string, opts ...Option) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(client, opts...), nil
}

// NewWithClient wraps a pre-configured client. Used by tests with miniredis.
func NewWithClient(client redis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		ttl:       DefaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks Redis connectivity (health check).
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get returns the cached entry for (serverID, originalName), or ErrMiss.
func (c *Cache) Get(ctx context.Context, serverID, originalName string) (*Entry, error) {
	data, err := c.client.Get(ctx, c.entryKey(serverID, originalName)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema entry: %w", err)
	}
	return &entry, nil
}

// Put stores the entry and records its key in the server's index set so
// InvalidateServer can drop everything for that server later.
func (c *Cache) Put(ctx context.Context, serverID, originalName string, entry Entry) error {
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal schema entry: %w", err)
	}

	key := c.entryKey(serverID, originalName)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store schema: %w", err)
	}

	// Index set carries the same TTL as its entries; a failed index write
	// rolls the entry back so the set never underreports live keys.
	indexKey := c.serverIndexKey(serverID)
	if err := c.client.SAdd(ctx, indexKey, key).Err(); err != nil {
		_ = c.client.Del(ctx, key).Err()
		return fmt.Errorf("failed to index schema key: %w", err)
	}
	if err := c.client.Expire(ctx, indexKey, c.ttl).Err(); err != nil {
		_ = c.client.Del(ctx, key).Err()
		_ = c.client.SRem(ctx, indexKey, key).Err()
		return fmt.Errorf("failed to expire schema index: %w", err)
	}
	return nil
}

// Invalidate removes a single entry.
func (c *Cache) Invalidate(ctx context.Context, serverID, originalName string) error {
	key := c.entryKey(serverID, originalName)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete schema: %w", err)
	}
	// Best effort; a stale index member is resolved on the next SMembers read.
	_ = c.client.SRem(ctx, c.serverIndexKey(serverID), key).Err()
	return nil
}

// InvalidateServer removes every cached entry for a server.
func (c *Cache) InvalidateServer(ctx context.Context, serverID string) error {
	indexKey := c.serverIndexKey(serverID)
	keys, err := c.client.SMembers(ctx, indexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to list schema keys: %w", err)
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete schemas: %w", err)
		}
	}
	return c.client.Del(ctx, indexKey).Err()
}

func (c *Cache) entryKey(serverID, originalName string) string {
	return fmt.Sprintf("%s%s:%s", c.keyPrefix, serverID, originalName)
}

func (c *Cache) serverIndexKey(serverID string) string {
	return fmt.Sprintf("%sindex:%s", c.keyPrefix, serverID)
}
