// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"sync"
	"time"
)

// ListCache caches list results per tenancy scope. Keys are produced by
// tenancy.Scope.CacheKey, so entries can never be served across tenants.
// The sync pipeline invalidates the whole cache at the end of every pass.
type ListCache[T any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry[T]
	now     func() time.Time
}

type cacheEntry[T any] struct {
	value    T
	storedAt time.Time
}

// NewListCache builds a cache whose entries expire after ttl.
func NewListCache[T any](ttl time.Duration) *ListCache[T] {
	return &ListCache[T]{
		ttl:     ttl,
		entries: make(map[string]cacheEntry[T]),
		now:     time.Now,
	}
}

// Get returns the cached value for key if present and fresh.
func (c *ListCache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.storedAt) > c.ttl {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Put stores a value for key.
func (c *ListCache[T]) Put(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry[T]{value: value, storedAt: c.now()}
}

// Invalidate drops every entry.
func (c *ListCache[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}
