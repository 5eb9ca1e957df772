// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// embeddingCache is a bounded LRU of embeddings keyed by a SHA-256 of the
// input text, so long schema summaries never become map keys.
type embeddingCache struct {
	lru    *lru.Cache[string, []float32]
	hits   atomic.Int64
	misses atomic.Int64
}

func newEmbeddingCache(size int) (*embeddingCache, error) {
	inner, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &embeddingCache{lru: inner}, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *embeddingCache) Get(text string) ([]float32, bool) {
	vec, ok := c.lru.Get(cacheKey(text))
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return vec, ok
}

func (c *embeddingCache) Put(text string, vec []float32) {
	c.lru.Add(cacheKey(text), vec)
}

func (c *embeddingCache) Purge() {
	c.lru.Purge()
}

// Stats reports hit/miss counters and the current entry count.
func (c *embeddingCache) Stats() (hits, misses int64, size int) {
	return c.hits.Load(), c.misses.Load(), c.lru.Len()
}
