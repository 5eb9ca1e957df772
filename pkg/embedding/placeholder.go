// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package embedding

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync"
)

// PlaceholderClient generates deterministic embeddings without a model
// backend. Each token contributes a seeded pseudo-random direction, so
// texts sharing vocabulary land near each other while unrelated texts stay
// nearly orthogonal. Useful for tests and for running without an embedding
// service.
type PlaceholderClient struct {
	dimension int

	mu          sync.Mutex
	completions []string
}

var _ Client = (*PlaceholderClient)(nil)

// NewPlaceholder builds a placeholder client with the given dimension.
func NewPlaceholder(dimension int) *PlaceholderClient {
	if dimension <= 0 {
		dimension = 64
	}
	return &PlaceholderClient{dimension: dimension}
}

// Embed returns a deterministic embedding for the text.
func (p *PlaceholderClient) Embed(_ context.Context, text string) ([]float32, error) {
	return p.generate(text), nil
}

// EmbedBatch returns deterministic embeddings, preserving input order.
func (p *PlaceholderClient) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = p.generate(text)
	}
	return vectors, nil
}

// ScriptCompletion queues a canned reply for the next Complete call.
func (p *PlaceholderClient) ScriptCompletion(reply string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completions = append(p.completions, reply)
}

// Complete pops the next scripted reply. It fails when nothing is scripted.
func (p *PlaceholderClient) Complete(_ context.Context, _ CompletionRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.completions) == 0 {
		return "", errors.New("placeholder client has no scripted completion")
	}
	reply := p.completions[0]
	p.completions = p.completions[1:]
	return reply, nil
}

// Dimension returns the embedding dimension.
func (p *PlaceholderClient) Dimension() int { return p.dimension }

// InvalidateCache is a no-op; placeholder embeddings are pure functions.
func (*PlaceholderClient) InvalidateCache() {}

// Close releases nothing.
func (*PlaceholderClient) Close() error { return nil }

// generate sums one seeded direction per token and L2-normalizes the result.
func (p *PlaceholderClient) generate(text string) []float32 {
	vec := make([]float32, p.dimension)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,:;!?()[]{}\"'")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		state := int64(h.Sum32())
		for i := range vec {
			state = (state*1103515245 + 12345) & 0x7fffffff
			vec[i] += float32(state)/float32(0x40000000) - 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
