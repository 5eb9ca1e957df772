// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package vectorindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1.0},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0.0},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, -1.0},
		{"scaled", []float32{2, 0, 0}, []float32{5, 0, 0}, 1.0},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 0, 0}, 0.0},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0.0},
		{"empty", nil, nil, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestSimilarityScore(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, similarityScore(1), 1e-9)
	assert.InDelta(t, 0.5, similarityScore(0), 1e-9)
	assert.InDelta(t, 0.0, similarityScore(-1), 1e-9)

	// Floating point drift outside [-1, 1] is clamped.
	assert.Equal(t, 1.0, similarityScore(1.0000001))
	assert.Equal(t, 0.0, similarityScore(-1.0000001))
}

func TestLexicalScore(t *testing.T) {
	t.Parallel()

	// BM25 rank from FTS5 is negative for better matches.
	strong := lexicalScore(-10)
	weak := lexicalScore(-0.1)
	assert.Greater(t, strong, weak)
	assert.Greater(t, strong, 0.0)
	assert.Less(t, strong, 1.0)

	// Non-negative rank means no meaningful match.
	assert.Equal(t, 0.0, lexicalScore(0))
	assert.Equal(t, 0.0, lexicalScore(3))
}

func TestMeanVector(t *testing.T) {
	t.Parallel()

	t.Run("averages componentwise", func(t *testing.T) {
		t.Parallel()
		got := MeanVector([][]float32{
			{1, 0, 3},
			{3, 2, 1},
		})
		assert.Equal(t, []float32{2, 1, 2}, got)
	})

	t.Run("single vector is identity", func(t *testing.T) {
		t.Parallel()
		got := MeanVector([][]float32{{0.5, -0.5}})
		assert.Equal(t, []float32{0.5, -0.5}, got)
	})

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, MeanVector(nil))
		assert.Nil(t, MeanVector([][]float32{}))
	})

	t.Run("skips mismatched lengths", func(t *testing.T) {
		t.Parallel()
		got := MeanVector([][]float32{
			{2, 2},
			{1, 2, 3},
			{4, 4},
		})
		assert.Equal(t, []float32{3, 3}, got)
	})
}
