// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package vectorindex

import "math"

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns a value in [-1, 1] where 1 means identical direction,
// 0 means orthogonal, and -1 means opposite direction. Vectors of
// different lengths are incomparable and score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// similarityScore maps cosine similarity onto [0, 1] so scores are
// comparable with lexical scores and stable across modes.
func similarityScore(cos float64) float64 {
	s := (cos + 1) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// lexicalScore maps an FTS5 BM25 rank onto [0, 1). SQLite reports rank as
// a negative number where more negative means a better match; the mapping
// is monotone in match quality.
func lexicalScore(rank float64) float64 {
	bm25 := -rank
	if bm25 <= 0 {
		return 0
	}
	return bm25 / (bm25 + 1)
}

// MeanVector computes the element-wise mean of the given vectors. Used for
// skill centroid embeddings. Vectors whose dimension differs from the first
// are skipped. Returns nil when no vector contributes.
func MeanVector(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	sum := make([]float64, dim)
	var n float64
	for _, v := range vecs {
		if len(v) != dim {
			continue
		}
		for i := range v {
			sum[i] += float64(v[i])
		}
		n++
	}
	if n == 0 {
		return nil
	}
	mean := make([]float32, dim)
	for i := range sum {
		mean[i] = float32(sum[i] / n)
	}
	return mean
}
