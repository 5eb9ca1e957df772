// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package vectorindex

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

var testDBCounter atomic.Int64

func newTestIndex(t *testing.T) Index {
	t.Helper()
	id := testDBCounter.Add(1)
	idx, err := NewSQLite(fmt.Sprintf("file:vectestdb_%d?mode=memory&cache=shared", id))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func scopeFor(orgID string) *tenancy.Scope {
	s := tenancy.NewScope(orgID)
	return &s
}

// vec produces a 4-dimensional unit-ish vector for tests.
func vec(a, b, c, d float32) []float32 {
	return []float32{a, b, c, d}
}

func toolEntry(id, text string, v []float32) Entry {
	return Entry{
		ID:     id,
		Vector: v,
		Payload: Payload{
			CapabilityID: id,
			Kind:         string(capability.KindTool),
			IsGlobal:     true,
			Text:         text,
		},
	}
}

func TestSQLiteIndex_UpsertAndCount(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, CollectionTools, []Entry{
		toolEntry("t1", "fetch content from a url", vec(1, 0, 0, 0)),
		toolEntry("t2", "read a file from disk", vec(0, 1, 0, 0)),
	})
	require.NoError(t, err)

	n, err := idx.Count(ctx, CollectionTools)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Other collections are untouched.
	n, err = idx.Count(ctx, CollectionSkills)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLiteIndex_UpsertOverwritesAndReindexes(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, CollectionTools, []Entry{
		toolEntry("t1", "original wording about kittens", vec(1, 0, 0, 0)),
	})
	require.NoError(t, err)

	err = idx.Upsert(ctx, CollectionTools, []Entry{
		toolEntry("t1", "updated wording about puppies", vec(0, 1, 0, 0)),
	})
	require.NoError(t, err)

	n, err := idx.Count(ctx, CollectionTools)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The FTS shadow table must follow the update: the old text no longer
	// matches, the new one does.
	results, err := idx.Search(ctx, CollectionTools, Query{Text: "kittens"}, 5, Filter{}, ModeLexical)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = idx.Search(ctx, CollectionTools, Query{Text: "puppies"}, 5, Filter{}, ModeLexical)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].ID)
}

func TestSQLiteIndex_Delete(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, CollectionTools, []Entry{
		toolEntry("t1", "fetch content from a url", vec(1, 0, 0, 0)),
		toolEntry("t2", "read a file from disk", vec(0, 1, 0, 0)),
	})
	require.NoError(t, err)

	require.NoError(t, idx.Delete(ctx, CollectionTools, []string{"t1", "missing"}))

	n, err := idx.Count(ctx, CollectionTools)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results, err := idx.Search(ctx, CollectionTools, Query{Text: "fetch url"}, 5, Filter{}, ModeLexical)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSQLiteIndex_Fetch(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, CollectionTools, []Entry{
		toolEntry("t1", "fetch content from a url", vec(1, 0, 0, 0)),
		toolEntry("t2", "read a file from disk", vec(0, 1, 0, 0)),
		toolEntry("t3", "send an email", vec(0, 0, 1, 0)),
	})
	require.NoError(t, err)

	entries, err := idx.Fetch(ctx, CollectionTools, []string{"t3", "t1", "missing"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "t1", entries[0].ID)
	assert.Equal(t, vec(1, 0, 0, 0), entries[0].Vector)
	assert.Equal(t, "t3", entries[1].ID)

	entries, err = idx.Fetch(ctx, CollectionTools, nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLiteIndex_LexicalSearch(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, CollectionTools, []Entry{
		toolEntry("t1", "create a calendar event with attendees", nil),
		toolEntry("t2", "delete a calendar event", nil),
		toolEntry("t3", "send an email message", nil),
	})
	require.NoError(t, err)

	t.Run("matches tokens", func(t *testing.T) {
		t.Parallel()

		results, err := idx.Search(ctx, CollectionTools, Query{Text: "calendar"}, 5, Filter{}, ModeLexical)
		require.NoError(t, err)
		require.Len(t, results, 2)
		for _, r := range results {
			assert.Greater(t, r.Score, 0.0)
			assert.LessOrEqual(t, r.Score, 1.0)
		}
	})

	t.Run("respects k", func(t *testing.T) {
		t.Parallel()

		results, err := idx.Search(ctx, CollectionTools, Query{Text: "calendar"}, 1, Filter{}, ModeLexical)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})

	t.Run("blank query returns nothing", func(t *testing.T) {
		t.Parallel()

		results, err := idx.Search(ctx, CollectionTools, Query{Text: "   "}, 5, Filter{}, ModeLexical)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("operator characters are neutralized", func(t *testing.T) {
		t.Parallel()

		for _, q := range []string{`"calendar`, `cal* AND NOT`, `(event)`, `email OR`} {
			_, err := idx.Search(ctx, CollectionTools, Query{Text: q}, 5, Filter{}, ModeLexical)
			require.NoError(t, err, "query %q should not error", q)
		}
	})
}

func TestSQLiteIndex_VectorSearch(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, CollectionTools, []Entry{
		toolEntry("t1", "alpha", vec(1, 0, 0, 0)),
		toolEntry("t2", "beta", vec(0, 1, 0, 0)),
		toolEntry("t3", "gamma", vec(0.9, 0.1, 0, 0)),
		toolEntry("no-embedding", "delta", nil),
	})
	require.NoError(t, err)

	results, err := idx.Search(ctx, CollectionTools, Query{Vector: vec(1, 0, 0, 0)}, 10, Filter{}, ModeVector)
	require.NoError(t, err)

	// The entry without an embedding never appears.
	require.Len(t, results, 3)
	assert.Equal(t, "t1", results[0].ID)
	assert.Equal(t, "t3", results[1].ID)
	assert.Equal(t, "t2", results[2].ID)

	// Scores are normalized similarities in [0, 1], non-increasing.
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	for i := range results {
		assert.GreaterOrEqual(t, results[i].Score, 0.0)
		assert.LessOrEqual(t, results[i].Score, 1.0)
		if i > 0 {
			assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
		}
	}
}

func TestSQLiteIndex_HybridSearch(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	ctx := context.Background()

	// t1 matches both legs for the query; t2 only the vector leg; t3 only
	// the lexical leg.
	err := idx.Upsert(ctx, CollectionTools, []Entry{
		toolEntry("t1", "schedule a meeting", vec(1, 0, 0, 0)),
		toolEntry("t2", "arrange an appointment", vec(0.95, 0.05, 0, 0)),
		toolEntry("t3", "meeting minutes formatter", vec(0, 0, 1, 0)),
	})
	require.NoError(t, err)

	results, err := idx.Search(ctx, CollectionTools,
		Query{Text: "meeting", Vector: vec(1, 0, 0, 0)}, 10, Filter{}, ModeHybrid)
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, "t1", results[0].ID, "dual-leg match should rank first")

	ids := []string{results[0].ID, results[1].ID, results[2].ID}
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, ids)
}

func TestSQLiteIndex_TenancyFilter(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	ctx := context.Background()

	entries := []Entry{
		toolEntry("global-tool", "shared utility widget", vec(1, 0, 0, 0)),
		toolEntry("acme-tool", "acme private widget", vec(1, 0, 0, 0)),
		toolEntry("umbrella-tool", "umbrella private widget", vec(1, 0, 0, 0)),
	}
	entries[1].Payload.IsGlobal = false
	entries[1].Payload.OrgID = "acme"
	entries[2].Payload.IsGlobal = false
	entries[2].Payload.OrgID = "umbrella"
	require.NoError(t, idx.Upsert(ctx, CollectionTools, entries))

	tests := []struct {
		name  string
		scope *tenancy.Scope
		want  []string
	}{
		{
			name:  "org sees global plus own",
			scope: scopeFor("acme"),
			want:  []string{"acme-tool", "global-tool"},
		},
		{
			name:  "other org never sees foreign rows",
			scope: scopeFor("umbrella"),
			want:  []string{"global-tool", "umbrella-tool"},
		},
		{
			name:  "anonymous sees global only",
			scope: scopeFor(""),
			want:  []string{"global-tool"},
		},
		{
			name:  "nil scope disables the predicate",
			scope: nil,
			want:  []string{"acme-tool", "global-tool", "umbrella-tool"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			results, err := idx.Search(ctx, CollectionTools,
				Query{Text: "widget"}, 10, Filter{Scope: tt.scope}, ModeLexical)
			require.NoError(t, err)

			got := make([]string, 0, len(results))
			for _, r := range results {
				got = append(got, r.ID)
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestSQLiteIndex_PayloadFilters(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	ctx := context.Background()

	e1 := toolEntry("t1", "query a database table", vec(1, 0, 0, 0))
	e1.Payload.SkillIDs = []string{"data_access", "sql"}
	e1.Payload.ServerID = "srv-db"

	e2 := toolEntry("t2", "query a rest endpoint", vec(1, 0, 0, 0))
	e2.Payload.SkillIDs = []string{"http"}
	e2.Payload.ServerID = "srv-http"

	e3 := toolEntry("t3", "query internal settings", vec(1, 0, 0, 0))
	e3.Payload.SkillIDs = []string{"admin"}
	// internal capability, no server

	p := toolEntry("p1", "query template prompt", vec(1, 0, 0, 0))
	p.Payload.Kind = string(capability.KindPrompt)

	require.NoError(t, idx.Upsert(ctx, CollectionTools, []Entry{e1, e2, e3, p}))

	search := func(t *testing.T, f Filter) []string {
		t.Helper()
		results, err := idx.Search(ctx, CollectionTools, Query{Text: "query"}, 10, f, ModeLexical)
		require.NoError(t, err)
		ids := make([]string, 0, len(results))
		for _, r := range results {
			ids = append(ids, r.ID)
		}
		return ids
	}

	t.Run("kind", func(t *testing.T) {
		t.Parallel()
		assert.ElementsMatch(t, []string{"p1"}, search(t, Filter{Kind: string(capability.KindPrompt)}))
	})

	t.Run("skill overlap", func(t *testing.T) {
		t.Parallel()
		assert.ElementsMatch(t, []string{"t1", "t2"},
			search(t, Filter{SkillIDs: []string{"sql", "http"}}))
	})

	t.Run("server ids keep internal entries", func(t *testing.T) {
		t.Parallel()
		assert.ElementsMatch(t, []string{"t1", "t3", "p1"},
			search(t, Filter{ServerIDs: []string{"srv-db"}}))
	})

	t.Run("empty server list keeps only internal entries", func(t *testing.T) {
		t.Parallel()
		assert.ElementsMatch(t, []string{"t3", "p1"},
			search(t, Filter{ServerIDs: []string{}}))
	})

	t.Run("explicit ids", func(t *testing.T) {
		t.Parallel()
		assert.ElementsMatch(t, []string{"t2"},
			search(t, Filter{IDs: []string{"t2"}}))
	})

	t.Run("filters compose", func(t *testing.T) {
		t.Parallel()
		assert.ElementsMatch(t, []string{"t1"},
			search(t, Filter{Kind: string(capability.KindTool), SkillIDs: []string{"sql"}, ServerIDs: []string{"srv-db"}}))
	})
}

func TestSQLiteIndex_DeterministicTieBreak(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	ctx := context.Background()

	// Identical vectors produce identical scores; order must fall back to id.
	err := idx.Upsert(ctx, CollectionTools, []Entry{
		toolEntry("zz", "same", vec(1, 0, 0, 0)),
		toolEntry("aa", "same", vec(1, 0, 0, 0)),
		toolEntry("mm", "same", vec(1, 0, 0, 0)),
	})
	require.NoError(t, err)

	for range 3 {
		results, err := idx.Search(ctx, CollectionTools,
			Query{Vector: vec(1, 0, 0, 0)}, 10, Filter{}, ModeVector)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, "aa", results[0].ID)
		assert.Equal(t, "mm", results[1].ID)
		assert.Equal(t, "zz", results[2].ID)
	}
}

func TestSQLiteIndex_SkillsCollection(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	ctx := context.Background()

	centroid := Entry{
		ID:     "data_access",
		Vector: vec(0, 1, 0, 0),
		Payload: Payload{
			CapabilityID: "data_access",
			IsGlobal:     true,
			Text:         "data access reading and writing records",
			ToolCount:    4,
		},
	}
	require.NoError(t, idx.Upsert(ctx, CollectionSkills, []Entry{centroid}))

	results, err := idx.Search(ctx, CollectionSkills,
		Query{Vector: vec(0, 1, 0, 0)}, 3, Filter{}, ModeVector)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "data_access", results[0].ID)
	assert.Equal(t, 4, results[0].Payload.ToolCount)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestSanitizeFTS5Query(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
		{"single word", "calendar", `"calendar"`},
		{"multi word", "send email", `"send" OR "email"`},
		{"problematic word forces phrase", "tool for email", `"tool for email"`},
		{"quotes escaped", `say "hello"`, `"say" OR """hello"""`},
		{"operators quoted", "a AND b", `"a" OR "AND" OR "b"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, sanitizeFTS5Query(tt.query))
		})
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	t.Parallel()

	original := []float32{0.25, -1.5, 3.14159, 0, -0.001}
	decoded := decodeEmbedding(encodeEmbedding(original))
	require.Len(t, decoded, len(original))
	for i := range original {
		assert.Equal(t, original[i], decoded[i])
	}
}
