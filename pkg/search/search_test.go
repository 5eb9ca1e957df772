// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/embedding"
	"github.com/capgate-io/capgate/pkg/registry/sqlite"
	"github.com/capgate-io/capgate/pkg/schemacache"
	"github.com/capgate-io/capgate/pkg/tenancy"
	"github.com/capgate-io/capgate/pkg/vectorindex"
)

var testDBCounter atomic.Int64

// Test geometry: scores are (cos+1)/2, so identical directions score 1.0
// and orthogonal ones 0.5. Requests pin thresholds at 0.9/0.6 so only the
// intended axis matches.
var (
	vecFiles     = []float32{1, 0, 0, 0}
	vecNet       = []float32{0, 1, 0, 0}
	vecMystery   = []float32{0, 0, 0, 1}
	vecNearFiles = []float32{0.9, 0.1, 0, 0}
)

// stubEmbedder returns canned vectors per query text; unknown queries land
// on the mystery axis, far from every seeded centroid.
type stubEmbedder struct {
	embedding.Client
}

func (*stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	switch text {
	case "find files":
		return vecFiles, nil
	case "search files":
		return vecNearFiles, nil
	case "network requests":
		return vecNet, nil
	default:
		return vecMystery, nil
	}
}

// failingIndex fails searches against one collection and passes everything
// else through.
type failingIndex struct {
	vectorindex.Index
	failCollection string
}

func (f *failingIndex) Search(ctx context.Context, collection string, q vectorindex.Query, k int, filter vectorindex.Filter, mode vectorindex.Mode) ([]vectorindex.Result, error) {
	if collection == f.failCollection {
		return nil, fmt.Errorf("simulated index failure")
	}
	return f.Index.Search(ctx, collection, q, k, filter, mode)
}

// slowIndex blocks searches against one collection until the context ends.
type slowIndex struct {
	vectorindex.Index
	slowCollection string
}

func (s *slowIndex) Search(ctx context.Context, collection string, q vectorindex.Query, k int, filter vectorindex.Filter, mode vectorindex.Mode) ([]vectorindex.Result, error) {
	if collection == s.slowCollection {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.Index.Search(ctx, collection, q, k, filter, mode)
}

type stubLiveness struct {
	down map[string]bool
}

func (s *stubLiveness) IsLive(serverID string) bool {
	return !s.down[serverID]
}

type fixture struct {
	store *sqlite.Store
	index vectorindex.Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(t.Context(), filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	id := testDBCounter.Add(1)
	idx, err := vectorindex.NewSQLite(fmt.Sprintf("file:searchtestdb_%d?mode=memory&cache=shared", id))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	return &fixture{store: store, index: idx}
}

func (f *fixture) service(cfg Config, opts ...Option) *Service {
	return New(f.store, f.index, &stubEmbedder{}, cfg, opts...)
}

// baseRequest pins thresholds to the test geometry and a literal limit
// (the zero value means "no capabilities").
func baseRequest(query string) Request {
	return Request{
		Query:          query,
		Limit:          5,
		SkillThreshold: 0.9,
		ToolThreshold:  0.6,
	}
}

func seedSkill(t *testing.T, f *fixture, id, name string, vec []float32) {
	t.Helper()
	require.NoError(t, f.store.UpsertSkill(t.Context(), &capability.SkillCategory{
		ID:          id,
		Name:        name,
		Description: name + " operations",
		Active:      true,
	}))
	require.NoError(t, f.index.Upsert(t.Context(), vectorindex.CollectionSkills, []vectorindex.Entry{{
		ID:     id,
		Vector: vec,
		Payload: vectorindex.Payload{
			CapabilityID: id,
			Kind:         "skill",
			IsGlobal:     true,
			Text:         name,
		},
	}}))
}

func seedServer(t *testing.T, f *fixture, id, name string, status capability.ServerStatus) {
	t.Helper()
	require.NoError(t, f.store.CreateServer(t.Context(), &capability.ServerRecord{
		ID:        id,
		Name:      name,
		Transport: capability.TransportHTTP,
		URL:       "http://127.0.0.1:9",
		IsGlobal:  true,
	}))
	require.NoError(t, f.store.UpdateServerStatus(t.Context(), id, status, time.Now(), 0))
}

type toolSeed struct {
	id           string
	name         string
	description  string
	vec          []float32
	primarySkill string
	skills       []string
	orgID        string
	serverID     string
	originalName string
	schema       map[string]any
}

// seedTool writes a registry row and its index entry directly, standing in
// for a completed sync pass.
func seedTool(t *testing.T, f *fixture, ts toolSeed) {
	t.Helper()
	origin := capability.OriginInternal
	if ts.serverID != "" {
		origin = capability.OriginExternal
	}
	tool := &capability.Tool{
		Record: capability.Record{
			ID:           ts.id,
			Name:         ts.name,
			Description:  ts.description,
			IsGlobal:     ts.orgID == "",
			OrgID:        ts.orgID,
			Origin:       origin,
			ServerID:     ts.serverID,
			Active:       true,
			IsClassified: ts.primarySkill != "",
			SyncState:    capability.SyncStateIndexed,
		},
		InputSchema:  ts.schema,
		OriginalName: ts.originalName,
	}
	require.NoError(t, f.store.CreateTool(t.Context(), tool))
	require.NoError(t, f.index.Upsert(t.Context(), vectorindex.CollectionTools, []vectorindex.Entry{{
		ID:     ts.id,
		Vector: ts.vec,
		Payload: vectorindex.Payload{
			CapabilityID:   ts.id,
			Kind:           "tool",
			SkillIDs:       ts.skills,
			PrimarySkillID: ts.primarySkill,
			OrgID:          ts.orgID,
			IsGlobal:       ts.orgID == "",
			ServerID:       ts.serverID,
			Text:           ts.name + " : " + ts.description,
		},
	}}))
}

// seedScene builds the canonical fixture: two skills, an internal file
// tool, an internal network tool and one external file-search tool on a
// connected server.
func seedScene(t *testing.T, f *fixture) {
	t.Helper()
	seedSkill(t, f, "file_ops", "File operations", vecFiles)
	seedSkill(t, f, "net_ops", "Network operations", vecNet)
	seedServer(t, f, "srv-fs", "fs", capability.ServerConnected)
	seedTool(t, f, toolSeed{
		id: "t-read", name: "read_file", description: "Read a file from disk",
		vec: vecFiles, primarySkill: "file_ops", skills: []string{"file_ops"},
		schema: map[string]any{"type": "object"},
	})
	seedTool(t, f, toolSeed{
		id: "t-http", name: "http_get", description: "Perform an HTTP GET",
		vec: vecNet, primarySkill: "net_ops", skills: []string{"net_ops"},
	})
	seedTool(t, f, toolSeed{
		id: "t-search", name: "fs.search_files", description: "Search files by glob",
		vec: vecNearFiles, primarySkill: "file_ops", skills: []string{"file_ops"},
		serverID: "srv-fs", originalName: "search_files",
		schema: map[string]any{"type": "object", "properties": map[string]any{"glob": map[string]any{"type": "string"}}},
	})
}

func TestHierarchicalReturnsSkillScopedMatches(t *testing.T) {
	f := newFixture(t)
	seedScene(t, f)
	svc := f.service(Config{})

	resp, err := svc.Search(t.Context(), tenancy.Scope{}, baseRequest("find files"))
	require.NoError(t, err)

	assert.Equal(t, StrategyHierarchical, resp.Metadata.StrategyUsed)
	assert.Empty(t, resp.Metadata.FallbackReason)
	assert.False(t, resp.Metadata.Partial)
	assert.Equal(t, []string{"file_ops"}, resp.Metadata.SkillIDsUsed)
	assert.Equal(t, []string{"fs"}, resp.Metadata.ServersSearched)
	assert.Positive(t, resp.Metadata.Took)

	require.Len(t, resp.Skills, 1)
	assert.Equal(t, "file_ops", resp.Skills[0].ID)
	assert.InDelta(t, 1.0, resp.Skills[0].Score, 1e-6)

	require.Len(t, resp.Matches, 2)
	assert.Equal(t, "t-read", resp.Matches[0].ID)
	assert.Equal(t, capability.KindTool, resp.Matches[0].Kind)
	assert.Equal(t, "file_ops", resp.Matches[0].PrimarySkillID)
	assert.Nil(t, resp.Matches[0].SourceServer)

	assert.Equal(t, "t-search", resp.Matches[1].ID)
	require.NotNil(t, resp.Matches[1].SourceServer)
	assert.Equal(t, "srv-fs", resp.Matches[1].SourceServer.ID)
	assert.Equal(t, "fs", resp.Matches[1].SourceServer.Name)
	assert.Equal(t, capability.ServerConnected, resp.Matches[1].SourceServer.Status)
	assert.Greater(t, resp.Matches[0].Score, resp.Matches[1].Score)

	// No schemas were requested, so the returned set is far cheaper than
	// serializing the catalog.
	assert.Positive(t, resp.TokenMetrics.BaselineTokens)
	assert.Positive(t, resp.TokenMetrics.ReturnedTokens)
	assert.Positive(t, resp.TokenMetrics.SavingsPercent)
	assert.Nil(t, resp.Matches[0].InputSchema)
}

func TestFallsBackToDirectWhenNoSkillMatches(t *testing.T) {
	f := newFixture(t)
	seedScene(t, f)
	seedTool(t, f, toolSeed{
		id: "t-myst", name: "answer_anything", description: "Answer arbitrary questions",
		vec: vecMystery,
	})
	svc := f.service(Config{})

	resp, err := svc.Search(t.Context(), tenancy.Scope{}, baseRequest("what is the answer"))
	require.NoError(t, err)

	assert.Equal(t, StrategyDirect, resp.Metadata.StrategyUsed)
	assert.Equal(t, "no skills matched the query", resp.Metadata.FallbackReason)
	assert.Empty(t, resp.Skills)
	assert.Empty(t, resp.Metadata.SkillIDsUsed)

	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "t-myst", resp.Matches[0].ID)
}

func TestSkillStageErrorFallsBackToDirect(t *testing.T) {
	f := newFixture(t)
	seedScene(t, f)
	idx := &failingIndex{Index: f.index, failCollection: vectorindex.CollectionSkills}
	svc := New(f.store, idx, &stubEmbedder{}, Config{})

	resp, err := svc.Search(t.Context(), tenancy.Scope{}, baseRequest("find files"))
	require.NoError(t, err)

	assert.Equal(t, StrategyDirect, resp.Metadata.StrategyUsed)
	assert.Contains(t, resp.Metadata.FallbackReason, "skill stage error")
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, "t-read", resp.Matches[0].ID)
	assert.Equal(t, "t-search", resp.Matches[1].ID)
}

func TestSkillsOnlyStrategy(t *testing.T) {
	f := newFixture(t)
	seedScene(t, f)
	svc := f.service(Config{})

	req := baseRequest("find files")
	req.Strategy = StrategySkillsOnly
	req.SkillThreshold = 0.4

	resp, err := svc.Search(t.Context(), tenancy.Scope{}, req)
	require.NoError(t, err)

	assert.Equal(t, StrategySkillsOnly, resp.Metadata.StrategyUsed)
	assert.Empty(t, resp.Matches)
	require.Len(t, resp.Skills, 2)
	assert.Equal(t, "file_ops", resp.Skills[0].ID)
	assert.Equal(t, "net_ops", resp.Skills[1].ID)
	assert.Greater(t, resp.Skills[0].Score, resp.Skills[1].Score)
	assert.Zero(t, resp.TokenMetrics.BaselineTokens)
}

func TestTenancyIsolation(t *testing.T) {
	f := newFixture(t)
	seedSkill(t, f, "file_ops", "File operations", vecFiles)
	seedTool(t, f, toolSeed{
		id: "t-global", name: "read_file", description: "Read a file",
		vec: vecFiles, primarySkill: "file_ops", skills: []string{"file_ops"},
	})
	seedTool(t, f, toolSeed{
		id: "t-acme", name: "acme_reader", description: "Read acme files",
		vec: vecFiles, primarySkill: "file_ops", skills: []string{"file_ops"},
		orgID: "acme",
	})
	svc := f.service(Config{})

	anon, err := svc.Search(t.Context(), tenancy.Scope{}, baseRequest("find files"))
	require.NoError(t, err)
	require.Len(t, anon.Matches, 1)
	assert.Equal(t, "t-global", anon.Matches[0].ID)

	acme, err := svc.Search(t.Context(), tenancy.NewScope("acme"), baseRequest("find files"))
	require.NoError(t, err)
	require.Len(t, acme.Matches, 2)
	assert.Equal(t, "t-acme", acme.Matches[0].ID)
	assert.Equal(t, "t-global", acme.Matches[1].ID)

	other, err := svc.Search(t.Context(), tenancy.NewScope("other"), baseRequest("find files"))
	require.NoError(t, err)
	require.Len(t, other.Matches, 1)
	assert.Equal(t, "t-global", other.Matches[0].ID)
}

func TestNonConnectableServerExcluded(t *testing.T) {
	f := newFixture(t)
	seedScene(t, f)
	seedServer(t, f, "srv-down", "down", capability.ServerError)
	seedTool(t, f, toolSeed{
		id: "t-down", name: "down.read_file", description: "Read a file remotely",
		vec: vecFiles, primarySkill: "file_ops", skills: []string{"file_ops"},
		serverID: "srv-down", originalName: "read_file",
	})
	svc := f.service(Config{})

	resp, err := svc.Search(t.Context(), tenancy.Scope{}, baseRequest("find files"))
	require.NoError(t, err)

	assert.Equal(t, []string{"fs"}, resp.Metadata.ServersSearched)
	for _, m := range resp.Matches {
		assert.NotEqual(t, "t-down", m.ID)
	}
}

func TestLivenessVetoTopsUpFromNextCandidate(t *testing.T) {
	f := newFixture(t)
	seedScene(t, f)
	svc := f.service(Config{}, WithLiveness(&stubLiveness{down: map[string]bool{"srv-fs": true}}))

	// The external tool is the best hit for this query, but its session is
	// gone; the next-best internal tool fills the slot.
	req := baseRequest("search files")
	req.Limit = 1

	resp, err := svc.Search(t.Context(), tenancy.Scope{}, req)
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "t-read", resp.Matches[0].ID)
}

func TestServerFilterRestrictsResults(t *testing.T) {
	f := newFixture(t)
	seedScene(t, f)
	svc := f.service(Config{})

	byName := baseRequest("find files")
	byName.ServerFilter = []string{"fs"}
	resp, err := svc.Search(t.Context(), tenancy.Scope{}, byName)
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "t-search", resp.Matches[0].ID)
	assert.Equal(t, []string{"fs"}, resp.Metadata.ServersSearched)

	byID := baseRequest("find files")
	byID.ServerFilter = []string{"srv-fs"}
	resp, err = svc.Search(t.Context(), tenancy.Scope{}, byID)
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "t-search", resp.Matches[0].ID)

	unknown := baseRequest("find files")
	unknown.ServerFilter = []string{"ghost"}
	resp, err = svc.Search(t.Context(), tenancy.Scope{}, unknown)
	require.NoError(t, err)
	assert.Empty(t, resp.Matches)
	assert.Empty(t, resp.Metadata.ServersSearched)
}

func TestIncludeSchemasPrefersDiscoveryCache(t *testing.T) {
	f := newFixture(t)
	seedScene(t, f)

	mr := miniredis.RunT(t)
	cache := schemacache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = cache.Close() })

	cached := json.RawMessage(`{"type":"object","properties":{"glob":{"type":"string"},"root":{"type":"string"}}}`)
	require.NoError(t, cache.Put(t.Context(), "srv-fs", "search_files", schemacache.Entry{InputSchema: cached}))

	svc := f.service(Config{}, WithSchemaCache(cache))
	req := baseRequest("find files")
	req.IncludeSchemas = true

	resp, err := svc.Search(t.Context(), tenancy.Scope{}, req)
	require.NoError(t, err)
	require.Len(t, resp.Matches, 2)

	assert.JSONEq(t, `{"type":"object"}`, string(resp.Matches[0].InputSchema))
	assert.False(t, resp.Matches[0].SchemaOmitted)
	assert.JSONEq(t, string(cached), string(resp.Matches[1].InputSchema))
	assert.False(t, resp.Matches[1].SchemaOmitted)
}

func TestSchemaBudgetMarksOverflow(t *testing.T) {
	f := newFixture(t)
	seedScene(t, f)

	// t-read's schema costs 4 estimated tokens, t-search's around 20: the
	// first fits, the second overflows and everything after it is omitted.
	svc := f.service(Config{SchemaTokenCap: 10})
	req := baseRequest("find files")
	req.IncludeSchemas = true

	resp, err := svc.Search(t.Context(), tenancy.Scope{}, req)
	require.NoError(t, err)
	require.Len(t, resp.Matches, 2)

	assert.NotNil(t, resp.Matches[0].InputSchema)
	assert.False(t, resp.Matches[0].SchemaOmitted)
	assert.Nil(t, resp.Matches[1].InputSchema)
	assert.True(t, resp.Matches[1].SchemaOmitted)
}

func TestZeroLimitReturnsNoMatches(t *testing.T) {
	f := newFixture(t)
	seedScene(t, f)
	svc := f.service(Config{})

	req := baseRequest("find files")
	req.Limit = 0

	resp, err := svc.Search(t.Context(), tenancy.Scope{}, req)
	require.NoError(t, err)

	require.Len(t, resp.Skills, 1)
	assert.Empty(t, resp.Matches)
	assert.Zero(t, resp.TokenMetrics.ReturnedTokens)
	assert.InDelta(t, 100.0, resp.TokenMetrics.SavingsPercent, 1e-9)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	svc := f.service(Config{})

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"empty query", func(r *Request) { r.Query = "" }},
		{"negative limit", func(r *Request) { r.Limit = -1 }},
		{"negative skill limit", func(r *Request) { r.SkillLimit = -2 }},
		{"skill threshold above one", func(r *Request) { r.SkillThreshold = 1.2 }},
		{"negative tool threshold", func(r *Request) { r.ToolThreshold = -0.1 }},
		{"unknown strategy", func(r *Request) { r.Strategy = "fuzzy" }},
		{"unknown item type", func(r *Request) { r.ItemType = "gadget" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := baseRequest("find files")
			tc.mutate(&req)
			_, err := svc.Search(t.Context(), tenancy.Scope{}, req)
			require.Error(t, err)
			assert.Equal(t, apierror.KindValidation, apierror.KindOf(err))
		})
	}
}

func TestTieBreakPrefersPrimarySkillInMatchedSet(t *testing.T) {
	f := newFixture(t)
	seedSkill(t, f, "file_ops", "File operations", vecFiles)
	seedSkill(t, f, "net_ops", "Network operations", vecNet)
	seedTool(t, f, toolSeed{
		id: "t-aa", name: "fetch_file", description: "Fetch a file over the network",
		vec: vecFiles, primarySkill: "net_ops", skills: []string{"file_ops", "net_ops"},
	})
	seedTool(t, f, toolSeed{
		id: "t-zz", name: "write_file", description: "Write a file to disk",
		vec: vecFiles, primarySkill: "file_ops", skills: []string{"file_ops"},
	})
	svc := f.service(Config{})

	resp, err := svc.Search(t.Context(), tenancy.Scope{}, baseRequest("find files"))
	require.NoError(t, err)

	// Equal scores: the tool whose primary skill is in the matched set wins
	// despite sorting after by id.
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, "t-zz", resp.Matches[0].ID)
	assert.Equal(t, "t-aa", resp.Matches[1].ID)
}

func TestStaleRowsDroppedAtHydration(t *testing.T) {
	f := newFixture(t)
	seedScene(t, f)
	svc := f.service(Config{})

	// Deactivate one row and delete another; their index entries linger
	// until the next sync pass, but search must not surface them.
	require.NoError(t, f.store.SetActive(t.Context(), "t-read", false))
	require.NoError(t, f.store.DeleteTool(t.Context(), "t-search"))

	resp, err := svc.Search(t.Context(), tenancy.Scope{}, baseRequest("find files"))
	require.NoError(t, err)
	assert.Empty(t, resp.Matches)
}

func TestInvalidateRefreshesServerCache(t *testing.T) {
	f := newFixture(t)
	seedScene(t, f)
	svc := f.service(Config{})

	resp, err := svc.Search(t.Context(), tenancy.Scope{}, baseRequest("find files"))
	require.NoError(t, err)
	require.Len(t, resp.Matches, 2)

	// A status flip is invisible while the cached server list is fresh; in
	// production the liveness veto covers the gap and the sync pipeline
	// invalidates on every changing pass.
	require.NoError(t, f.store.UpdateServerStatus(t.Context(), "srv-fs", capability.ServerDisconnected, time.Now(), 0))

	resp, err = svc.Search(t.Context(), tenancy.Scope{}, baseRequest("find files"))
	require.NoError(t, err)
	assert.Len(t, resp.Matches, 2)

	svc.Invalidate()

	resp, err = svc.Search(t.Context(), tenancy.Scope{}, baseRequest("find files"))
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "t-read", resp.Matches[0].ID)
	assert.Empty(t, resp.Metadata.ServersSearched)
}

func TestTokenMetricsQuantifySavings(t *testing.T) {
	f := newFixture(t)
	seedScene(t, f)
	svc := f.service(Config{})

	req := baseRequest("find files")
	req.Limit = 1

	resp, err := svc.Search(t.Context(), tenancy.Scope{}, req)
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)

	wantReturned := docTokens("read_file", "Read a file from disk", nil)
	assert.Equal(t, wantReturned, resp.TokenMetrics.ReturnedTokens)

	readSchema, err := json.Marshal(map[string]any{"type": "object"})
	require.NoError(t, err)
	searchSchema, err := json.Marshal(map[string]any{"type": "object", "properties": map[string]any{"glob": map[string]any{"type": "string"}}})
	require.NoError(t, err)
	wantBaseline := docTokens("read_file", "Read a file from disk", readSchema) +
		docTokens("http_get", "Perform an HTTP GET", nil) +
		docTokens("fs.search_files", "Search files by glob", searchSchema)
	assert.Equal(t, wantBaseline, resp.TokenMetrics.BaselineTokens)

	wantSavings := float64(wantBaseline-wantReturned) / float64(wantBaseline) * 100
	assert.InDelta(t, wantSavings, resp.TokenMetrics.SavingsPercent, 1e-9)
}

func TestPromptSearchReturnsPromptMatches(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreatePrompt(t.Context(), &capability.Prompt{
		Record: capability.Record{
			ID:          "p-sum",
			Name:        "summarize",
			Description: "Summarize a document",
			IsGlobal:    true,
			Active:      true,
			SyncState:   capability.SyncStateIndexed,
		},
		Arguments: []capability.PromptArgument{{Name: "document", Required: true}},
		Template:  "Summarize: {{document}}",
	}))
	require.NoError(t, f.index.Upsert(t.Context(), vectorindex.CollectionTools, []vectorindex.Entry{{
		ID:     "p-sum",
		Vector: vecFiles,
		Payload: vectorindex.Payload{
			CapabilityID: "p-sum",
			Kind:         "prompt",
			IsGlobal:     true,
			Text:         "summarize : Summarize a document",
		},
	}}))
	svc := f.service(Config{})

	req := baseRequest("find files")
	req.ItemType = capability.KindPrompt
	req.Strategy = StrategyDirect

	resp, err := svc.Search(t.Context(), tenancy.Scope{}, req)
	require.NoError(t, err)

	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "p-sum", resp.Matches[0].ID)
	assert.Equal(t, capability.KindPrompt, resp.Matches[0].Kind)
	assert.Nil(t, resp.Matches[0].SourceServer)
	assert.Zero(t, resp.TokenMetrics.BaselineTokens)
}

func TestBudgetAndTimeoutSemantics(t *testing.T) {
	f := newFixture(t)
	seedScene(t, f)
	slowTools := &slowIndex{Index: f.index, slowCollection: vectorindex.CollectionTools}

	t.Run("total budget overrun degrades to partial", func(t *testing.T) {
		svc := New(f.store, slowTools, &stubEmbedder{}, Config{TotalBudget: 150 * time.Millisecond})
		resp, err := svc.Search(t.Context(), tenancy.Scope{}, baseRequest("find files"))
		require.NoError(t, err)
		assert.True(t, resp.Metadata.Partial)
		require.Len(t, resp.Skills, 1)
		assert.Empty(t, resp.Matches)
	})

	t.Run("stage timeout with budget remaining is a backend error", func(t *testing.T) {
		svc := New(f.store, slowTools, &stubEmbedder{}, Config{ToolTimeout: 50 * time.Millisecond, TotalBudget: 5 * time.Second})
		_, err := svc.Search(t.Context(), tenancy.Scope{}, baseRequest("find files"))
		require.Error(t, err)
		assert.Equal(t, apierror.KindSearchBackendError, apierror.KindOf(err))
	})

	t.Run("caller cancellation surfaces as cancelled", func(t *testing.T) {
		svc := New(f.store, slowTools, &stubEmbedder{}, Config{})
		ctx, cancel := context.WithCancel(t.Context())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()
		_, err := svc.Search(ctx, tenancy.Scope{}, baseRequest("find files"))
		require.Error(t, err)
		assert.Equal(t, apierror.KindRequestCancelled, apierror.KindOf(err))
	})
}
