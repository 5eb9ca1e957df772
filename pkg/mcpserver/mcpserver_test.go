// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/registry/sqlite"
	"github.com/capgate-io/capgate/pkg/search"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

type fakeSearcher struct {
	lastReq search.Request
	resp    *search.Response
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, _ tenancy.Scope, req search.Request) (*search.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeCaller struct {
	lastName string
	lastArgs map[string]any
	result   *capability.CallResult
	routedTo string
	err      error
}

func (f *fakeCaller) Call(_ context.Context, _ *tenancy.Scope, name string, args map[string]any) (*capability.CallResult, string, error) {
	f.lastName = name
	f.lastArgs = args
	if f.err != nil {
		return nil, "", f.err
	}
	return f.result, f.routedTo, nil
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(t.Context(), filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// handle sends one JSON-RPC request through the protocol server and
// decodes the reply, the same path the SSE message endpoint uses.
func handle(t *testing.T, s *Server, method string, params any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	resp := s.mcp.HandleMessage(t.Context(), raw)
	encoded, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Nil(t, decoded["error"], "rpc error: %v", decoded["error"])
	result, ok := decoded["result"].(map[string]any)
	require.True(t, ok, "response has no result: %s", encoded)
	return result
}

func listedToolNames(t *testing.T, s *Server) []string {
	t.Helper()
	result := handle(t, s, "tools/list", map[string]any{})
	tools, ok := result["tools"].([]any)
	require.True(t, ok)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		m, ok := tool.(map[string]any)
		require.True(t, ok)
		names = append(names, m["name"].(string))
	}
	return names
}

func TestMetaToolsAlwaysAdvertised(t *testing.T) {
	s := New(newStore(t), &fakeSearcher{}, &fakeCaller{}, Config{})

	names := listedToolNames(t, s)
	assert.Contains(t, names, toolSearchCapabilities)
	assert.Contains(t, names, toolCallCapability)
}

func TestRefreshToolsAdvertisesGlobalCatalog(t *testing.T) {
	store := newStore(t)
	s := New(store, &fakeSearcher{}, &fakeCaller{}, Config{})

	global := &capability.Tool{Record: capability.Record{
		Name:        "create_event",
		Description: "Create a calendar event",
		IsGlobal:    true,
		Origin:      capability.OriginInternal,
		Active:      true,
	}}
	require.NoError(t, store.CreateTool(t.Context(), global))

	orgScoped := &capability.Tool{Record: capability.Record{
		Name:        "sales_report",
		Description: "Org A sales report",
		OrgID:       "org-a",
		Origin:      capability.OriginInternal,
		Active:      true,
	}}
	require.NoError(t, store.CreateTool(t.Context(), orgScoped))

	require.NoError(t, s.RefreshTools(t.Context()))

	names := listedToolNames(t, s)
	assert.Contains(t, names, "create_event")
	assert.NotContains(t, names, "sales_report", "org-scoped tools are not in the static advertisement")

	// Deactivation drops the tool on the next refresh.
	global.Active = false
	require.NoError(t, store.UpdateTool(t.Context(), global))
	require.NoError(t, s.RefreshTools(t.Context()))
	assert.NotContains(t, listedToolNames(t, s), "create_event")
}

func TestRefreshToolsIsIdempotent(t *testing.T) {
	store := newStore(t)
	s := New(store, &fakeSearcher{}, &fakeCaller{}, Config{})

	tool := &capability.Tool{Record: capability.Record{
		Name:     "weather_get",
		IsGlobal: true,
		Origin:   capability.OriginInternal,
		Active:   true,
	}}
	require.NoError(t, store.CreateTool(t.Context(), tool))

	require.NoError(t, s.RefreshTools(t.Context()))
	require.NoError(t, s.RefreshTools(t.Context()))

	var count int
	for _, name := range listedToolNames(t, s) {
		if name == "weather_get" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestSearchCapabilitiesMetaTool(t *testing.T) {
	searcher := &fakeSearcher{resp: &search.Response{
		Skills: []search.SkillMatch{
			{ID: "calendar_management", Name: "Calendar Management", Score: 0.92, ToolCount: 3},
		},
		Matches: []search.Match{
			{
				Name:           "create_event",
				Description:    "Create a calendar event",
				Score:          0.88,
				PrimarySkillID: "calendar_management",
			},
			{
				Name:         "gh.create_issue",
				Score:        0.61,
				SourceServer: &search.SourceServer{ID: "srv-1", Name: "gh"},
			},
		},
		TokenMetrics: search.TokenMetrics{BaselineTokens: 4000, ReturnedTokens: 200, SavingsPercent: 95},
		Metadata:     search.Metadata{StrategyUsed: search.StrategyHierarchical},
	}}
	s := New(newStore(t), searcher, &fakeCaller{}, Config{})

	result := handle(t, s, "tools/call", map[string]any{
		"name": toolSearchCapabilities,
		"arguments": map[string]any{
			"query": "schedule a meeting with John tomorrow",
			"limit": 2,
		},
	})

	content, ok := result["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 1)
	text := content[0].(map[string]any)["text"].(string)

	var payload metaSearchResult
	require.NoError(t, json.Unmarshal([]byte(text), &payload))
	require.Len(t, payload.MatchedSkills, 1)
	assert.Equal(t, "calendar_management", payload.MatchedSkills[0].ID)
	require.Len(t, payload.Tools, 2)
	assert.Equal(t, "create_event", payload.Tools[0].Name)
	assert.Equal(t, "gh", payload.Tools[1].SourceServer)
	assert.Equal(t, "hierarchical", payload.StrategyUsed)
	assert.Equal(t, float64(95), payload.TokenMetrics.SavingsPercent)

	assert.Equal(t, "schedule a meeting with John tomorrow", searcher.lastReq.Query)
	assert.Equal(t, 2, searcher.lastReq.Limit)
}

func TestCallCapabilityMetaTool(t *testing.T) {
	caller := &fakeCaller{
		result: &capability.CallResult{
			Content: []capability.Content{{Type: "text", Text: "issue created"}},
		},
		routedTo: "gh",
	}
	s := New(newStore(t), &fakeSearcher{}, caller, Config{})

	result := handle(t, s, "tools/call", map[string]any{
		"name": toolCallCapability,
		"arguments": map[string]any{
			"name":      "gh.create_issue",
			"arguments": map[string]any{"title": "bug"},
		},
	})

	assert.Equal(t, "gh.create_issue", caller.lastName)
	assert.Equal(t, map[string]any{"title": "bug"}, caller.lastArgs)

	content := result["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, "issue created", content[0].(map[string]any)["text"])

	meta, ok := result["_meta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gh", meta["routed_to"])
}

func TestCallCapabilityFailureIsToolError(t *testing.T) {
	caller := &fakeCaller{err: fmt.Errorf("server %q is not connected", "gh")}
	s := New(newStore(t), &fakeSearcher{}, caller, Config{})

	result := handle(t, s, "tools/call", map[string]any{
		"name": toolCallCapability,
		"arguments": map[string]any{
			"name": "gh.create_issue",
		},
	})

	isError, _ := result["isError"].(bool)
	assert.True(t, isError)
}

func TestCallCapabilityRequiresName(t *testing.T) {
	s := New(newStore(t), &fakeSearcher{}, &fakeCaller{}, Config{})

	result := handle(t, s, "tools/call", map[string]any{
		"name":      toolCallCapability,
		"arguments": map[string]any{},
	})
	isError, _ := result["isError"].(bool)
	assert.True(t, isError)
}

func TestForwardedToolRoutesByRegisteredName(t *testing.T) {
	store := newStore(t)
	caller := &fakeCaller{
		result:   &capability.CallResult{Content: []capability.Content{{Type: "text", Text: "ok"}}},
		routedTo: "gh",
	}
	s := New(store, &fakeSearcher{}, caller, Config{})

	tool := &capability.Tool{
		Record: capability.Record{
			Name:     "gh.create_issue",
			IsGlobal: true,
			Origin:   capability.OriginExternal,
			ServerID: "srv-1",
			Active:   true,
		},
		OriginalName: "create_issue",
		InputSchema:  map[string]any{"type": "object"},
	}
	require.NoError(t, store.CreateTool(t.Context(), tool))
	require.NoError(t, s.RefreshTools(t.Context()))

	handle(t, s, "tools/call", map[string]any{
		"name":      "gh.create_issue",
		"arguments": map[string]any{"title": "bug"},
	})
	assert.Equal(t, "gh.create_issue", caller.lastName)
}

func TestContentConversion(t *testing.T) {
	result := toCallToolResult(&capability.CallResult{
		Content: []capability.Content{
			{Type: "text", Text: "hello"},
			{Type: "image", Data: "aGk=", MimeType: "image/png"},
			{Type: "resource", URI: "memory://notes/1"},
		},
		StructuredContent: map[string]any{"ok": true},
		IsError:           false,
		Meta:              map[string]any{"upstream": "value"},
	}, "gh")

	require.Len(t, result.Content, 3)
	assert.Equal(t, map[string]any{"ok": true}, result.StructuredContent)
	require.NotNil(t, result.Meta)
	assert.Equal(t, "gh", result.Meta.AdditionalFields["routed_to"])
	assert.Equal(t, "value", result.Meta.AdditionalFields["upstream"])
}
