// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/capgate-io/capgate/pkg/api/v1/mocks"
	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/tenancy"
	"github.com/capgate-io/capgate/pkg/vectorindex"
)

// stubIndex records vector deletions; everything else is unused by the
// handlers.
type stubIndex struct {
	vectorindex.Index

	mu      sync.Mutex
	deleted []string
}

func (s *stubIndex) Delete(_ context.Context, _ string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ids...)
	return nil
}

func (s *stubIndex) deletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

func TestCreateTool(t *testing.T) {
	t.Parallel()

	t.Run("org-scoped create", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)
		ctrl := gomock.NewController(t)
		syncCtl := mocks.NewMockSyncControl(ctrl)
		syncCtl.EXPECT().Trigger().Times(1)
		router := ToolsRouter(store, &stubIndex{}, mocks.NewMockCaller(ctrl), syncCtl)

		body := `{"name":"summarize","description":"summarize text","input_schema":{"type":"object"}}`
		rec := serve(t, router, http.MethodPost, "/", body, "acme")

		var data toolResponse
		successData(t, rec, http.StatusCreated, &data)
		assert.NotEmpty(t, data.ID)
		assert.Equal(t, "summarize", data.Name)
		assert.Equal(t, capability.OriginInternal, data.Origin)
		assert.False(t, data.Global)
		assert.Equal(t, "acme", data.OrgID)
		assert.True(t, data.Active)
		assert.Equal(t, capability.SyncStateNew, data.SyncState)

		// The row is org-scoped: invisible without the org header.
		stored, err := store.GetTool(t.Context(), orgScopePtr("acme"), data.ID)
		require.NoError(t, err)
		assert.Equal(t, "acme", stored.OrgID)
		_, err = store.GetTool(t.Context(), orgScopePtr(""), data.ID)
		assert.ErrorIs(t, err, registry.ErrNotFound)
	})

	t.Run("global create without org header", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)
		ctrl := gomock.NewController(t)
		syncCtl := mocks.NewMockSyncControl(ctrl)
		syncCtl.EXPECT().Trigger().Times(1)
		router := ToolsRouter(store, &stubIndex{}, mocks.NewMockCaller(ctrl), syncCtl)

		rec := serve(t, router, http.MethodPost, "/", `{"name":"summarize"}`, "")

		var data toolResponse
		successData(t, rec, http.StatusCreated, &data)
		assert.True(t, data.Global)
		assert.Empty(t, data.OrgID)
	})

	t.Run("duplicate name in scope", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)
		seedTool(t, store, internalTool("summarize"))
		ctrl := gomock.NewController(t)
		router := ToolsRouter(store, &stubIndex{}, mocks.NewMockCaller(ctrl), mocks.NewMockSyncControl(ctrl))

		rec := serve(t, router, http.MethodPost, "/", `{"name":"summarize"}`, "")

		errorCode(t, rec, http.StatusConflict, "DuplicateName")
	})

	t.Run("empty name", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)
		ctrl := gomock.NewController(t)
		router := ToolsRouter(store, &stubIndex{}, mocks.NewMockCaller(ctrl), mocks.NewMockSyncControl(ctrl))

		rec := serve(t, router, http.MethodPost, "/", `{"name":""}`, "")

		errorCode(t, rec, http.StatusUnprocessableEntity, "ValidationError")
	})
}

func TestListTools(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	srv := globalServer("github")
	require.NoError(t, store.CreateServer(t.Context(), srv))
	seedTool(t, store, internalTool("summarize"))
	seedTool(t, store, externalTool("github.create_issue", srv.ID))
	inactive := internalTool("legacy")
	inactive.Active = false
	seedTool(t, store, inactive)

	ctrl := gomock.NewController(t)
	router := ToolsRouter(store, &stubIndex{}, mocks.NewMockCaller(ctrl), mocks.NewMockSyncControl(ctrl))

	type listBody struct {
		Tools []toolResponse `json:"tools"`
	}

	t.Run("all", func(t *testing.T) {
		t.Parallel()
		var data listBody
		successData(t, serve(t, router, http.MethodGet, "/", "", ""), http.StatusOK, &data)
		assert.Len(t, data.Tools, 3)
	})

	t.Run("origin filter", func(t *testing.T) {
		t.Parallel()
		var data listBody
		successData(t, serve(t, router, http.MethodGet, "/?origin=external", "", ""), http.StatusOK, &data)
		require.Len(t, data.Tools, 1)
		assert.Equal(t, "github.create_issue", data.Tools[0].Name)
		assert.Equal(t, srv.ID, data.Tools[0].ServerID)
	})

	t.Run("active only", func(t *testing.T) {
		t.Parallel()
		var data listBody
		successData(t, serve(t, router, http.MethodGet, "/?active_only=true", "", ""), http.StatusOK, &data)
		assert.Len(t, data.Tools, 2)
	})

	t.Run("server filter", func(t *testing.T) {
		t.Parallel()
		var data listBody
		successData(t, serve(t, router, http.MethodGet, "/?server_id="+srv.ID, "", ""), http.StatusOK, &data)
		require.Len(t, data.Tools, 1)
		assert.Equal(t, "github.create_issue", data.Tools[0].Name)
	})

	t.Run("unknown origin", func(t *testing.T) {
		t.Parallel()
		rec := serve(t, router, http.MethodGet, "/?origin=builtin", "", "")
		errorCode(t, rec, http.StatusUnprocessableEntity, "ValidationError")
	})
}

func TestGetTool(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	tool := seedTool(t, store, internalTool("summarize"))
	require.NoError(t, store.UpsertSkill(t.Context(), &capability.SkillCategory{
		ID: "text_ops", Name: "Text Operations", Active: true,
	}))
	require.NoError(t, store.SetSkillAssignments(t.Context(), tool.ID, []capability.SkillAssignment{
		{ToolID: tool.ID, SkillID: "text_ops", Confidence: 0.9},
	}))

	ctrl := gomock.NewController(t)
	router := ToolsRouter(store, &stubIndex{}, mocks.NewMockCaller(ctrl), mocks.NewMockSyncControl(ctrl))

	t.Run("found with assignments", func(t *testing.T) {
		t.Parallel()
		var data toolResponse
		successData(t, serve(t, router, http.MethodGet, "/"+tool.ID, "", ""), http.StatusOK, &data)
		assert.Equal(t, "summarize", data.Name)
		require.Len(t, data.Skills, 1)
		assert.Equal(t, "text_ops", data.Skills[0].SkillID)
		assert.True(t, data.Skills[0].Primary)
	})

	t.Run("unknown id", func(t *testing.T) {
		t.Parallel()
		rec := serve(t, router, http.MethodGet, "/nope", "", "")
		errorCode(t, rec, http.StatusNotFound, "NotFound")
	})

	t.Run("invisible across tenants", func(t *testing.T) {
		t.Parallel()
		orgTool := internalTool("acme_only")
		orgTool.IsGlobal = false
		orgTool.OrgID = "acme"
		seedTool(t, store, orgTool)

		errorCode(t, serve(t, router, http.MethodGet, "/"+orgTool.ID, "", "rival"),
			http.StatusNotFound, "NotFound")

		var data toolResponse
		successData(t, serve(t, router, http.MethodGet, "/"+orgTool.ID, "", "acme"), http.StatusOK, &data)
		assert.Equal(t, "acme_only", data.Name)
	})
}

func TestUpdateTool(t *testing.T) {
	t.Parallel()

	t.Run("rewrites and queues a re-sync", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)
		tool := seedTool(t, store, internalTool("summarize"))
		require.NoError(t, store.SetSyncResult(t.Context(), tool.ID, capability.SyncStateIndexed, "h1", true))

		ctrl := gomock.NewController(t)
		syncCtl := mocks.NewMockSyncControl(ctrl)
		syncCtl.EXPECT().Trigger().Times(1)
		router := ToolsRouter(store, &stubIndex{}, mocks.NewMockCaller(ctrl), syncCtl)

		body := `{"name":"summarize","description":"new description"}`
		var data toolResponse
		successData(t, serve(t, router, http.MethodPut, "/"+tool.ID, body, ""), http.StatusOK, &data)
		assert.Equal(t, "new description", data.Description)
		assert.Equal(t, capability.SyncStateNew, data.SyncState)
		assert.False(t, data.IsClassified)

		stored, err := store.GetTool(t.Context(), nil, tool.ID)
		require.NoError(t, err)
		assert.Equal(t, capability.SyncStateNew, stored.SyncState)
		assert.Empty(t, stored.EmbeddingHash)
		assert.False(t, stored.IsClassified)
	})

	t.Run("external tools are immutable here", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)
		srv := globalServer("github")
		require.NoError(t, store.CreateServer(t.Context(), srv))
		tool := seedTool(t, store, externalTool("github.create_issue", srv.ID))

		ctrl := gomock.NewController(t)
		router := ToolsRouter(store, &stubIndex{}, mocks.NewMockCaller(ctrl), mocks.NewMockSyncControl(ctrl))

		rec := serve(t, router, http.MethodPut, "/"+tool.ID, `{"name":"renamed"}`, "")
		env := errorCode(t, rec, http.StatusUnprocessableEntity, "ValidationError")
		assert.Contains(t, env.Err.Message, "managed by their server")
	})
}

func TestDeleteTool(t *testing.T) {
	t.Parallel()

	t.Run("removes vector, row and rebuilds skills", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)
		tool := seedTool(t, store, internalTool("summarize"))
		require.NoError(t, store.UpsertSkill(t.Context(), &capability.SkillCategory{
			ID: "text_ops", Name: "Text Operations", Active: true,
		}))
		require.NoError(t, store.SetSkillAssignments(t.Context(), tool.ID, []capability.SkillAssignment{
			{ToolID: tool.ID, SkillID: "text_ops", Confidence: 0.9},
		}))

		idx := &stubIndex{}
		ctrl := gomock.NewController(t)
		syncCtl := mocks.NewMockSyncControl(ctrl)
		syncCtl.EXPECT().RebuildSkill(gomock.Any(), "text_ops").Return(nil).Times(1)
		router := ToolsRouter(store, idx, mocks.NewMockCaller(ctrl), syncCtl)

		var data map[string]string
		successData(t, serve(t, router, http.MethodDelete, "/"+tool.ID, "", ""), http.StatusOK, &data)
		assert.Equal(t, tool.ID, data["id"])
		assert.Contains(t, idx.deletedIDs(), tool.ID)

		_, err := store.GetTool(t.Context(), nil, tool.ID)
		assert.Error(t, err)
	})

	t.Run("external tools are removed with their server", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)
		srv := globalServer("github")
		require.NoError(t, store.CreateServer(t.Context(), srv))
		tool := seedTool(t, store, externalTool("github.create_issue", srv.ID))

		ctrl := gomock.NewController(t)
		router := ToolsRouter(store, &stubIndex{}, mocks.NewMockCaller(ctrl), mocks.NewMockSyncControl(ctrl))

		rec := serve(t, router, http.MethodDelete, "/"+tool.ID, "", "")
		errorCode(t, rec, http.StatusUnprocessableEntity, "ValidationError")

		_, err := store.GetTool(t.Context(), nil, tool.ID)
		assert.NoError(t, err)
	})
}

func TestToolActivation(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	tool := seedTool(t, store, internalTool("summarize"))

	ctrl := gomock.NewController(t)
	syncCtl := mocks.NewMockSyncControl(ctrl)
	syncCtl.EXPECT().Trigger().Times(2)
	router := ToolsRouter(store, &stubIndex{}, mocks.NewMockCaller(ctrl), syncCtl)

	var data map[string]any
	successData(t, serve(t, router, http.MethodPost, "/"+tool.ID+"/deactivate", "", ""), http.StatusOK, &data)
	assert.Equal(t, false, data["active"])

	stored, err := store.GetTool(t.Context(), nil, tool.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.Equal(t, capability.SyncStateNew, stored.SyncState)

	successData(t, serve(t, router, http.MethodPost, "/"+tool.ID+"/activate", "", ""), http.StatusOK, &data)
	assert.Equal(t, true, data["active"])

	stored, err = store.GetTool(t.Context(), nil, tool.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active)
}

func TestCallTool(t *testing.T) {
	t.Parallel()

	t.Run("routes and reports the serving server", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)
		ctrl := gomock.NewController(t)
		caller := mocks.NewMockCaller(ctrl)
		scope := tenancy.NewScope("acme")
		caller.EXPECT().
			Call(gomock.Any(), &scope, "github.create_issue", map[string]any{"title": "bug"}).
			Return(&capability.CallResult{
				Content: []capability.Content{{Type: "text", Text: "created #42"}},
			}, "github", nil)
		router := ToolsRouter(store, &stubIndex{}, caller, mocks.NewMockSyncControl(ctrl))

		body := `{"name":"github.create_issue","arguments":{"title":"bug"}}`
		rec := serve(t, router, http.MethodPost, "/call", body, "acme")

		var data capability.CallResult
		env := successData(t, rec, http.StatusOK, &data)
		require.Len(t, data.Content, 1)
		assert.Equal(t, "created #42", data.Content[0].Text)
		assert.Equal(t, "github", env.Metadata["routed_to"])
	})

	t.Run("missing name", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)
		ctrl := gomock.NewController(t)
		router := ToolsRouter(store, &stubIndex{}, mocks.NewMockCaller(ctrl), mocks.NewMockSyncControl(ctrl))

		rec := serve(t, router, http.MethodPost, "/call", `{"arguments":{}}`, "")
		errorCode(t, rec, http.StatusUnprocessableEntity, "ValidationError")
	})

	t.Run("unavailable server", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)
		ctrl := gomock.NewController(t)
		caller := mocks.NewMockCaller(ctrl)
		caller.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, "", apierror.ServerUnavailable("server github has no live session"))
		router := ToolsRouter(store, &stubIndex{}, caller, mocks.NewMockSyncControl(ctrl))

		rec := serve(t, router, http.MethodPost, "/call", `{"name":"github.create_issue"}`, "")
		errorCode(t, rec, http.StatusServiceUnavailable, "ServerUnavailable")
	})
}

// orgScopePtr builds the scope the store expects: empty means global-only.
func orgScopePtr(orgID string) *tenancy.Scope {
	s := tenancy.NewScope(orgID)
	return &s
}
