// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/capgate-io/capgate/pkg/api/v1/mocks"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/registry"
)

// skillsFixture wires a fresh store to the router with a permissive sync
// mock: taxonomy tests assert store effects, not rebuild scheduling.
func skillsFixture(t *testing.T) (handler http.Handler, store registry.Store) {
	t.Helper()
	st := newStore(t)
	ctrl := gomock.NewController(t)
	syncCtl := mocks.NewMockSyncControl(ctrl)
	syncCtl.EXPECT().RebuildSkill(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	syncCtl.EXPECT().Trigger().AnyTimes()
	return SkillsRouter(st, syncCtl), st
}

func TestCreateSkill(t *testing.T) {
	t.Parallel()

	t.Run("creates an active skill and rebuilds its centroid", func(t *testing.T) {
		t.Parallel()
		st := newStore(t)
		ctrl := gomock.NewController(t)
		syncCtl := mocks.NewMockSyncControl(ctrl)
		syncCtl.EXPECT().RebuildSkill(gomock.Any(), "file_ops").Return(nil).Times(1)
		router := SkillsRouter(st, syncCtl)

		body := `{"id":"file_ops","name":"File Operations","description":"read and write files",` +
			`"keywords":["file","fs"],"examples":["read_file"]}`
		rec := serve(t, router, http.MethodPost, "/", body, "")

		var data skillResponse
		successData(t, rec, http.StatusCreated, &data)
		assert.Equal(t, "file_ops", data.ID)
		assert.True(t, data.Active)
		assert.Equal(t, []string{"file", "fs"}, data.Keywords)

		stored, err := st.GetSkill(t.Context(), "file_ops")
		require.NoError(t, err)
		assert.Equal(t, "File Operations", stored.Name)
	})

	t.Run("existing id conflicts", func(t *testing.T) {
		t.Parallel()
		router, _ := skillsFixture(t)

		body := `{"id":"file_ops","name":"File Operations"}`
		successData(t, serve(t, router, http.MethodPost, "/", body, ""), http.StatusCreated, nil)
		errorCode(t, serve(t, router, http.MethodPost, "/", body, ""), http.StatusConflict, "DuplicateName")
	})

	t.Run("invalid id pattern", func(t *testing.T) {
		t.Parallel()
		router, _ := skillsFixture(t)

		rec := serve(t, router, http.MethodPost, "/", `{"id":"File-Ops","name":"File Operations"}`, "")
		errorCode(t, rec, http.StatusUnprocessableEntity, "ValidationError")
	})
}

func TestListSkills(t *testing.T) {
	t.Parallel()
	router, st := skillsFixture(t)
	require.NoError(t, st.UpsertSkill(t.Context(), &capability.SkillCategory{
		ID: "file_ops", Name: "File Operations", Active: true,
	}))
	require.NoError(t, st.UpsertSkill(t.Context(), &capability.SkillCategory{
		ID: "retired", Name: "Retired", Active: false,
	}))

	type listBody struct {
		Skills []skillResponse `json:"skills"`
	}

	t.Run("includes the seeded uncategorized skill", func(t *testing.T) {
		t.Parallel()
		var data listBody
		successData(t, serve(t, router, http.MethodGet, "/", "", ""), http.StatusOK, &data)

		ids := make([]string, 0, len(data.Skills))
		for _, sk := range data.Skills {
			ids = append(ids, sk.ID)
		}
		assert.Contains(t, ids, capability.UncategorizedSkillID)
		assert.Contains(t, ids, "file_ops")
		assert.Contains(t, ids, "retired")
	})

	t.Run("active only", func(t *testing.T) {
		t.Parallel()
		var data listBody
		successData(t, serve(t, router, http.MethodGet, "/?active_only=true", "", ""), http.StatusOK, &data)
		for _, sk := range data.Skills {
			assert.True(t, sk.Active, "skill %s", sk.ID)
		}
	})
}

func TestUpdateSkill(t *testing.T) {
	t.Parallel()

	t.Run("preserves the active flag", func(t *testing.T) {
		t.Parallel()
		router, st := skillsFixture(t)
		require.NoError(t, st.UpsertSkill(t.Context(), &capability.SkillCategory{
			ID: "file_ops", Name: "File Operations", Active: false,
		}))

		body := `{"name":"File Handling","description":"reworded"}`
		var data skillResponse
		successData(t, serve(t, router, http.MethodPut, "/file_ops", body, ""), http.StatusOK, &data)
		assert.Equal(t, "File Handling", data.Name)
		assert.False(t, data.Active, "a plain update must not resurrect a deactivated skill")

		stored, err := st.GetSkill(t.Context(), "file_ops")
		require.NoError(t, err)
		assert.False(t, stored.Active)
	})

	t.Run("body id must match the path", func(t *testing.T) {
		t.Parallel()
		router, st := skillsFixture(t)
		require.NoError(t, st.UpsertSkill(t.Context(), &capability.SkillCategory{
			ID: "file_ops", Name: "File Operations", Active: true,
		}))

		rec := serve(t, router, http.MethodPut, "/file_ops", `{"id":"net_ops","name":"X"}`, "")
		errorCode(t, rec, http.StatusUnprocessableEntity, "ValidationError")
	})

	t.Run("unknown skill", func(t *testing.T) {
		t.Parallel()
		router, _ := skillsFixture(t)
		rec := serve(t, router, http.MethodPut, "/ghost", `{"name":"X"}`, "")
		errorCode(t, rec, http.StatusNotFound, "NotFound")
	})
}

func TestSkillActivation(t *testing.T) {
	t.Parallel()

	t.Run("deactivate and reactivate", func(t *testing.T) {
		t.Parallel()
		router, st := skillsFixture(t)
		require.NoError(t, st.UpsertSkill(t.Context(), &capability.SkillCategory{
			ID: "file_ops", Name: "File Operations", Active: true,
		}))

		var data map[string]any
		successData(t, serve(t, router, http.MethodPost, "/file_ops/deactivate", "", ""), http.StatusOK, &data)
		assert.Equal(t, false, data["active"])

		stored, err := st.GetSkill(t.Context(), "file_ops")
		require.NoError(t, err)
		assert.False(t, stored.Active)

		successData(t, serve(t, router, http.MethodPost, "/file_ops/activate", "", ""), http.StatusOK, &data)
		assert.Equal(t, true, data["active"])

		stored, err = st.GetSkill(t.Context(), "file_ops")
		require.NoError(t, err)
		assert.True(t, stored.Active)
	})

	t.Run("uncategorized cannot be deactivated", func(t *testing.T) {
		t.Parallel()
		router, _ := skillsFixture(t)
		rec := serve(t, router, http.MethodPost, "/uncategorized/deactivate", "", "")
		errorCode(t, rec, http.StatusUnprocessableEntity, "ValidationError")
	})
}

func TestSuggestionReview(t *testing.T) {
	t.Parallel()

	t.Run("approve creates the skill and requeues the source tool", func(t *testing.T) {
		t.Parallel()
		st := newStore(t)
		tool := seedTool(t, st, internalTool("detect_anomalies"))
		require.NoError(t, st.SetSyncResult(t.Context(), tool.ID, capability.SyncStateIndexed, "h1", true))
		sug := &capability.SkillSuggestion{
			ProposedID:   "anomaly_detection",
			Name:         "Anomaly Detection",
			Rationale:    "several tools score anomalies",
			SourceToolID: tool.ID,
		}
		require.NoError(t, st.CreateSuggestion(t.Context(), sug))

		ctrl := gomock.NewController(t)
		syncCtl := mocks.NewMockSyncControl(ctrl)
		syncCtl.EXPECT().Trigger().Times(1)
		router := SkillsRouter(st, syncCtl)

		var data suggestionResponse
		env := successData(t, serve(t, router, http.MethodPost, "/suggestions/"+sug.ID+"/approve", "", ""),
			http.StatusOK, &data)
		assert.Equal(t, capability.SuggestionApproved, data.Status)
		assert.Equal(t, "anomaly_detection", env.Metadata["skill_id"])

		skill, err := st.GetSkill(t.Context(), "anomaly_detection")
		require.NoError(t, err)
		assert.True(t, skill.Active)

		// The source tool goes back through embedding and classification so
		// it can land in the new skill.
		stored, err := st.GetTool(t.Context(), nil, tool.ID)
		require.NoError(t, err)
		assert.Equal(t, capability.SyncStateNew, stored.SyncState)
		assert.False(t, stored.IsClassified)

		// Second approve hits the already-resolved guard.
		rec := serve(t, router, http.MethodPost, "/suggestions/"+sug.ID+"/approve", "", "")
		errorCode(t, rec, http.StatusUnprocessableEntity, "ValidationError")
	})

	t.Run("reject resolves without creating a skill", func(t *testing.T) {
		t.Parallel()
		router, st := skillsFixture(t)
		sug := &capability.SkillSuggestion{ProposedID: "noise", Name: "Noise"}
		require.NoError(t, st.CreateSuggestion(t.Context(), sug))

		var data suggestionResponse
		successData(t, serve(t, router, http.MethodPost, "/suggestions/"+sug.ID+"/reject", "", ""),
			http.StatusOK, &data)
		assert.Equal(t, capability.SuggestionRejected, data.Status)

		_, err := st.GetSkill(t.Context(), "noise")
		assert.Error(t, err)
	})

	t.Run("list filters by status", func(t *testing.T) {
		t.Parallel()
		router, st := skillsFixture(t)
		require.NoError(t, st.CreateSuggestion(t.Context(), &capability.SkillSuggestion{
			ProposedID: "pending_one", Name: "Pending",
		}))
		resolved := &capability.SkillSuggestion{ProposedID: "resolved_one", Name: "Resolved"}
		require.NoError(t, st.CreateSuggestion(t.Context(), resolved))
		require.NoError(t, st.SetSuggestionStatus(t.Context(), resolved.ID, capability.SuggestionRejected))

		type listBody struct {
			Suggestions []suggestionResponse `json:"suggestions"`
		}
		var data listBody
		successData(t, serve(t, router, http.MethodGet, "/suggestions?status=pending", "", ""),
			http.StatusOK, &data)
		require.Len(t, data.Suggestions, 1)
		assert.Equal(t, "pending_one", data.Suggestions[0].ProposedID)

		rec := serve(t, router, http.MethodGet, "/suggestions?status=maybe", "", "")
		errorCode(t, rec, http.StatusUnprocessableEntity, "ValidationError")
	})

	t.Run("unknown suggestion", func(t *testing.T) {
		t.Parallel()
		router, _ := skillsFixture(t)
		rec := serve(t, router, http.MethodPost, "/suggestions/ghost/approve", "", "")
		errorCode(t, rec, http.StatusNotFound, "NotFound")
	})
}
