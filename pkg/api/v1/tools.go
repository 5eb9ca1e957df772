// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/tenancy"
	"github.com/capgate-io/capgate/pkg/vectorindex"
)

// ToolsRoutes binds the tool handlers to their dependencies.
type ToolsRoutes struct {
	store  registry.Store
	index  vectorindex.Index
	caller Caller
	sync   SyncControl
}

// ToolsRouter creates a router for tool management and invocation.
func ToolsRouter(store registry.Store, index vectorindex.Index, caller Caller, sync SyncControl) http.Handler {
	routes := ToolsRoutes{store: store, index: index, caller: caller, sync: sync}

	r := chi.NewRouter()
	r.Get("/", apierror.ErrorHandler(routes.listTools))
	r.Post("/", apierror.ErrorHandler(routes.createTool))
	r.Post("/call", apierror.ErrorHandler(routes.callTool))
	r.Get("/{id}", apierror.ErrorHandler(routes.getTool))
	r.Put("/{id}", apierror.ErrorHandler(routes.updateTool))
	r.Delete("/{id}", apierror.ErrorHandler(routes.deleteTool))
	r.Post("/{id}/activate", apierror.ErrorHandler(routes.activateTool))
	r.Post("/{id}/deactivate", apierror.ErrorHandler(routes.deactivateTool))
	return r
}

type createToolRequest struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

type callToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type skillAssignment struct {
	SkillID    string  `json:"skill_id"`
	Confidence float64 `json:"confidence"`
	Primary    bool    `json:"primary"`
}

type toolResponse struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Description  string               `json:"description,omitempty"`
	Origin       capability.Origin    `json:"origin"`
	ServerID     string               `json:"server_id,omitempty"`
	OriginalName string               `json:"original_name,omitempty"`
	Global       bool                 `json:"global"`
	OrgID        string               `json:"org_id,omitempty"`
	Active       bool                 `json:"active"`
	IsClassified bool                 `json:"is_classified"`
	SyncState    capability.SyncState `json:"sync_state"`
	InputSchema  map[string]any       `json:"input_schema,omitempty"`
	OutputSchema map[string]any       `json:"output_schema,omitempty"`
	Skills       []skillAssignment    `json:"skills,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// listTools
//
//	@Summary		List tools
//	@Description	List tools visible to the caller's scope
//	@Tags			tools
//	@Produce		json
//	@Param			server_id	query		string	false	"Filter by external server id"
//	@Param			skill_id	query		string	false	"Filter by assigned skill"
//	@Param			origin		query		string	false	"Filter by origin (internal or external)"
//	@Param			active_only	query		bool	false	"Drop deactivated tools"
//	@Success		200			{object}	map[string][]toolResponse
//	@Router			/api/v1/tools [get]
func (s ToolsRoutes) listTools(w http.ResponseWriter, r *http.Request) error {
	origin := r.URL.Query().Get("origin")
	switch capability.Origin(origin) {
	case "", capability.OriginInternal, capability.OriginExternal:
	default:
		return apierror.Validation("unknown origin").
			WithDetail("origin", "must be internal or external")
	}
	activeOnly, err := queryBool(r, "active_only")
	if err != nil {
		return err
	}

	scope := tenancy.FromContext(r.Context())
	tools, err := s.store.ListTools(r.Context(), &scope, registry.ToolFilter{
		ServerID:   r.URL.Query().Get("server_id"),
		SkillID:    r.URL.Query().Get("skill_id"),
		ActiveOnly: activeOnly,
		Origin:     capability.Origin(origin),
	})
	if err != nil {
		return err
	}

	out := make([]toolResponse, 0, len(tools))
	for _, t := range tools {
		out = append(out, toToolResponse(t, nil))
	}
	return respond(w, r, http.StatusOK, map[string]any{"tools": out}, nil)
}

// createTool
//
//	@Summary		Register an internal tool
//	@Description	Create a tool owned by the gateway itself. Visibility is derived from the caller's scope.
//	@Tags			tools
//	@Accept			json
//	@Produce		json
//	@Param			request	body		createToolRequest	true	"Tool definition"
//	@Success		201		{object}	toolResponse
//	@Failure		409		{string}	string	"Name already exists in scope"
//	@Failure		422		{string}	string	"Validation error"
//	@Router			/api/v1/tools [post]
func (s ToolsRoutes) createTool(w http.ResponseWriter, r *http.Request) error {
	var req createToolRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	scope := tenancy.FromContext(r.Context())
	tool := &capability.Tool{
		Record: capability.Record{
			Name:        req.Name,
			Description: req.Description,
			IsGlobal:    scope.GlobalOnly(),
			OrgID:       scope.OrgID,
			Origin:      capability.OriginInternal,
			Active:      true,
			SyncState:   capability.SyncStateNew,
		},
		InputSchema:  req.InputSchema,
		OutputSchema: req.OutputSchema,
	}
	if err := s.store.CreateTool(r.Context(), tool); err != nil {
		return err
	}
	s.sync.Trigger()

	return respond(w, r, http.StatusCreated, toToolResponse(tool, nil), nil)
}

// callTool
//
//	@Summary		Call a tool
//	@Description	Route a tool call to the owning external server
//	@Tags			tools
//	@Accept			json
//	@Produce		json
//	@Param			request	body		callToolRequest	true	"Tool name and arguments"
//	@Success		200		{object}	capability.CallResult
//	@Failure		404		{string}	string	"Unknown tool"
//	@Failure		503		{string}	string	"Owning server unavailable"
//	@Router			/api/v1/tools/call [post]
func (s ToolsRoutes) callTool(w http.ResponseWriter, r *http.Request) error {
	var req callToolRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if req.Name == "" {
		return apierror.Validation("name is required").WithDetail("name", "must not be empty")
	}

	scope := tenancy.FromContext(r.Context())
	result, routedTo, err := s.caller.Call(r.Context(), &scope, req.Name, req.Arguments)
	if err != nil {
		return err
	}

	return respond(w, r, http.StatusOK, result, metadata{"routed_to": routedTo})
}

// getTool
//
//	@Summary	Get tool details
//	@Tags		tools
//	@Produce	json
//	@Param		id	path		string	true	"Tool id"
//	@Success	200	{object}	toolResponse
//	@Failure	404	{string}	string	"Not found"
//	@Router		/api/v1/tools/{id} [get]
func (s ToolsRoutes) getTool(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	scope := tenancy.FromContext(r.Context())

	tool, err := s.store.GetTool(r.Context(), &scope, id)
	if err != nil {
		return err
	}
	assignments, err := s.store.ListAssignments(r.Context(), id)
	if err != nil {
		return err
	}

	return respond(w, r, http.StatusOK, toToolResponse(tool, assignments), nil)
}

// updateTool
//
//	@Summary		Update an internal tool
//	@Description	Rewrite a tool's definition and queue it for re-embedding and re-classification
//	@Tags			tools
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Tool id"
//	@Param			request	body		createToolRequest	true	"New definition"
//	@Success		200		{object}	toolResponse
//	@Failure		404		{string}	string	"Not found"
//	@Failure		422		{string}	string	"Validation error"
//	@Router			/api/v1/tools/{id} [put]
func (s ToolsRoutes) updateTool(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	var req createToolRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	scope := tenancy.FromContext(r.Context())
	tool, err := s.store.GetTool(r.Context(), &scope, id)
	if err != nil {
		return err
	}
	if tool.Origin == capability.OriginExternal {
		return apierror.Validation("external tools are managed by their server").
			WithDetail("id", id)
	}

	tool.Name = req.Name
	tool.Description = req.Description
	tool.InputSchema = req.InputSchema
	tool.OutputSchema = req.OutputSchema
	if err := s.store.UpdateTool(r.Context(), tool); err != nil {
		return err
	}

	// The definition changed, so the stored embedding and classification
	// are stale. Clearing the hash forces both to rerun.
	if err := s.store.SetSyncResult(r.Context(), id, capability.SyncStateNew, "", false); err != nil {
		return err
	}
	s.sync.Trigger()

	tool.SyncState = capability.SyncStateNew
	tool.IsClassified = false
	tool.EmbeddingHash = ""
	return respond(w, r, http.StatusOK, toToolResponse(tool, nil), nil)
}

// deleteTool
//
//	@Summary		Delete an internal tool
//	@Description	Remove a tool, its index entry and its skill assignments
//	@Tags			tools
//	@Produce		json
//	@Param			id	path		string	true	"Tool id"
//	@Success		200	{object}	map[string]string
//	@Failure		404	{string}	string	"Not found"
//	@Router			/api/v1/tools/{id} [delete]
func (s ToolsRoutes) deleteTool(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	scope := tenancy.FromContext(r.Context())

	tool, err := s.store.GetTool(r.Context(), &scope, id)
	if err != nil {
		return err
	}
	if tool.Origin == capability.OriginExternal {
		return apierror.Validation("external tools are removed with their server").
			WithDetail("id", id)
	}

	// Assignments are needed after the delete to rebuild the affected
	// skill centroids, and the row delete cascades them away.
	assignments, err := s.store.ListAssignments(r.Context(), id)
	if err != nil {
		return err
	}

	// Vectors first: a row without a vector is re-synced, a vector
	// without a row would be unreachable garbage.
	if err := s.index.Delete(r.Context(), vectorindex.CollectionTools, []string{id}); err != nil {
		return err
	}
	if err := s.store.DeleteTool(r.Context(), id); err != nil {
		return err
	}

	for _, a := range assignments {
		if err := s.sync.RebuildSkill(r.Context(), a.SkillID); err != nil {
			logger.Warnf("Failed to rebuild skill %s after deleting tool %s: %v", a.SkillID, id, err)
		}
	}

	return respond(w, r, http.StatusOK, map[string]string{"id": id}, nil)
}

// activateTool
//
//	@Summary	Reactivate a tool
//	@Tags		tools
//	@Produce	json
//	@Param		id	path		string	true	"Tool id"
//	@Success	200	{object}	map[string]any
//	@Failure	404	{string}	string	"Not found"
//	@Router		/api/v1/tools/{id}/activate [post]
func (s ToolsRoutes) activateTool(w http.ResponseWriter, r *http.Request) error {
	return s.setToolActive(w, r, true)
}

// deactivateTool
//
//	@Summary		Deactivate a tool
//	@Description	Keep the tool's row but remove it from search
//	@Tags			tools
//	@Produce		json
//	@Param			id	path		string	true	"Tool id"
//	@Success		200	{object}	map[string]any
//	@Failure		404	{string}	string	"Not found"
//	@Router			/api/v1/tools/{id}/deactivate [post]
func (s ToolsRoutes) deactivateTool(w http.ResponseWriter, r *http.Request) error {
	return s.setToolActive(w, r, false)
}

func (s ToolsRoutes) setToolActive(w http.ResponseWriter, r *http.Request, active bool) error {
	id := chi.URLParam(r, "id")
	scope := tenancy.FromContext(r.Context())

	if _, err := s.store.GetTool(r.Context(), &scope, id); err != nil {
		return err
	}
	if err := s.store.SetActive(r.Context(), id, active); err != nil {
		return err
	}
	// Re-touching the sync state makes the next pass index or deindex the
	// tool according to the new flag.
	if err := s.store.SetSyncState(r.Context(), id, capability.SyncStateNew); err != nil {
		return err
	}
	s.sync.Trigger()

	return respond(w, r, http.StatusOK, map[string]any{"id": id, "active": active}, nil)
}

func toToolResponse(t *capability.Tool, assignments []capability.SkillAssignment) toolResponse {
	resp := toolResponse{
		ID:           t.ID,
		Name:         t.Name,
		Description:  t.Description,
		Origin:       t.Origin,
		ServerID:     t.ServerID,
		OriginalName: t.OriginalName,
		Global:       t.IsGlobal,
		OrgID:        t.OrgID,
		Active:       t.Active,
		IsClassified: t.IsClassified,
		SyncState:    t.SyncState,
		InputSchema:  t.InputSchema,
		OutputSchema: t.OutputSchema,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	for _, a := range assignments {
		resp.Skills = append(resp.Skills, skillAssignment{
			SkillID:    a.SkillID,
			Confidence: a.Confidence,
			Primary:    a.Primary,
		})
	}
	return resp
}
