// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/tenancy"
	"github.com/capgate-io/capgate/pkg/vectorindex"
)

// PromptsRoutes binds the prompt handlers to their dependencies.
type PromptsRoutes struct {
	store registry.Store
	index vectorindex.Index
	sync  SyncControl
}

// PromptsRouter creates a router for prompt management.
func PromptsRouter(store registry.Store, index vectorindex.Index, sync SyncControl) http.Handler {
	routes := PromptsRoutes{store: store, index: index, sync: sync}

	r := chi.NewRouter()
	r.Get("/", apierror.ErrorHandler(routes.listPrompts))
	r.Post("/", apierror.ErrorHandler(routes.createPrompt))
	r.Get("/{id}", apierror.ErrorHandler(routes.getPrompt))
	r.Put("/{id}", apierror.ErrorHandler(routes.updatePrompt))
	r.Delete("/{id}", apierror.ErrorHandler(routes.deletePrompt))
	r.Post("/{id}/activate", apierror.ErrorHandler(routes.activatePrompt))
	r.Post("/{id}/deactivate", apierror.ErrorHandler(routes.deactivatePrompt))
	return r
}

type promptRequest struct {
	Name        string                      `json:"name"`
	Description string                      `json:"description,omitempty"`
	Arguments   []capability.PromptArgument `json:"arguments,omitempty"`
	Template    string                      `json:"template,omitempty"`
}

type promptResponse struct {
	ID          string                      `json:"id"`
	Name        string                      `json:"name"`
	Description string                      `json:"description,omitempty"`
	Global      bool                        `json:"global"`
	OrgID       string                      `json:"org_id,omitempty"`
	Active      bool                        `json:"active"`
	SyncState   capability.SyncState        `json:"sync_state"`
	Arguments   []capability.PromptArgument `json:"arguments,omitempty"`
	Template    string                      `json:"template,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// listPrompts
//
//	@Summary	List prompts
//	@Tags		prompts
//	@Produce	json
//	@Param		active_only	query		bool	false	"Drop deactivated prompts"
//	@Success	200			{object}	map[string][]promptResponse
//	@Router		/api/v1/prompts [get]
func (s PromptsRoutes) listPrompts(w http.ResponseWriter, r *http.Request) error {
	activeOnly, err := queryBool(r, "active_only")
	if err != nil {
		return err
	}

	scope := tenancy.FromContext(r.Context())
	prompts, err := s.store.ListPrompts(r.Context(), &scope, registry.ListFilter{ActiveOnly: activeOnly})
	if err != nil {
		return err
	}

	out := make([]promptResponse, 0, len(prompts))
	for _, p := range prompts {
		out = append(out, toPromptResponse(p))
	}
	return respond(w, r, http.StatusOK, map[string]any{"prompts": out}, nil)
}

// createPrompt
//
//	@Summary	Register a prompt
//	@Tags		prompts
//	@Accept		json
//	@Produce	json
//	@Param		request	body		promptRequest	true	"Prompt definition"
//	@Success	201		{object}	promptResponse
//	@Failure	409		{string}	string	"Name already exists in scope"
//	@Failure	422		{string}	string	"Validation error"
//	@Router		/api/v1/prompts [post]
func (s PromptsRoutes) createPrompt(w http.ResponseWriter, r *http.Request) error {
	var req promptRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	scope := tenancy.FromContext(r.Context())
	prompt := &capability.Prompt{
		Record: capability.Record{
			Name:        req.Name,
			Description: req.Description,
			IsGlobal:    scope.GlobalOnly(),
			OrgID:       scope.OrgID,
			Origin:      capability.OriginInternal,
			Active:      true,
			SyncState:   capability.SyncStateNew,
		},
		Arguments: req.Arguments,
		Template:  req.Template,
	}
	if err := s.store.CreatePrompt(r.Context(), prompt); err != nil {
		return err
	}
	s.sync.Trigger()

	return respond(w, r, http.StatusCreated, toPromptResponse(prompt), nil)
}

// getPrompt
//
//	@Summary	Get prompt details
//	@Tags		prompts
//	@Produce	json
//	@Param		id	path		string	true	"Prompt id"
//	@Success	200	{object}	promptResponse
//	@Failure	404	{string}	string	"Not found"
//	@Router		/api/v1/prompts/{id} [get]
func (s PromptsRoutes) getPrompt(w http.ResponseWriter, r *http.Request) error {
	scope := tenancy.FromContext(r.Context())
	prompt, err := s.store.GetPrompt(r.Context(), &scope, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return respond(w, r, http.StatusOK, toPromptResponse(prompt), nil)
}

// updatePrompt
//
//	@Summary	Update a prompt
//	@Tags		prompts
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string			true	"Prompt id"
//	@Param		request	body		promptRequest	true	"New definition"
//	@Success	200		{object}	promptResponse
//	@Failure	404		{string}	string	"Not found"
//	@Router		/api/v1/prompts/{id} [put]
func (s PromptsRoutes) updatePrompt(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	var req promptRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	scope := tenancy.FromContext(r.Context())
	prompt, err := s.store.GetPrompt(r.Context(), &scope, id)
	if err != nil {
		return err
	}

	prompt.Name = req.Name
	prompt.Description = req.Description
	prompt.Arguments = req.Arguments
	prompt.Template = req.Template
	if err := s.store.UpdatePrompt(r.Context(), prompt); err != nil {
		return err
	}

	if err := s.store.SetSyncResult(r.Context(), id, capability.SyncStateNew, "", false); err != nil {
		return err
	}
	s.sync.Trigger()

	prompt.SyncState = capability.SyncStateNew
	prompt.EmbeddingHash = ""
	return respond(w, r, http.StatusOK, toPromptResponse(prompt), nil)
}

// deletePrompt
//
//	@Summary	Delete a prompt
//	@Tags		prompts
//	@Produce	json
//	@Param		id	path		string	true	"Prompt id"
//	@Success	200	{object}	map[string]string
//	@Failure	404	{string}	string	"Not found"
//	@Router		/api/v1/prompts/{id} [delete]
func (s PromptsRoutes) deletePrompt(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	scope := tenancy.FromContext(r.Context())

	if _, err := s.store.GetPrompt(r.Context(), &scope, id); err != nil {
		return err
	}
	if err := s.index.Delete(r.Context(), vectorindex.CollectionTools, []string{id}); err != nil {
		return err
	}
	if err := s.store.DeletePrompt(r.Context(), id); err != nil {
		return err
	}

	return respond(w, r, http.StatusOK, map[string]string{"id": id}, nil)
}

func (s PromptsRoutes) activatePrompt(w http.ResponseWriter, r *http.Request) error {
	return s.setPromptActive(w, r, true)
}

func (s PromptsRoutes) deactivatePrompt(w http.ResponseWriter, r *http.Request) error {
	return s.setPromptActive(w, r, false)
}

func (s PromptsRoutes) setPromptActive(w http.ResponseWriter, r *http.Request, active bool) error {
	id := chi.URLParam(r, "id")
	scope := tenancy.FromContext(r.Context())

	if _, err := s.store.GetPrompt(r.Context(), &scope, id); err != nil {
		return err
	}
	if err := s.store.SetActive(r.Context(), id, active); err != nil {
		return err
	}
	if err := s.store.SetSyncState(r.Context(), id, capability.SyncStateNew); err != nil {
		return err
	}
	s.sync.Trigger()

	return respond(w, r, http.StatusOK, map[string]any{"id": id, "active": active}, nil)
}

func toPromptResponse(p *capability.Prompt) promptResponse {
	return promptResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Global:      p.IsGlobal,
		OrgID:       p.OrgID,
		Active:      p.Active,
		SyncState:   p.SyncState,
		Arguments:   p.Arguments,
		Template:    p.Template,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}
