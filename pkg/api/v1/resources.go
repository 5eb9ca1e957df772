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

// ResourcesRoutes binds the resource handlers to their dependencies.
type ResourcesRoutes struct {
	store registry.Store
	index vectorindex.Index
	sync  SyncControl
}

// ResourcesRouter creates a router for resource management.
func ResourcesRouter(store registry.Store, index vectorindex.Index, sync SyncControl) http.Handler {
	routes := ResourcesRoutes{store: store, index: index, sync: sync}

	r := chi.NewRouter()
	r.Get("/", apierror.ErrorHandler(routes.listResources))
	r.Post("/", apierror.ErrorHandler(routes.createResource))
	r.Get("/{id}", apierror.ErrorHandler(routes.getResource))
	r.Put("/{id}", apierror.ErrorHandler(routes.updateResource))
	r.Delete("/{id}", apierror.ErrorHandler(routes.deleteResource))
	r.Post("/{id}/activate", apierror.ErrorHandler(routes.activateResource))
	r.Post("/{id}/deactivate", apierror.ErrorHandler(routes.deactivateResource))
	return r
}

type resourceRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Scheme       string   `json:"scheme,omitempty"`
	OwnerID      string   `json:"owner_id,omitempty"`
	AllowedUsers []string `json:"allowed_users,omitempty"`
}

type resourceResponse struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Description  string               `json:"description,omitempty"`
	Global       bool                 `json:"global"`
	OrgID        string               `json:"org_id,omitempty"`
	Active       bool                 `json:"active"`
	SyncState    capability.SyncState `json:"sync_state"`
	Scheme       string               `json:"scheme,omitempty"`
	OwnerID      string               `json:"owner_id,omitempty"`
	AllowedUsers []string             `json:"allowed_users,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// listResources
//
//	@Summary	List resources
//	@Tags		resources
//	@Produce	json
//	@Param		active_only	query		bool	false	"Drop deactivated resources"
//	@Success	200			{object}	map[string][]resourceResponse
//	@Router		/api/v1/resources [get]
func (s ResourcesRoutes) listResources(w http.ResponseWriter, r *http.Request) error {
	activeOnly, err := queryBool(r, "active_only")
	if err != nil {
		return err
	}

	scope := tenancy.FromContext(r.Context())
	resources, err := s.store.ListResources(r.Context(), &scope, registry.ListFilter{ActiveOnly: activeOnly})
	if err != nil {
		return err
	}

	out := make([]resourceResponse, 0, len(resources))
	for _, res := range resources {
		out = append(out, toResourceResponse(res))
	}
	return respond(w, r, http.StatusOK, map[string]any{"resources": out}, nil)
}

// createResource
//
//	@Summary	Register a resource
//	@Tags		resources
//	@Accept		json
//	@Produce	json
//	@Param		request	body		resourceRequest	true	"Resource definition"
//	@Success	201		{object}	resourceResponse
//	@Failure	409		{string}	string	"Name already exists in scope"
//	@Failure	422		{string}	string	"Validation error"
//	@Router		/api/v1/resources [post]
func (s ResourcesRoutes) createResource(w http.ResponseWriter, r *http.Request) error {
	var req resourceRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	scope := tenancy.FromContext(r.Context())
	resource := &capability.Resource{
		Record: capability.Record{
			Name:        req.Name,
			Description: req.Description,
			IsGlobal:    scope.GlobalOnly(),
			OrgID:       scope.OrgID,
			Origin:      capability.OriginInternal,
			Active:      true,
			SyncState:   capability.SyncStateNew,
		},
		Scheme:       req.Scheme,
		OwnerID:      req.OwnerID,
		AllowedUsers: req.AllowedUsers,
	}
	if err := s.store.CreateResource(r.Context(), resource); err != nil {
		return err
	}
	s.sync.Trigger()

	return respond(w, r, http.StatusCreated, toResourceResponse(resource), nil)
}

// getResource
//
//	@Summary	Get resource details
//	@Tags		resources
//	@Produce	json
//	@Param		id	path		string	true	"Resource id"
//	@Success	200	{object}	resourceResponse
//	@Failure	404	{string}	string	"Not found"
//	@Router		/api/v1/resources/{id} [get]
func (s ResourcesRoutes) getResource(w http.ResponseWriter, r *http.Request) error {
	scope := tenancy.FromContext(r.Context())
	resource, err := s.store.GetResource(r.Context(), &scope, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return respond(w, r, http.StatusOK, toResourceResponse(resource), nil)
}

// updateResource
//
//	@Summary	Update a resource
//	@Tags		resources
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string			true	"Resource id"
//	@Param		request	body		resourceRequest	true	"New definition"
//	@Success	200		{object}	resourceResponse
//	@Failure	404		{string}	string	"Not found"
//	@Router		/api/v1/resources/{id} [put]
func (s ResourcesRoutes) updateResource(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	var req resourceRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	scope := tenancy.FromContext(r.Context())
	resource, err := s.store.GetResource(r.Context(), &scope, id)
	if err != nil {
		return err
	}

	resource.Name = req.Name
	resource.Description = req.Description
	resource.Scheme = req.Scheme
	resource.OwnerID = req.OwnerID
	resource.AllowedUsers = req.AllowedUsers
	if err := s.store.UpdateResource(r.Context(), resource); err != nil {
		return err
	}

	if err := s.store.SetSyncResult(r.Context(), id, capability.SyncStateNew, "", false); err != nil {
		return err
	}
	s.sync.Trigger()

	resource.SyncState = capability.SyncStateNew
	resource.EmbeddingHash = ""
	return respond(w, r, http.StatusOK, toResourceResponse(resource), nil)
}

// deleteResource
//
//	@Summary	Delete a resource
//	@Tags		resources
//	@Produce	json
//	@Param		id	path		string	true	"Resource id"
//	@Success	200	{object}	map[string]string
//	@Failure	404	{string}	string	"Not found"
//	@Router		/api/v1/resources/{id} [delete]
func (s ResourcesRoutes) deleteResource(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	scope := tenancy.FromContext(r.Context())

	if _, err := s.store.GetResource(r.Context(), &scope, id); err != nil {
		return err
	}
	if err := s.index.Delete(r.Context(), vectorindex.CollectionTools, []string{id}); err != nil {
		return err
	}
	if err := s.store.DeleteResource(r.Context(), id); err != nil {
		return err
	}

	return respond(w, r, http.StatusOK, map[string]string{"id": id}, nil)
}

func (s ResourcesRoutes) activateResource(w http.ResponseWriter, r *http.Request) error {
	return s.setResourceActive(w, r, true)
}

func (s ResourcesRoutes) deactivateResource(w http.ResponseWriter, r *http.Request) error {
	return s.setResourceActive(w, r, false)
}

func (s ResourcesRoutes) setResourceActive(w http.ResponseWriter, r *http.Request, active bool) error {
	id := chi.URLParam(r, "id")
	scope := tenancy.FromContext(r.Context())

	if _, err := s.store.GetResource(r.Context(), &scope, id); err != nil {
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

func toResourceResponse(res *capability.Resource) resourceResponse {
	return resourceResponse{
		ID:           res.ID,
		Name:         res.Name,
		Description:  res.Description,
		Global:       res.IsGlobal,
		OrgID:        res.OrgID,
		Active:       res.Active,
		SyncState:    res.SyncState,
		Scheme:       res.Scheme,
		OwnerID:      res.OwnerID,
		AllowedUsers: res.AllowedUsers,
		CreatedAt:    res.CreatedAt,
		UpdatedAt:    res.UpdatedAt,
	}
}
