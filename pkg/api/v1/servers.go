// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/config"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

// ServersRoutes binds the external-server handlers to the registry and the
// aggregator. The registry read in every handler is the tenancy check: the
// aggregator's own lookups bypass scope.
type ServersRoutes struct {
	store   registry.Store
	manager ServerManager
}

// ServersRouter creates a router for external server registration and
// lifecycle.
func ServersRouter(store registry.Store, manager ServerManager) http.Handler {
	routes := ServersRoutes{store: store, manager: manager}

	r := chi.NewRouter()
	r.Get("/", apierror.ErrorHandler(routes.listServers))
	r.Post("/", apierror.ErrorHandler(routes.registerServer))
	r.Get("/{id}", apierror.ErrorHandler(routes.getServer))
	r.Post("/{id}/connect", apierror.ErrorHandler(routes.connectServer))
	r.Post("/{id}/disconnect", apierror.ErrorHandler(routes.disconnectServer))
	r.Post("/{id}/rename", apierror.ErrorHandler(routes.renameServer))
	r.Delete("/{id}", apierror.ErrorHandler(routes.removeServer))
	return r
}

type registerServerRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Transport   string `json:"transport"`

	// Command, Args and Env configure the stdio transport.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// URL and Headers configure the sse and http transports.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	HealthCheckURL string          `json:"health_check_url,omitempty"`
	CallTimeout    config.Duration `json:"call_timeout,omitempty"`

	// AutoConnect starts a session right after registration.
	AutoConnect bool `json:"auto_connect,omitempty"`
}

type renameServerRequest struct {
	Name string `json:"name"`
}

// serverResponse deliberately omits Env and Headers: both may carry
// credentials and are write-only through this API.
type serverResponse struct {
	ID                  string                   `json:"id"`
	Name                string                   `json:"name"`
	Description         string                   `json:"description,omitempty"`
	Transport           capability.TransportType `json:"transport"`
	Command             string                   `json:"command,omitempty"`
	Args                []string                 `json:"args,omitempty"`
	URL                 string                   `json:"url,omitempty"`
	HealthCheckURL      string                   `json:"health_check_url,omitempty"`
	CallTimeout         config.Duration          `json:"call_timeout,omitempty"`
	Global              bool                     `json:"global"`
	OrgID               string                   `json:"org_id,omitempty"`
	Status              capability.ServerStatus  `json:"status"`
	Live                bool                     `json:"live"`
	LastProbeAt         time.Time                `json:"last_probe_at,omitzero"`
	ConsecutiveFailures int                      `json:"consecutive_failures,omitempty"`
	ToolCount           int                      `json:"tool_count"`
	CreatedAt           time.Time                `json:"created_at"`
	UpdatedAt           time.Time                `json:"updated_at"`
}

// listServers
//
//	@Summary	List external servers
//	@Tags		aggregator
//	@Produce	json
//	@Success	200	{object}	map[string][]serverResponse
//	@Router		/api/v1/aggregator/servers [get]
func (s ServersRoutes) listServers(w http.ResponseWriter, r *http.Request) error {
	scope := tenancy.FromContext(r.Context())
	servers, err := s.store.ListServers(r.Context(), &scope)
	if err != nil {
		return err
	}

	out := make([]serverResponse, 0, len(servers))
	for _, rec := range servers {
		out = append(out, s.toServerResponse(rec))
	}
	return respond(w, r, http.StatusOK, map[string]any{"servers": out}, nil)
}

// registerServer
//
//	@Summary		Register an external server
//	@Description	Store a server record and optionally connect immediately. A failed auto-connect does not roll back the registration.
//	@Tags			aggregator
//	@Accept			json
//	@Produce		json
//	@Param			request	body		registerServerRequest	true	"Server configuration"
//	@Success		201		{object}	serverResponse
//	@Failure		409		{string}	string	"Name already exists in scope"
//	@Failure		422		{string}	string	"Validation error"
//	@Router			/api/v1/aggregator/servers [post]
func (s ServersRoutes) registerServer(w http.ResponseWriter, r *http.Request) error {
	var req registerServerRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	scope := tenancy.FromContext(r.Context())
	rec := &capability.ServerRecord{
		Name:           req.Name,
		Description:    req.Description,
		Transport:      capability.TransportType(req.Transport),
		Command:        req.Command,
		Args:           req.Args,
		Env:            req.Env,
		URL:            req.URL,
		Headers:        req.Headers,
		HealthCheckURL: req.HealthCheckURL,
		CallTimeout:    req.CallTimeout.Std(),
		IsGlobal:       scope.GlobalOnly(),
		OrgID:          scope.OrgID,
	}
	if err := s.manager.Register(r.Context(), rec, req.AutoConnect); err != nil {
		return err
	}

	// Re-read for the post-connect status.
	stored, err := s.store.GetServer(r.Context(), &scope, rec.ID)
	if err != nil {
		return err
	}
	return respond(w, r, http.StatusCreated, s.toServerResponse(stored), nil)
}

// getServer
//
//	@Summary	Get external server details
//	@Tags		aggregator
//	@Produce	json
//	@Param		id	path		string	true	"Server id"
//	@Success	200	{object}	serverResponse
//	@Failure	404	{string}	string	"Not found"
//	@Router		/api/v1/aggregator/servers/{id} [get]
func (s ServersRoutes) getServer(w http.ResponseWriter, r *http.Request) error {
	scope := tenancy.FromContext(r.Context())
	rec, err := s.store.GetServer(r.Context(), &scope, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return respond(w, r, http.StatusOK, s.toServerResponse(rec), nil)
}

// connectServer
//
//	@Summary		Connect an external server
//	@Description	Establish a session and run discovery
//	@Tags			aggregator
//	@Produce		json
//	@Param			id	path		string	true	"Server id"
//	@Success		200	{object}	serverResponse
//	@Failure		404	{string}	string	"Not found"
//	@Failure		503	{string}	string	"Connection failed"
//	@Router			/api/v1/aggregator/servers/{id}/connect [post]
func (s ServersRoutes) connectServer(w http.ResponseWriter, r *http.Request) error {
	return s.lifecycle(w, r, s.manager.Connect)
}

// disconnectServer
//
//	@Summary		Disconnect an external server
//	@Description	Drain in-flight calls and close the session. Discovered tools stay registered but leave search until reconnect.
//	@Tags			aggregator
//	@Produce		json
//	@Param			id	path		string	true	"Server id"
//	@Success		200	{object}	serverResponse
//	@Failure		404	{string}	string	"Not found"
//	@Router			/api/v1/aggregator/servers/{id}/disconnect [post]
func (s ServersRoutes) disconnectServer(w http.ResponseWriter, r *http.Request) error {
	return s.lifecycle(w, r, s.manager.Disconnect)
}

// renameServer
//
//	@Summary		Rename an external server
//	@Description	Rename the server and rewrite the namespaced names of all its tools
//	@Tags			aggregator
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Server id"
//	@Param			request	body		renameServerRequest	true	"New name"
//	@Success		200		{object}	serverResponse
//	@Failure		404		{string}	string	"Not found"
//	@Failure		409		{string}	string	"Name already exists in scope"
//	@Router			/api/v1/aggregator/servers/{id}/rename [post]
func (s ServersRoutes) renameServer(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	var req renameServerRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	scope := tenancy.FromContext(r.Context())
	if _, err := s.store.GetServer(r.Context(), &scope, id); err != nil {
		return err
	}
	if err := s.manager.Rename(r.Context(), id, req.Name); err != nil {
		return err
	}

	rec, err := s.store.GetServer(r.Context(), &scope, id)
	if err != nil {
		return err
	}
	return respond(w, r, http.StatusOK, s.toServerResponse(rec), nil)
}

// removeServer
//
//	@Summary		Remove an external server
//	@Description	Disconnect, then delete the server and every capability discovered from it
//	@Tags			aggregator
//	@Produce		json
//	@Param			id	path		string	true	"Server id"
//	@Success		200	{object}	map[string]string
//	@Failure		404	{string}	string	"Not found"
//	@Router			/api/v1/aggregator/servers/{id} [delete]
func (s ServersRoutes) removeServer(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	scope := tenancy.FromContext(r.Context())

	if _, err := s.store.GetServer(r.Context(), &scope, id); err != nil {
		return err
	}
	if err := s.manager.Remove(r.Context(), id); err != nil {
		return err
	}

	return respond(w, r, http.StatusOK, map[string]string{"id": id}, nil)
}

// lifecycle runs a scope check, applies op, and responds with the fresh
// record.
func (s ServersRoutes) lifecycle(
	w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id string) error,
) error {
	id := chi.URLParam(r, "id")
	scope := tenancy.FromContext(r.Context())

	if _, err := s.store.GetServer(r.Context(), &scope, id); err != nil {
		return err
	}
	if err := op(r.Context(), id); err != nil {
		return err
	}

	rec, err := s.store.GetServer(r.Context(), &scope, id)
	if err != nil {
		return err
	}
	return respond(w, r, http.StatusOK, s.toServerResponse(rec), nil)
}

func (s ServersRoutes) toServerResponse(rec *capability.ServerRecord) serverResponse {
	return serverResponse{
		ID:                  rec.ID,
		Name:                rec.Name,
		Description:         rec.Description,
		Transport:           rec.Transport,
		Command:             rec.Command,
		Args:                rec.Args,
		URL:                 rec.URL,
		HealthCheckURL:      rec.HealthCheckURL,
		CallTimeout:         config.Duration(rec.CallTimeout),
		Global:              rec.IsGlobal,
		OrgID:               rec.OrgID,
		Status:              rec.Status,
		Live:                s.manager.IsLive(rec.ID),
		LastProbeAt:         rec.LastProbeAt,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		ToolCount:           len(rec.ToolIDs),
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
}
