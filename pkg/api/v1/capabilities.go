// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

// CapabilitiesRoutes binds the capability overview handler to the registry.
type CapabilitiesRoutes struct {
	store registry.Store
}

// CapabilitiesRouter creates a router for the aggregated capability
// overview.
func CapabilitiesRouter(store registry.Store) http.Handler {
	routes := CapabilitiesRoutes{store: store}

	r := chi.NewRouter()
	r.Get("/", apierror.ErrorHandler(routes.getOverview))
	return r
}

type serverSummary struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	Status    capability.ServerStatus `json:"status"`
	ToolCount int                     `json:"tool_count"`
}

type capabilityOverview struct {
	// Counts are per-kind totals of active capabilities in scope.
	Counts map[capability.Kind]int `json:"counts"`

	// Origins splits the active tools in scope by internal vs external.
	Origins map[capability.Origin]int `json:"origins"`

	// SyncStates are pipeline-wide totals, not scoped: the sync pipeline
	// is shared.
	SyncStates map[capability.SyncState]int `json:"sync_states"`

	Servers []serverSummary `json:"servers"`
}

// getOverview
//
//	@Summary		Capability overview
//	@Description	Aggregated counts of capabilities, origins, sync states and registered servers
//	@Tags			capabilities
//	@Produce		json
//	@Success		200	{object}	capabilityOverview
//	@Router			/api/v1/capabilities [get]
func (s CapabilitiesRoutes) getOverview(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	scope := tenancy.FromContext(ctx)

	counts, err := s.store.CountCapabilities(ctx, &scope)
	if err != nil {
		return err
	}
	internal, err := s.store.ListTools(ctx, &scope, registry.ToolFilter{
		Origin: capability.OriginInternal, ActiveOnly: true,
	})
	if err != nil {
		return err
	}
	external, err := s.store.ListTools(ctx, &scope, registry.ToolFilter{
		Origin: capability.OriginExternal, ActiveOnly: true,
	})
	if err != nil {
		return err
	}
	states, err := s.store.CountSyncStates(ctx)
	if err != nil {
		return err
	}
	servers, err := s.store.ListServers(ctx, &scope)
	if err != nil {
		return err
	}

	overview := capabilityOverview{
		Counts: counts,
		Origins: map[capability.Origin]int{
			capability.OriginInternal: len(internal),
			capability.OriginExternal: len(external),
		},
		SyncStates: states,
		Servers:    make([]serverSummary, 0, len(servers)),
	}
	for _, rec := range servers {
		overview.Servers = append(overview.Servers, serverSummary{
			ID:        rec.ID,
			Name:      rec.Name,
			Status:    rec.Status,
			ToolCount: len(rec.ToolIDs),
		})
	}

	return respond(w, r, http.StatusOK, overview, nil)
}
