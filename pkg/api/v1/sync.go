// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
)

// SyncRoutes binds the sync pipeline handlers.
type SyncRoutes struct {
	sync SyncControl
}

// SyncRouter creates a router for sync pipeline status and control.
func SyncRouter(sync SyncControl) http.Handler {
	routes := SyncRoutes{sync: sync}

	r := chi.NewRouter()
	r.Get("/status", apierror.ErrorHandler(routes.getStatus))
	r.Post("/trigger", apierror.ErrorHandler(routes.trigger))
	return r
}

type syncFailure struct {
	CapabilityID string          `json:"capability_id"`
	Kind         capability.Kind `json:"kind"`
	Stage        string          `json:"stage"`
	Error        string          `json:"error"`
	Attempts     int             `json:"attempts"`
	At           time.Time       `json:"at"`
}

type syncStatus struct {
	States         map[capability.SyncState]int `json:"states"`
	LastPassAt     time.Time                    `json:"last_pass_at,omitzero"`
	RecentFailures []syncFailure                `json:"recent_failures"`
}

// getStatus
//
//	@Summary		Sync pipeline status
//	@Description	Per-state capability counts, last pass time and recent failures
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	syncStatus
//	@Router			/api/v1/sync/status [get]
func (s SyncRoutes) getStatus(w http.ResponseWriter, r *http.Request) error {
	st, err := s.sync.Status(r.Context())
	if err != nil {
		return err
	}

	out := syncStatus{
		States:         st.States,
		LastPassAt:     st.LastPassAt,
		RecentFailures: make([]syncFailure, 0, len(st.RecentFailures)),
	}
	for _, f := range st.RecentFailures {
		out.RecentFailures = append(out.RecentFailures, syncFailure{
			CapabilityID: f.CapabilityID,
			Kind:         f.Kind,
			Stage:        f.Stage,
			Error:        f.Error,
			Attempts:     f.Attempts,
			At:           f.At,
		})
	}
	return respond(w, r, http.StatusOK, out, nil)
}

// trigger
//
//	@Summary		Trigger a sync pass
//	@Description	Wake the sync loop. The pass runs asynchronously.
//	@Tags			sync
//	@Produce		json
//	@Success		202	{object}	map[string]bool
//	@Router			/api/v1/sync/trigger [post]
func (s SyncRoutes) trigger(w http.ResponseWriter, r *http.Request) error {
	s.sync.Trigger()
	return respond(w, r, http.StatusAccepted, map[string]bool{"triggered": true}, nil)
}
