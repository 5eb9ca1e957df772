// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capgate-io/capgate/pkg/apierror"
)

// HealthRouter creates a router for the health endpoint. A nil ready func
// means the gateway is always ready.
func HealthRouter(ready Readiness) http.Handler {
	r := chi.NewRouter()
	r.Get("/", apierror.ErrorHandler(func(w http.ResponseWriter, req *http.Request) error {
		if ready != nil {
			if err := ready(req.Context()); err != nil {
				return apierror.ServerUnavailable("not ready: " + err.Error())
			}
		}
		return respond(w, req, http.StatusOK, map[string]bool{"healthy": true}, nil)
	}))
	return r
}
