// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/logger"
)

// metadata is the per-request metadata block of the response envelope.
type metadata map[string]any

type envelope struct {
	Status   string   `json:"status"`
	Data     any      `json:"data,omitempty"`
	Metadata metadata `json:"metadata"`
}

// respond writes the success envelope. A nil meta is allowed; the request
// id is always filled in. Encode failures are logged rather than returned
// because the status line is already on the wire.
func respond(w http.ResponseWriter, r *http.Request, status int, data any, meta metadata) error {
	if meta == nil {
		meta = metadata{}
	}
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		meta["request_id"] = reqID
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Status: "success", Data: data, Metadata: meta}); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
	return nil
}

// decode unmarshals the request body into dst, reporting malformed JSON as
// a validation error.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apierror.Validation("invalid request body").WithDetail("body", err.Error())
	}
	return nil
}

// queryInt parses an optional integer query parameter, returning def when
// the parameter is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierror.Validation("invalid query parameter").WithDetail(name, "must be an integer")
	}
	return v, nil
}

// queryFloat parses an optional float query parameter, returning def when
// the parameter is absent.
func queryFloat(r *http.Request, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apierror.Validation("invalid query parameter").WithDetail(name, "must be a number")
	}
	return v, nil
}

// queryBool parses an optional boolean query parameter, treating absence
// as false.
func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apierror.Validation("invalid query parameter").WithDetail(name, "must be a boolean")
	}
	return v, nil
}
