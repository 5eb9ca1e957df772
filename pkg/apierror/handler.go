// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package apierror

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/capgate-io/capgate/pkg/logger"
)

// HandlerWithError is an HTTP handler that reports failures by returning
// an error instead of writing the response itself. The decorator renders
// returned errors as the standard error envelope, so handlers only ever
// write success bodies.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// ErrorHandler wraps a HandlerWithError. When the handler returns nil it
// has already written its response; otherwise the error is normalized
// through the taxonomy and rendered with WriteError.
//
// Usage:
//
//	r.Post("/", apierror.ErrorHandler(routes.createSkill))
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			WriteError(w, r, err)
		}
	}
}

// wireError is the error object inside the envelope.
type wireError struct {
	Code    Kind     `json:"code"`
	Message string   `json:"message"`
	Details []Detail `json:"details,omitempty"`
}

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Status   string         `json:"status"`
	Err      wireError      `json:"error"`
	Metadata map[string]any `json:"metadata"`
}

// WriteError renders err as the error envelope. The message always comes
// from the taxonomy annotation, so wrapped causes never reach the client;
// 5xx responses additionally log the full chain.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := FromError(err)

	if apiErr.Status >= http.StatusInternalServerError {
		logger.Errorw("Request failed",
			"method", r.Method, "path", r.URL.Path,
			"status", apiErr.Status, "error", err)
	}

	meta := map[string]any{}
	if id := middleware.GetReqID(r.Context()); id != "" {
		meta["request_id"] = id
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	if encErr := json.NewEncoder(w).Encode(errorEnvelope{
		Status: "error",
		Err: wireError{
			Code:    apiErr.Kind,
			Message: apiErr.Message,
			Details: apiErr.Details,
		},
		Metadata: meta,
	}); encErr != nil {
		logger.Errorf("Encoding error envelope: %v", encErr)
	}
}
