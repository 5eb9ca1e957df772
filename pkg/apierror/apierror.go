// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package apierror defines the wire-stable error taxonomy shared by every
// capgate surface. Errors carry a machine-readable kind and an HTTP status;
// handlers extract both with [Code] and [KindOf] and render the standard
// error envelope.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is a wire-stable error code exposed to API callers.
type Kind string

// The full taxonomy. Values are stable; clients match on them.
const (
	KindValidation         Kind = "ValidationError"
	KindDuplicateName      Kind = "DuplicateName"
	KindNotFound           Kind = "NotFound"
	KindUnauthorized       Kind = "Unauthorized"
	KindForbidden          Kind = "Forbidden"
	KindServerUnavailable  Kind = "ServerUnavailable"
	KindRequestCancelled   Kind = "RequestCancelled"
	KindOverloaded         Kind = "Overloaded"
	KindEmbeddingBackend   Kind = "EmbeddingBackendUnavailable"
	KindEmbeddingRejected  Kind = "EmbeddingRejected"
	KindSearchBackendError Kind = "SearchBackendError"
	KindInternal           Kind = "Internal"
)

// StatusClientClosedRequest is the non-standard status reported when the
// caller cancelled the request before a response was written.
const StatusClientClosedRequest = 499

// Detail describes a single field-level validation issue.
type Detail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// Error is an error annotated with a taxonomy kind and HTTP status.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Details []Detail
	cause   error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetail appends a field-level detail and returns the error for chaining.
func (e *Error) WithDetail(field, issue string) *Error {
	e.Details = append(e.Details, Detail{Field: field, Issue: issue})
	return e
}

// New creates an error with an explicit kind and status.
func New(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message}
}

// Wrap annotates cause with a kind and status, preserving the chain for
// errors.Is / errors.As.
func Wrap(cause error, kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message, cause: cause}
}

// Validation returns a 422 validation error.
func Validation(message string) *Error {
	return New(KindValidation, http.StatusUnprocessableEntity, message)
}

// DuplicateName returns a 409 scoped-name-collision error.
func DuplicateName(message string) *Error {
	return New(KindDuplicateName, http.StatusConflict, message)
}

// NotFound returns a 404 error.
func NotFound(message string) *Error {
	return New(KindNotFound, http.StatusNotFound, message)
}

// Unauthorized returns a 401 error.
func Unauthorized(message string) *Error {
	return New(KindUnauthorized, http.StatusUnauthorized, message)
}

// Forbidden returns a 403 error.
func Forbidden(message string) *Error {
	return New(KindForbidden, http.StatusForbidden, message)
}

// ServerUnavailable returns a 503 error for an external server that is not
// in a connectable state.
func ServerUnavailable(message string) *Error {
	return New(KindServerUnavailable, http.StatusServiceUnavailable, message)
}

// Cancelled returns a 499 error for caller-side cancellation.
func Cancelled() *Error {
	return New(KindRequestCancelled, StatusClientClosedRequest, "request cancelled by caller")
}

// Overloaded returns a 503 error raised when a concurrency cap is hit.
func Overloaded(message string) *Error {
	return New(KindOverloaded, http.StatusServiceUnavailable, message)
}

// EmbeddingUnavailable wraps a transport or 5xx failure from the embedding
// backend. Retriable.
func EmbeddingUnavailable(cause error) *Error {
	return Wrap(cause, KindEmbeddingBackend, http.StatusServiceUnavailable, "embedding backend unavailable")
}

// EmbeddingRejected wraps a caller-attributable rejection from the embedding
// backend. status should be 400 or 502 depending on attribution.
func EmbeddingRejected(cause error, status int) *Error {
	return Wrap(cause, KindEmbeddingRejected, status, "embedding request rejected")
}

// SearchBackend wraps a vector index failure that is fatal to the request.
func SearchBackend(cause error) *Error {
	return Wrap(cause, KindSearchBackendError, http.StatusServiceUnavailable, "search backend error")
}

// Internal wraps any unclassified failure.
func Internal(cause error) *Error {
	return Wrap(cause, KindInternal, http.StatusInternalServerError, "internal error")
}

// Code extracts the HTTP status from err. Unannotated errors yield 500;
// context cancellation yields 499.
func Code(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	if errors.Is(err, context.Canceled) {
		return StatusClientClosedRequest
	}
	return http.StatusInternalServerError
}

// KindOf extracts the taxonomy kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindRequestCancelled
	}
	return KindInternal
}

// FromError normalizes err into an *Error, annotating unclassified errors
// as Internal.
func FromError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled()
	}
	return Internal(err)
}
