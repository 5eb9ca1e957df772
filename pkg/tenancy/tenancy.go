// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package tenancy implements the visibility predicate applied to every
// user-facing read: a row is visible to a caller with organization O iff
// is_global=true or org_id=O. A caller without an organization sees only
// global rows.
//
// The Scope type is a pure value; each consumer renders it into its own
// query engine (SQL in the registry and vector index, map checks in the
// aggregator). Cache keys derived from a Scope encode the full predicate so
// cached lists can never leak across tenants.
package tenancy

import (
	"context"
	"net/http"
)

// HeaderOrganizationID overrides the org claim in the caller's identity.
// Absent means "global only".
const HeaderOrganizationID = "X-Organization-Id"

// Scope is the resolved tenancy of one caller.
type Scope struct {
	// OrgID is the caller's organization. Empty means the caller is not
	// authenticated to any org and sees only global rows.
	OrgID string
}

// NewScope returns a Scope for the given organization id. An empty id
// yields the global-only scope.
func NewScope(orgID string) Scope {
	return Scope{OrgID: orgID}
}

// GlobalOnly reports whether the scope grants access to global rows only.
func (s Scope) GlobalOnly() bool {
	return s.OrgID == ""
}

// Visible evaluates the tenancy predicate for a single row.
func (s Scope) Visible(isGlobal bool, orgID string) bool {
	if isGlobal {
		return true
	}
	if s.OrgID == "" {
		return false
	}
	return orgID == s.OrgID
}

// CacheKey encodes the predicate for use in cache keys. Distinct scopes
// always produce distinct keys.
func (s Scope) CacheKey() string {
	if s.OrgID == "" {
		return "global"
	}
	return "org:" + s.OrgID
}

type scopeContextKey struct{}

// WithScope returns a context carrying the scope.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, s)
}

// FromContext returns the scope carried by ctx, defaulting to global-only.
func FromContext(ctx context.Context) Scope {
	if s, ok := ctx.Value(scopeContextKey{}).(Scope); ok {
		return s
	}
	return Scope{}
}

// FromRequest resolves the caller's scope from the request headers.
func FromRequest(r *http.Request) Scope {
	return NewScope(r.Header.Get(HeaderOrganizationID))
}

// Middleware resolves the caller's scope and stores it on the request
// context for downstream handlers.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithScope(r.Context(), FromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
