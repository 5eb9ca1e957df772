// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package vectorindex implements the persistent vector index used by
// hierarchical search: payload-tagged embeddings with k-NN, hybrid
// (vector + BM25 lexical) retrieval and predicate filtering.
//
// Two collections exist: "tools" holds one entry per capability and
// "skills" holds one centroid per skill category. Entries carry the
// tenancy fields (is_global, org_id) so the visibility predicate is
// evaluated inside the store on every search.
package vectorindex

import (
	"context"

	"github.com/capgate-io/capgate/pkg/tenancy"
)

// Collection names.
const (
	// CollectionTools holds one entry per indexed capability.
	CollectionTools = "tools"

	// CollectionSkills holds one centroid entry per skill category.
	CollectionSkills = "skills"
)

// Mode selects the retrieval strategy for a search.
type Mode string

const (
	// ModeVector ranks by cosine similarity only.
	ModeVector Mode = "vector"

	// ModeHybrid blends cosine similarity with a BM25 lexical score using
	// a fixed weight.
	ModeHybrid Mode = "hybrid"

	// ModeLexical ranks by the BM25 lexical score only.
	ModeLexical Mode = "lexical"
)

// hybridVectorWeight is the fixed blend weight for hybrid mode: the final
// score is w*vector + (1-w)*lexical.
const hybridVectorWeight = 0.7

// Payload is the filterable metadata stored with each entry.
type Payload struct {
	// CapabilityID references the registry row (tools collection).
	CapabilityID string

	// Kind is the capability kind: tool, prompt or resource.
	Kind string

	// SkillIDs are the assigned skill categories.
	SkillIDs []string

	// PrimarySkillID is the single primary assignment.
	PrimarySkillID string

	// OrgID and IsGlobal encode row visibility.
	OrgID    string
	IsGlobal bool

	// ServerID is the owning external server, empty for internal entries.
	ServerID string

	// Text is the exact text that was embedded; it doubles as the lexical
	// document for BM25 matching.
	Text string

	// ToolCount is the number of member tools (skills collection).
	ToolCount int
}

// Entry is one indexed vector with its payload.
type Entry struct {
	// ID is unique within a collection.
	ID string

	// Vector is the embedding. May be nil for lexical-only entries.
	Vector []float32

	Payload Payload
}

// Query carries both representations of the caller's query. Vector drives
// the semantic leg; Text drives the lexical leg. Either may be empty when
// the mode does not need it.
type Query struct {
	Vector []float32
	Text   string
}

// Filter is a conjunction of predicates over payload fields. The zero
// value matches everything; searches that originate from a user request
// must set Scope.
type Filter struct {
	// Scope applies the tenancy predicate (is_global OR org_id = X).
	Scope *tenancy.Scope

	// Kind restricts to one capability kind when non-empty.
	Kind string

	// SkillIDs keeps entries whose skill_ids overlap this set (match any).
	SkillIDs []string

	// ServerIDs, when non-nil, keeps internal entries (empty server_id)
	// and external entries whose server_id is in the set. An empty non-nil
	// slice therefore keeps internal entries only.
	ServerIDs []string

	// IDs restricts to an explicit id set when non-nil.
	IDs []string
}

// Result is one search hit.
type Result struct {
	Entry

	// Score is in [0, 1]; results are ordered by non-increasing score with
	// ties broken by id.
	Score float64
}

// Index is the vector index contract.
//
//go:generate mockgen -destination=mocks/mock_index.go -package=mocks -source=index.go Index
type Index interface {
	// Upsert inserts or replaces entries, atomic per entry.
	Upsert(ctx context.Context, collection string, entries []Entry) error

	// Delete removes entries by id. Unknown ids are ignored.
	Delete(ctx context.Context, collection string, ids []string) error

	// Search returns the top-k entries matching the filter, scored
	// according to mode.
	Search(ctx context.Context, collection string, q Query, k int, filter Filter, mode Mode) ([]Result, error)

	// Fetch returns entries by id, ordered by id. Unknown ids are
	// omitted. The sync pathway uses it to read member vectors back for
	// centroid computation.
	Fetch(ctx context.Context, collection string, ids []string) ([]Entry, error)

	// Refresh blocks until previously written entries are visible to
	// Search. Implementations with synchronous visibility return
	// immediately.
	Refresh(ctx context.Context) error

	// Count returns the number of entries in a collection.
	Count(ctx context.Context, collection string) (int, error)

	// Close releases the underlying storage.
	Close() error
}
