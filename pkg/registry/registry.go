// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry defines the authoritative capability store: tools,
// prompts, resources, skill categories, skill assignments, suggestions and
// external server records. Implementations are transactional; every read
// path accepts a tenancy scope so visibility is enforced at the query.
package registry

import (
	"context"
	"time"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

//go:generate mockgen -destination=mocks/mock_registry.go -package=mocks -source=registry.go

var (
	// ErrNotFound is returned when a record does not exist or is not
	// visible to the caller's scope.
	ErrNotFound = apierror.NotFound("record not found")

	// ErrDuplicateName is returned when a name collides within its
	// visibility scope.
	ErrDuplicateName = apierror.DuplicateName("name already exists in visibility scope")
)

// SyncRef identifies a capability awaiting sync work.
type SyncRef struct {
	ID   string
	Kind capability.Kind
}

// ToolFilter narrows ListTools. Zero values match everything.
type ToolFilter struct {
	// ServerID restricts to tools discovered from one external server.
	ServerID string

	// SkillID restricts to tools assigned to one skill.
	SkillID string

	// ActiveOnly drops deactivated tools.
	ActiveOnly bool

	// Origin restricts to internal or external tools.
	Origin capability.Origin
}

// ListFilter narrows ListPrompts and ListResources.
type ListFilter struct {
	ActiveOnly bool
}

// SkillFilter narrows ListSkills.
type SkillFilter struct {
	// ActiveOnly drops deactivated skills.
	ActiveOnly bool

	// WithCounts populates the derived ToolCount on each skill.
	WithCounts bool
}

// ToolStore persists tools. A nil scope bypasses the tenancy predicate and
// is reserved for internal pathways (sync, aggregator bookkeeping).
type ToolStore interface {
	// CreateTool stores a new tool, assigning an id when empty. Fails with
	// ErrDuplicateName if the name collides in the tool's scope.
	CreateTool(ctx context.Context, t *capability.Tool) error
	// GetTool retrieves a tool by id.
	GetTool(ctx context.Context, scope *tenancy.Scope, id string) (*capability.Tool, error)
	// GetToolByName retrieves a tool by its aggregated-surface name
	// (namespaced for external tools).
	GetToolByName(ctx context.Context, scope *tenancy.Scope, name string) (*capability.Tool, error)
	// ListTools returns tools matching the filter, ordered by name.
	ListTools(ctx context.Context, scope *tenancy.Scope, filter ToolFilter) ([]*capability.Tool, error)
	// UpdateTool rewrites a tool's mutable fields.
	UpdateTool(ctx context.Context, t *capability.Tool) error
	// DeleteTool removes a tool and its assignments.
	DeleteTool(ctx context.Context, id string) error
}

// PromptStore persists prompts.
type PromptStore interface {
	CreatePrompt(ctx context.Context, p *capability.Prompt) error
	GetPrompt(ctx context.Context, scope *tenancy.Scope, id string) (*capability.Prompt, error)
	GetPromptByName(ctx context.Context, scope *tenancy.Scope, name string) (*capability.Prompt, error)
	ListPrompts(ctx context.Context, scope *tenancy.Scope, filter ListFilter) ([]*capability.Prompt, error)
	UpdatePrompt(ctx context.Context, p *capability.Prompt) error
	DeletePrompt(ctx context.Context, id string) error
}

// ResourceStore persists resources.
type ResourceStore interface {
	CreateResource(ctx context.Context, r *capability.Resource) error
	GetResource(ctx context.Context, scope *tenancy.Scope, id string) (*capability.Resource, error)
	GetResourceByName(ctx context.Context, scope *tenancy.Scope, name string) (*capability.Resource, error)
	ListResources(ctx context.Context, scope *tenancy.Scope, filter ListFilter) ([]*capability.Resource, error)
	UpdateResource(ctx context.Context, r *capability.Resource) error
	DeleteResource(ctx context.Context, id string) error
}

// CapabilityStore exposes the kind-agnostic operations used by the sync
// pipeline and the counts endpoint.
type CapabilityStore interface {
	// SetActive flips a capability's active flag without touching other
	// fields. Deactivated capabilities keep their rows but leave the index.
	SetActive(ctx context.Context, id string, active bool) error
	// SetSyncState moves a capability through the sync state machine.
	SetSyncState(ctx context.Context, id string, state capability.SyncState) error
	// SetSyncResult records the terminal outcome of one sync pass.
	SetSyncResult(ctx context.Context, id string, state capability.SyncState, embeddingHash string, isClassified bool) error
	// ListSyncPending returns up to limit capabilities whose sync state is
	// one of states, oldest first.
	ListSyncPending(ctx context.Context, states []capability.SyncState, limit int) ([]SyncRef, error)
	// CountCapabilities returns per-kind totals of active capabilities
	// visible to the scope.
	CountCapabilities(ctx context.Context, scope *tenancy.Scope) (map[capability.Kind]int, error)
	// CountSyncStates returns per-state capability totals across all
	// scopes, for sync pipeline visibility.
	CountSyncStates(ctx context.Context) (map[capability.SyncState]int, error)
}

// SkillStore persists skill categories and tool assignments.
type SkillStore interface {
	// UpsertSkill creates or replaces a skill category. The id must match
	// ^[a-z][a-z0-9_]*$.
	UpsertSkill(ctx context.Context, s *capability.SkillCategory) error
	// GetSkill retrieves a skill with its derived tool count.
	GetSkill(ctx context.Context, id string) (*capability.SkillCategory, error)
	// ListSkills returns skills matching the filter, ordered by id.
	ListSkills(ctx context.Context, filter SkillFilter) ([]*capability.SkillCategory, error)
	// DeactivateSkill soft-deletes a skill: existing assignments remain
	// but the skill is excluded from active search and classification.
	DeactivateSkill(ctx context.Context, id string) error
	// SetSkillAssignments atomically replaces a tool's assignments and
	// normalizes the primary flag: the highest-confidence assignment with
	// confidence >= 0.5 becomes primary; when none qualifies the tool is
	// assigned to uncategorized instead.
	SetSkillAssignments(ctx context.Context, toolID string, assignments []capability.SkillAssignment) error
	// ListAssignments returns a tool's assignments, primary first.
	ListAssignments(ctx context.Context, toolID string) ([]capability.SkillAssignment, error)
	// ListToolIDsBySkill returns ids of active tools assigned to a skill.
	ListToolIDsBySkill(ctx context.Context, skillID string) ([]string, error)
}

// SuggestionStore persists classifier-proposed skills pending review.
type SuggestionStore interface {
	// CreateSuggestion stores a pending suggestion. A pending suggestion
	// with the same proposed id already exists → ErrDuplicateName, so
	// repeated classification of similar tools does not pile up rows.
	CreateSuggestion(ctx context.Context, s *capability.SkillSuggestion) error
	// GetSuggestion retrieves a suggestion by id.
	GetSuggestion(ctx context.Context, id string) (*capability.SkillSuggestion, error)
	// ListSuggestions returns suggestions with the given status, newest
	// first. Empty status matches all.
	ListSuggestions(ctx context.Context, status capability.SuggestionStatus) ([]*capability.SkillSuggestion, error)
	// SetSuggestionStatus resolves a pending suggestion. Resolving an
	// already-resolved suggestion fails with a validation error.
	SetSuggestionStatus(ctx context.Context, id string, status capability.SuggestionStatus) error
}

// ServerStore persists external server records.
type ServerStore interface {
	// CreateServer stores a new server record, assigning an id when empty.
	CreateServer(ctx context.Context, s *capability.ServerRecord) error
	// GetServer retrieves a server by id.
	GetServer(ctx context.Context, scope *tenancy.Scope, id string) (*capability.ServerRecord, error)
	// GetServerByName retrieves a server by name.
	GetServerByName(ctx context.Context, scope *tenancy.Scope, name string) (*capability.ServerRecord, error)
	// ListServers returns servers visible to the scope, ordered by name,
	// with their discovered tool ids populated.
	ListServers(ctx context.Context, scope *tenancy.Scope) ([]*capability.ServerRecord, error)
	// UpdateServer rewrites a server's configuration fields.
	UpdateServer(ctx context.Context, s *capability.ServerRecord) error
	// UpdateServerStatus records the outcome of a probe or lifecycle
	// transition.
	UpdateServerStatus(ctx context.Context, id string, status capability.ServerStatus, lastProbeAt time.Time, consecutiveFailures int) error
	// RenameServer renames a server and rewrites the namespaced names of
	// all its tools in one transaction. Returns the ids of rewritten tools
	// so callers can re-index them.
	RenameServer(ctx context.Context, id, newName string) ([]string, error)
	// ListToolIDsByServer returns ids of the tools discovered from a server.
	ListToolIDsByServer(ctx context.Context, serverID string) ([]string, error)
	// DeleteServer removes a server and all its discovered tools. Vector
	// cleanup is the caller's responsibility and must happen first.
	DeleteServer(ctx context.Context, id string) error
}

// Store is the full registry surface.
type Store interface {
	ToolStore
	PromptStore
	ResourceStore
	CapabilityStore
	SkillStore
	SuggestionStore
	ServerStore

	// Close releases the underlying database.
	Close() error
}
