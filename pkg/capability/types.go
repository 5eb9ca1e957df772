// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability contains the shared domain types used across capgate
// subsystems: capabilities (tools, prompts, resources), skill categories and
// their assignments, external server records, and the call result types
// passed between the aggregator and the protocol surfaces.
package capability

import (
	"regexp"
	"strings"
	"time"
)

// Kind discriminates the capability variants.
type Kind string

const (
	// KindTool is an invocable tool.
	KindTool Kind = "tool"

	// KindPrompt is a prompt template with argument descriptors.
	KindPrompt Kind = "prompt"

	// KindResource is an addressable resource with an access scheme.
	KindResource Kind = "resource"
)

// Origin records where a capability came from.
type Origin string

const (
	// OriginInternal marks capabilities registered directly in capgate.
	OriginInternal Origin = "internal"

	// OriginExternal marks capabilities discovered from a federated MCP server.
	OriginExternal Origin = "external"
)

// SyncState is the indexing state of a capability as driven by the sync
// pipeline. Transitions: new → embedding → classifying → indexed, with
// failed as a retriable terminal state swept by the background worker.
type SyncState string

const (
	SyncStateNew         SyncState = "new"
	SyncStateEmbedding   SyncState = "embedding"
	SyncStateClassifying SyncState = "classifying"
	SyncStateIndexed     SyncState = "indexed"
	SyncStateFailed      SyncState = "failed"
)

// Record holds the attributes common to every capability variant.
type Record struct {
	// ID is the opaque unique identifier.
	ID string

	// Name is unique within the record's visibility scope. External tools
	// carry their namespaced name here ("{server}.{original}").
	Name string

	// Description is the free text used for embedding and display.
	Description string

	// IsGlobal and OrgID encode visibility: global rows have
	// IsGlobal=true and empty OrgID; org-scoped rows the inverse.
	IsGlobal bool
	OrgID    string

	// Origin distinguishes internal records from externally discovered ones.
	Origin Origin

	// ServerID references the owning external server record. Empty for
	// internal capabilities.
	ServerID string

	// Active controls search visibility. Deactivated records keep their
	// rows but are removed from the index.
	Active bool

	// IsClassified is false while classification has not succeeded; such
	// records remain reachable via direct search.
	IsClassified bool

	// SyncState is the current position in the sync pipeline.
	SyncState SyncState

	// EmbeddingHash is the content hash of the last embedded text. Used to
	// skip vector upserts when a re-sync carries no change.
	EmbeddingHash string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tool is an invocable capability.
type Tool struct {
	Record

	// InputSchema is the JSON Schema for tool parameters.
	InputSchema map[string]any

	// OutputSchema is the JSON Schema for tool output (optional).
	OutputSchema map[string]any

	// OriginalName is the tool's name on its backend, before namespacing.
	// Empty for internal tools.
	OriginalName string
}

// BackendName returns the name to use when forwarding a call to the
// backend. External tools were renamed during discovery; the backend still
// expects the original name.
func (t *Tool) BackendName() string {
	if t.OriginalName != "" {
		return t.OriginalName
	}
	return t.Name
}

// Prompt is a template capability.
type Prompt struct {
	Record

	// Arguments are the prompt parameters.
	Arguments []PromptArgument

	// Template is the prompt body.
	Template string
}

// PromptArgument describes one prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Resource is an addressable capability.
type Resource struct {
	Record

	// Scheme is the access scheme, e.g. "memory://" or "weather://".
	Scheme string

	// OwnerID identifies the principal that owns the resource.
	OwnerID string

	// AllowedUsers is the resource ACL. It restricts access within the
	// tenancy-visible set; an empty list means visible to the whole scope.
	AllowedUsers []string
}

// UncategorizedSkillID is the fallback skill for tools whose classification
// produced no assignment with confidence ≥ 0.5.
const UncategorizedSkillID = "uncategorized"

// skillIDPattern constrains skill identifiers.
var skillIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidSkillID reports whether id is a legal skill identifier.
func ValidSkillID(id string) bool {
	return skillIDPattern.MatchString(id)
}

// SkillCategory is a taxonomy node grouping related tools for two-stage
// retrieval.
type SkillCategory struct {
	// ID is the stable identifier, matching ^[a-z][a-z0-9_]*$.
	ID string

	// Name is the display name.
	Name string

	// Description is a one-line description used in classifier prompts and
	// centroid embeddings.
	Description string

	// Keywords bias lexical matching and the classifier.
	Keywords []string

	// Examples are representative tool names.
	Examples []string

	// Active controls whether the skill participates in search and
	// classification. Deactivation keeps existing assignments.
	Active bool

	// ToolCount is derived: the number of tools currently assigned.
	ToolCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SkillAssignment links a tool to a skill with a confidence.
type SkillAssignment struct {
	ToolID     string
	SkillID    string
	Confidence float64

	// Primary marks the single highest-confidence assignment per tool.
	Primary bool
}

// SuggestionStatus is the review state of a skill suggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionApproved SuggestionStatus = "approved"
	SuggestionRejected SuggestionStatus = "rejected"
)

// SkillSuggestion is a classifier-proposed skill awaiting manual review.
type SkillSuggestion struct {
	ID           string
	ProposedID   string
	Name         string
	Rationale    string
	SourceToolID string
	Status       SuggestionStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ServerStatus is the connection state of an external server.
type ServerStatus string

const (
	// ServerConnecting is the transient state while a session starts.
	ServerConnecting ServerStatus = "connecting"

	// ServerConnected means the session is established and healthy.
	ServerConnected ServerStatus = "connected"

	// ServerDegraded means the session is established but probes report
	// slow or intermittent responses. Calls are still routed.
	ServerDegraded ServerStatus = "degraded"

	// ServerDisconnected means an operator disconnected the server. No
	// automatic reconnection is attempted.
	ServerDisconnected ServerStatus = "disconnected"

	// ServerError is a per-attempt terminal state entered after repeated
	// probe or connect failures; the reconnect policy retries it with
	// exponential backoff.
	ServerError ServerStatus = "error"
)

// Connectable reports whether tool calls may be routed to a server in this
// state.
func (s ServerStatus) Connectable() bool {
	return s == ServerConnected || s == ServerDegraded
}

// TransportType selects the session adapter for an external server.
type TransportType string

const (
	// TransportStdio spawns a child process speaking newline-delimited
	// JSON-RPC on stdin/stdout.
	TransportStdio TransportType = "stdio"

	// TransportSSE opens a long-lived SSE stream with a companion POST
	// endpoint negotiated during the handshake.
	TransportSSE TransportType = "sse"

	// TransportHTTP is request/response JSON-RPC over POST with streamed
	// notifications surfaced as progress events.
	TransportHTTP TransportType = "http"
)

// serverNamePattern constrains server names so the namespace separator
// stays unambiguous.
var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidServerName reports whether name can be used as a namespace prefix.
func ValidServerName(name string) bool {
	return serverNamePattern.MatchString(name)
}

// NamespacedName builds the aggregated surface address of an external tool.
func NamespacedName(serverName, originalName string) string {
	return serverName + "." + originalName
}

// SplitNamespacedName splits a namespaced tool name into its server and
// original parts. Returns ok=false for names without a namespace.
// Server names never contain '.', so the first separator is authoritative.
func SplitNamespacedName(name string) (server, original string, ok bool) {
	i := strings.Index(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// ServerRecord describes one federated MCP server.
type ServerRecord struct {
	// ID is the opaque unique identifier.
	ID string

	// Name is unique within the record's visibility scope and prefixes all
	// discovered tool names.
	Name string

	// Description is free text shown in listings.
	Description string

	// Transport selects the session adapter.
	Transport TransportType

	// Command, Args and Env configure the stdio transport.
	Command string
	Args    []string
	Env     map[string]string

	// URL and Headers configure the sse and http transports.
	URL     string
	Headers map[string]string

	// HealthCheckURL, when set, is probed with HTTP GET instead of
	// inferring health from session traffic.
	HealthCheckURL string

	// CallTimeout overrides the default per-call deadline when positive.
	CallTimeout time.Duration

	// IsGlobal and OrgID encode visibility, same model as capabilities.
	IsGlobal bool
	OrgID    string

	// Status is the current connection state.
	Status ServerStatus

	// LastProbeAt is the time of the last health probe.
	LastProbeAt time.Time

	// ConsecutiveFailures counts probe failures since the last success.
	ConsecutiveFailures int

	// ToolIDs lists the external tool records discovered from this server.
	ToolIDs []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Content is one item of MCP tool output (text, image, audio, resource).
type Content struct {
	// Type indicates the content type: "text", "image", "audio", "resource".
	Type string `json:"type"`

	// Text is the content text (for text content).
	Text string `json:"text,omitempty"`

	// Data is the base64-encoded payload (for image/audio content).
	Data string `json:"data,omitempty"`

	// MimeType is the MIME type (for image/audio content).
	MimeType string `json:"mimeType,omitempty"`

	// URI is the resource URI (for embedded resources).
	URI string `json:"uri,omitempty"`
}

// CallResult wraps a forwarded tool call response.
type CallResult struct {
	// Content is the tool output as returned by the backend, verbatim.
	Content []Content `json:"content"`

	// StructuredContent is structured output when the backend provides it.
	StructuredContent map[string]any `json:"structuredContent,omitempty"`

	// IsError indicates the backend reported a tool-level failure.
	IsError bool `json:"isError,omitempty"`

	// Meta carries protocol-level metadata from the backend (_meta field).
	Meta map[string]any `json:"_meta,omitempty"`
}

// ToolDescriptor is the transport-level description of a remote tool as
// returned by list_tools on a session.
type ToolDescriptor struct {
	// Name is the tool's name on the backend.
	Name string

	// Description describes what the tool does.
	Description string

	// InputSchema is the JSON Schema for tool parameters.
	InputSchema map[string]any

	// OutputSchema is the JSON Schema for tool output (optional).
	OutputSchema map[string]any
}

// PromptDescriptor is the transport-level description of a remote prompt.
type PromptDescriptor struct {
	// Name is the prompt's name on the backend.
	Name string

	// Description describes the prompt.
	Description string

	// Arguments are the prompt parameters.
	Arguments []PromptArgument
}

// ResourceDescriptor is the transport-level description of a remote resource.
type ResourceDescriptor struct {
	// URI addresses the resource on the backend.
	URI string

	// Name is the resource's display name.
	Name string

	// Description describes the resource.
	Description string

	// MimeType is the resource MIME type, when known.
	MimeType string
}

// Notification is a backend-originated MCP notification surfaced to the
// caller as a progress event.
type Notification struct {
	// Method is the JSON-RPC notification method.
	Method string

	// Params carries the notification payload.
	Params map[string]any

	// ServerID identifies the originating session.
	ServerID string
}
