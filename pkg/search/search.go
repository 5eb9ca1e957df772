// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package search implements hierarchical two-stage capability retrieval:
// a query is embedded once, matched against skill centroids first
// (Stage A), and the winning skills narrow the capability search
// (Stage B). Callers can also bypass the skill stage (direct) or stop
// after it (skills_only).
//
// Every search applies the tenancy predicate and only surfaces external
// capabilities whose server is currently routable.
package search

import (
	"context"
	"encoding/json"
	"time"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/embedding"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/schemacache"
	"github.com/capgate-io/capgate/pkg/telemetry"
	"github.com/capgate-io/capgate/pkg/tenancy"
	"github.com/capgate-io/capgate/pkg/vectorindex"
)

// Strategy selects how the two retrieval stages combine.
type Strategy string

const (
	// StrategyHierarchical matches skills first, then capabilities within
	// the matched skills. The default.
	StrategyHierarchical Strategy = "hierarchical"

	// StrategyDirect skips skill matching and searches capabilities with
	// the tenancy and kind filters only.
	StrategyDirect Strategy = "direct"

	// StrategySkillsOnly returns the skill matches and no capabilities.
	StrategySkillsOnly Strategy = "skills_only"
)

// Config tunes defaults, budgets and the schema context cap.
type Config struct {
	// SkillThreshold is the minimum Stage A score when the request does
	// not set one.
	SkillThreshold float64

	// ToolThreshold is the minimum Stage B score when the request does
	// not set one.
	ToolThreshold float64

	// SchemaTokenCap bounds the total estimated token size of attached
	// schemas; capabilities past the cap are returned with
	// schema_omitted=true.
	SchemaTokenCap int

	// Mode selects the index retrieval mode for both stages.
	Mode vectorindex.Mode

	// EmbedTimeout bounds the query embedding call.
	EmbedTimeout time.Duration

	// SkillTimeout bounds Stage A.
	SkillTimeout time.Duration

	// ToolTimeout bounds Stage B.
	ToolTimeout time.Duration

	// TotalBudget bounds the whole request; on overrun the response
	// carries whatever stages completed and partial=true.
	TotalBudget time.Duration

	// ListCacheTTL bounds staleness of the per-scope server and baseline
	// caches between sync invalidations.
	ListCacheTTL time.Duration
}

// Request defaults applied by normalize and by the API layer.
const (
	DefaultLimit          = 5
	DefaultSkillLimit     = 3
	DefaultSkillThreshold = 0.4
	DefaultToolThreshold  = 0.3
)

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SkillThreshold: DefaultSkillThreshold,
		ToolThreshold:  DefaultToolThreshold,
		SchemaTokenCap: 5000,
		Mode:           vectorindex.ModeVector,
		EmbedTimeout:   5 * time.Second,
		SkillTimeout:   2 * time.Second,
		ToolTimeout:    2 * time.Second,
		TotalBudget:    10 * time.Second,
		ListCacheTTL:   10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SkillThreshold <= 0 {
		c.SkillThreshold = def.SkillThreshold
	}
	if c.ToolThreshold <= 0 {
		c.ToolThreshold = def.ToolThreshold
	}
	if c.SchemaTokenCap <= 0 {
		c.SchemaTokenCap = def.SchemaTokenCap
	}
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = def.EmbedTimeout
	}
	if c.SkillTimeout <= 0 {
		c.SkillTimeout = def.SkillTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = def.ToolTimeout
	}
	if c.TotalBudget <= 0 {
		c.TotalBudget = def.TotalBudget
	}
	if c.ListCacheTTL <= 0 {
		c.ListCacheTTL = def.ListCacheTTL
	}
	return c
}

// Request is one search invocation. The API layer resolves absent
// parameters to the documented defaults before building a Request; a
// zero Limit is honored literally and returns no capabilities.
type Request struct {
	Query string

	// ItemType is the capability kind to retrieve. Empty means tool.
	ItemType capability.Kind

	// Limit caps Stage B results. Zero is valid and yields none.
	Limit int

	// SkillLimit caps Stage A results. Zero means the default.
	SkillLimit int

	// SkillThreshold is the minimum Stage A score. Zero means the
	// configured default.
	SkillThreshold float64

	// ToolThreshold is the minimum Stage B score. Zero means the
	// configured default.
	ToolThreshold float64

	// IncludeSchemas attaches input schemas, subject to the token cap.
	IncludeSchemas bool

	// Strategy selects the stage combination. Empty means hierarchical.
	Strategy Strategy

	// ServerFilter restricts results to the named external servers
	// (matched by id or name). Internal capabilities are excluded when it
	// is set.
	ServerFilter []string
}

// SkillMatch is one Stage A hit.
type SkillMatch struct {
	ID          string
	Name        string
	Description string
	Score       float64
	ToolCount   int
}

// SourceServer identifies the external server behind a match.
type SourceServer struct {
	ID     string
	Name   string
	Status capability.ServerStatus
}

// Match is one ranked capability result.
type Match struct {
	ID             string
	Name           string
	Description    string
	Kind           capability.Kind
	Score          float64
	PrimarySkillID string
	SkillIDs       []string

	// SourceServer is nil for internal capabilities.
	SourceServer *SourceServer

	// InputSchema is attached only when requested and within the token
	// cap; SchemaOmitted marks capabilities whose schema fell past it.
	InputSchema   json.RawMessage
	SchemaOmitted bool
}

// TokenMetrics quantifies the context savings of returning the matched
// subset instead of the full visible catalog.
type TokenMetrics struct {
	BaselineTokens int
	ReturnedTokens int
	SavingsPercent float64
}

// Metadata describes how a response was produced.
type Metadata struct {
	// StrategyUsed is the strategy that actually ran; it differs from the
	// requested one after a Stage A fallback.
	StrategyUsed Strategy

	// FallbackReason is set when hierarchical fell back to direct.
	FallbackReason string

	// SkillIDsUsed are the Stage A winners that filtered Stage B.
	SkillIDsUsed []string

	// ServersSearched names the external servers whose capabilities were
	// eligible.
	ServersSearched []string

	// Partial marks a response truncated by the total budget.
	Partial bool

	// Took is the end-to-end service time.
	Took time.Duration
}

// Response is a ranked search result.
type Response struct {
	Skills       []SkillMatch
	Matches      []Match
	TokenMetrics TokenMetrics
	Metadata     Metadata
}

// Liveness reports whether an external server currently holds a usable
// session. The aggregator satisfies it; a nil checker skips the veto.
type Liveness interface {
	IsLive(serverID string) bool
}

// Service runs searches against the vector index, hydrating matches from
// the registry and schema cache.
type Service struct {
	store    registry.Store
	index    vectorindex.Index
	embedder embedding.Client
	schemas  *schemacache.Cache
	live     Liveness
	cfg      Config

	// servers and baselines are per-scope read caches, invalidated by the
	// sync pipeline and bounded by ListCacheTTL between passes.
	servers   *registry.ListCache[[]*capability.ServerRecord]
	baselines *registry.ListCache[int]
}

// Option customizes a Service.
type Option func(*Service)

// WithSchemaCache attaches the external-schema cache used when a request
// asks for schemas.
func WithSchemaCache(c *schemacache.Cache) Option {
	return func(s *Service) { s.schemas = c }
}

// WithLiveness attaches the routability check applied to external results.
func WithLiveness(l Liveness) Option {
	return func(s *Service) { s.live = l }
}

// New builds a search Service.
func New(
	store registry.Store,
	index vectorindex.Index,
	embedder embedding.Client,
	cfg Config,
	opts ...Option,
) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		store:     store,
		index:     index,
		embedder:  embedder,
		cfg:       cfg,
		servers:   registry.NewListCache[[]*capability.ServerRecord](cfg.ListCacheTTL),
		baselines: registry.NewListCache[int](cfg.ListCacheTTL),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invalidate drops the per-scope read caches. The sync pipeline calls it
// at the end of every pass that changed the index.
func (s *Service) Invalidate() {
	s.servers.Invalidate()
	s.baselines.Invalidate()
}

// Search runs one retrieval request for the caller's scope.
func (s *Service) Search(ctx context.Context, scope tenancy.Scope, req Request) (*Response, error) {
	req, err := s.normalize(req)
	if err != nil {
		telemetry.SearchRequests.WithLabelValues(strategyLabel(req.Strategy), "error").Inc()
		return nil, err
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TotalBudget)
	defer cancel()

	vec, err := s.embedQuery(ctx, req.Query)
	if err != nil {
		telemetry.SearchRequests.WithLabelValues(strategyLabel(req.Strategy), "error").Inc()
		return nil, err
	}

	var resp *Response
	switch req.Strategy {
	case StrategySkillsOnly:
		resp, err = s.skillsOnly(ctx, scope, req, vec)
	case StrategyDirect:
		resp, err = s.direct(ctx, scope, req, vec)
	default:
		resp, err = s.hierarchical(ctx, scope, req, vec)
	}
	if err != nil {
		telemetry.SearchRequests.WithLabelValues(strategyLabel(req.Strategy), "error").Inc()
		return nil, err
	}

	resp.Metadata.Took = time.Since(started)
	telemetry.SearchStageLatency.WithLabelValues("total").Observe(resp.Metadata.Took.Seconds())
	telemetry.SearchRequests.WithLabelValues(strategyLabel(req.Strategy), s.outcomeOf(req, resp)).Inc()
	return resp, nil
}

// strategyLabel bounds the metric label to known strategies so arbitrary
// request strings cannot blow up the label cardinality.
func strategyLabel(st Strategy) string {
	switch st {
	case StrategyHierarchical, StrategyDirect, StrategySkillsOnly:
		return string(st)
	case "":
		return string(StrategyHierarchical)
	default:
		return "invalid"
	}
}

// outcomeOf labels a completed request for the request counter.
func (*Service) outcomeOf(req Request, resp *Response) string {
	switch {
	case resp.Metadata.Partial:
		return "partial"
	case req.Strategy == StrategyHierarchical && resp.Metadata.StrategyUsed == StrategyDirect:
		return "fallback"
	default:
		return "ok"
	}
}

// normalize validates a request and fills defaulted fields.
func (s *Service) normalize(req Request) (Request, error) {
	if req.Query == "" {
		return req, apierror.Validation("query must not be empty")
	}
	if req.Limit < 0 {
		return req, apierror.Validation("limit must not be negative").
			WithDetail("limit", "negative")
	}
	if req.SkillLimit < 0 {
		return req, apierror.Validation("skill_limit must not be negative").
			WithDetail("skill_limit", "negative")
	}
	if req.SkillThreshold < 0 || req.SkillThreshold > 1 {
		return req, apierror.Validation("skill_threshold must be within [0, 1]").
			WithDetail("skill_threshold", "out of range")
	}
	if req.ToolThreshold < 0 || req.ToolThreshold > 1 {
		return req, apierror.Validation("tool_threshold must be within [0, 1]").
			WithDetail("tool_threshold", "out of range")
	}

	switch req.ItemType {
	case "":
		req.ItemType = capability.KindTool
	case capability.KindTool, capability.KindPrompt, capability.KindResource:
	default:
		return req, apierror.Validation("unknown item_type").
			WithDetail("item_type", string(req.ItemType))
	}

	switch req.Strategy {
	case "":
		req.Strategy = StrategyHierarchical
	case StrategyHierarchical, StrategyDirect, StrategySkillsOnly:
	default:
		return req, apierror.Validation("unknown strategy").
			WithDetail("strategy", string(req.Strategy))
	}

	if req.SkillLimit == 0 {
		req.SkillLimit = DefaultSkillLimit
	}
	if req.SkillThreshold == 0 {
		req.SkillThreshold = s.cfg.SkillThreshold
	}
	if req.ToolThreshold == 0 {
		req.ToolThreshold = s.cfg.ToolThreshold
	}
	return req, nil
}

// embedQuery computes the query vector within the embed stage budget.
func (s *Service) embedQuery(ctx context.Context, query string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout)
	defer cancel()
	return s.embedder.Embed(ctx, query)
}
