// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/schemacache"
	"github.com/capgate-io/capgate/pkg/telemetry"
	"github.com/capgate-io/capgate/pkg/tenancy"
	"github.com/capgate-io/capgate/pkg/vectorindex"
)

// errBudget signals that the total request budget expired inside a stage.
// The dispatcher turns it into a partial response carrying the stages that
// completed.
var errBudget = errors.New("search budget exhausted")

// stageError classifies a stage failure against the request-level context:
// total-budget overrun degrades to partial, caller cancellation propagates
// as 499, anything else surfaces as wrapped.
func stageError(parent context.Context, wrapped error) error {
	if errors.Is(parent.Err(), context.DeadlineExceeded) {
		return errBudget
	}
	if parent.Err() != nil {
		return apierror.Cancelled()
	}
	return wrapped
}

// cancelled reports whether err is the caller-cancellation error.
func cancelled(err error) bool {
	var apiErr *apierror.Error
	return errors.As(err, &apiErr) && apiErr.Kind == apierror.KindRequestCancelled
}

// hierarchical runs Stage A then Stage B. A skill stage that fails or
// matches nothing falls back to direct search; the fallback is reported in
// the response metadata, never as an error.
func (s *Service) hierarchical(ctx context.Context, scope tenancy.Scope, req Request, vec []float32) (*Response, error) {
	skills, err := s.stageSkills(ctx, scope, req, vec)
	switch {
	case errors.Is(err, errBudget):
		return &Response{Metadata: Metadata{StrategyUsed: StrategyHierarchical, Partial: true}}, nil
	case cancelled(err):
		return nil, err
	case err != nil:
		logger.Warnw("Skill stage failed; falling back to direct search", "error", err)
		return s.fallbackDirect(ctx, scope, req, vec, "skill stage error: "+err.Error())
	case len(skills) == 0:
		return s.fallbackDirect(ctx, scope, req, vec, "no skills matched the query")
	}

	skillIDs := make([]string, len(skills))
	for i, sk := range skills {
		skillIDs[i] = sk.ID
	}

	resp := &Response{
		Skills:   skills,
		Metadata: Metadata{StrategyUsed: StrategyHierarchical, SkillIDsUsed: skillIDs},
	}
	matches, searched, err := s.stageTools(ctx, scope, req, vec, skillIDs)
	if errors.Is(err, errBudget) {
		resp.Metadata.Partial = true
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	resp.Matches = matches
	resp.Metadata.ServersSearched = searched
	resp.TokenMetrics = s.tokenMetrics(ctx, scope, req, matches)
	return resp, nil
}

// fallbackDirect runs the direct strategy on behalf of a hierarchical
// request whose skill stage produced nothing usable.
func (s *Service) fallbackDirect(ctx context.Context, scope tenancy.Scope, req Request, vec []float32, reason string) (*Response, error) {
	resp, err := s.direct(ctx, scope, req, vec)
	if err != nil {
		return nil, err
	}
	resp.Metadata.FallbackReason = reason
	return resp, nil
}

// direct searches capabilities with the tenancy and kind filters only.
func (s *Service) direct(ctx context.Context, scope tenancy.Scope, req Request, vec []float32) (*Response, error) {
	resp := &Response{Metadata: Metadata{StrategyUsed: StrategyDirect}}
	matches, searched, err := s.stageTools(ctx, scope, req, vec, nil)
	if errors.Is(err, errBudget) {
		resp.Metadata.Partial = true
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	resp.Matches = matches
	resp.Metadata.ServersSearched = searched
	resp.TokenMetrics = s.tokenMetrics(ctx, scope, req, matches)
	return resp, nil
}

// skillsOnly returns the Stage A matches and no capabilities. Unlike
// hierarchical there is nothing to fall back to, so a skill stage failure
// is fatal.
func (s *Service) skillsOnly(ctx context.Context, scope tenancy.Scope, req Request, vec []float32) (*Response, error) {
	skills, err := s.stageSkills(ctx, scope, req, vec)
	if errors.Is(err, errBudget) {
		return &Response{Metadata: Metadata{StrategyUsed: StrategySkillsOnly, Partial: true}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Response{Skills: skills, Metadata: Metadata{StrategyUsed: StrategySkillsOnly}}, nil
}

// stageSkills searches the skill centroids and hydrates matches from the
// registry. Centroids whose skill row has vanished or been deactivated
// since the last sync pass are dropped.
func (s *Service) stageSkills(ctx context.Context, scope tenancy.Scope, req Request, vec []float32) ([]SkillMatch, error) {
	started := time.Now()
	defer func() {
		telemetry.SearchStageLatency.WithLabelValues("skills").Observe(time.Since(started).Seconds())
	}()

	stageCtx, cancel := context.WithTimeout(ctx, s.cfg.SkillTimeout)
	defer cancel()

	q := vectorindex.Query{Vector: vec, Text: req.Query}
	hits, err := s.index.Search(stageCtx, vectorindex.CollectionSkills, q, req.SkillLimit, vectorindex.Filter{Scope: &scope}, s.cfg.Mode)
	if err != nil {
		return nil, stageError(ctx, apierror.SearchBackend(err))
	}

	matches := make([]SkillMatch, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < req.SkillThreshold {
			continue
		}
		skill, err := s.store.GetSkill(stageCtx, hit.ID)
		if errors.Is(err, registry.ErrNotFound) {
			// Stale centroid; the next sync pass removes it.
			continue
		}
		if err != nil {
			return nil, stageError(ctx, apierror.Internal(err))
		}
		if !skill.Active {
			continue
		}
		matches = append(matches, SkillMatch{
			ID:          skill.ID,
			Name:        skill.Name,
			Description: skill.Description,
			Score:       hit.Score,
			ToolCount:   skill.ToolCount,
		})
	}
	return matches, nil
}

// candidate is a match still carrying its registry row, needed for schema
// attachment after ranking.
type candidate struct {
	Match
	tool *capability.Tool
}

// stageTools searches the capability collection, hydrates and ranks the
// hits, and attaches schemas within the token budget. matchedSkillIDs is
// nil for direct search. The returned server names are those eligible for
// this request.
func (s *Service) stageTools(ctx context.Context, scope tenancy.Scope, req Request, vec []float32, matchedSkillIDs []string) ([]Match, []string, error) {
	started := time.Now()
	defer func() {
		telemetry.SearchStageLatency.WithLabelValues("tools").Observe(time.Since(started).Seconds())
	}()

	stageCtx, cancel := context.WithTimeout(ctx, s.cfg.ToolTimeout)
	defer cancel()

	servers, err := s.visibleServers(stageCtx, scope)
	if err != nil {
		return nil, nil, stageError(ctx, apierror.Internal(err))
	}
	routable, serverIDs, searched := routableServers(servers, req.ServerFilter)

	if req.Limit == 0 {
		return []Match{}, searched, nil
	}

	// Over-fetch so results dropped during hydration (vanished rows, servers
	// that lost their session mid-request) can be topped up without a second
	// index query.
	k := 2 * req.Limit
	filter := vectorindex.Filter{
		Scope:     &scope,
		Kind:      string(req.ItemType),
		SkillIDs:  matchedSkillIDs,
		ServerIDs: serverIDs,
	}
	q := vectorindex.Query{Vector: vec, Text: req.Query}
	hits, err := s.index.Search(stageCtx, vectorindex.CollectionTools, q, k, filter, s.cfg.Mode)
	if err != nil {
		return nil, nil, stageError(ctx, apierror.SearchBackend(err))
	}

	externalOnly := len(req.ServerFilter) > 0
	cands := make([]candidate, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < req.ToolThreshold {
			continue
		}
		c, ok, err := s.hydrate(stageCtx, scope, req.ItemType, hit, routable, externalOnly)
		if err != nil {
			return nil, nil, stageError(ctx, err)
		}
		if !ok {
			continue
		}
		cands = append(cands, c)
	}

	rankCandidates(cands, matchedSkillIDs)
	if len(cands) > req.Limit {
		cands = cands[:req.Limit]
	}
	if req.IncludeSchemas && req.ItemType == capability.KindTool {
		s.attachSchemas(stageCtx, cands)
	}

	matches := make([]Match, len(cands))
	for i, c := range cands {
		matches[i] = c.Match
	}
	return matches, searched, nil
}

// hydrate resolves one index hit against the registry. The boolean is
// false when the result must be silently dropped: the row vanished or was
// deactivated since the last sync pass, its server is no longer routable,
// or an explicit server filter excludes internal capabilities.
func (s *Service) hydrate(ctx context.Context, scope tenancy.Scope, kind capability.Kind, hit vectorindex.Result, routable map[string]*capability.ServerRecord, externalOnly bool) (candidate, bool, error) {
	var (
		rec  *capability.Record
		tool *capability.Tool
	)
	switch kind {
	case capability.KindTool:
		t, err := s.store.GetTool(ctx, &scope, hit.Payload.CapabilityID)
		if err != nil {
			return candidate{}, false, dropNotFound(err)
		}
		rec, tool = &t.Record, t
	case capability.KindPrompt:
		p, err := s.store.GetPrompt(ctx, &scope, hit.Payload.CapabilityID)
		if err != nil {
			return candidate{}, false, dropNotFound(err)
		}
		rec = &p.Record
	case capability.KindResource:
		r, err := s.store.GetResource(ctx, &scope, hit.Payload.CapabilityID)
		if err != nil {
			return candidate{}, false, dropNotFound(err)
		}
		rec = &r.Record
	default:
		return candidate{}, false, apierror.Internal(errors.New("unknown capability kind " + string(kind)))
	}
	if !rec.Active {
		return candidate{}, false, nil
	}

	var source *SourceServer
	if rec.ServerID != "" {
		srv, ok := routable[rec.ServerID]
		if !ok {
			return candidate{}, false, nil
		}
		if s.live != nil && !s.live.IsLive(rec.ServerID) {
			return candidate{}, false, nil
		}
		source = &SourceServer{ID: srv.ID, Name: srv.Name, Status: srv.Status}
	} else if externalOnly {
		return candidate{}, false, nil
	}

	return candidate{
		Match: Match{
			ID:             rec.ID,
			Name:           rec.Name,
			Description:    rec.Description,
			Kind:           kind,
			Score:          hit.Score,
			PrimarySkillID: hit.Payload.PrimarySkillID,
			SkillIDs:       hit.Payload.SkillIDs,
			SourceServer:   source,
		},
		tool: tool,
	}, true, nil
}

// dropNotFound maps a vanished row to a silent drop (nil error) and wraps
// anything else.
func dropNotFound(err error) error {
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	return apierror.Internal(err)
}

// rankCandidates orders by descending score, then by whether the primary
// skill is in the matched set, then by id. With no matched skills the
// middle key is constant, so direct and hierarchical ordering agree.
func rankCandidates(cands []candidate, matchedSkillIDs []string) {
	inSet := make(map[string]bool, len(matchedSkillIDs))
	for _, id := range matchedSkillIDs {
		inSet[id] = true
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ap, bp := inSet[a.PrimarySkillID], inSet[b.PrimarySkillID]; ap != bp {
			return ap
		}
		return a.ID < b.ID
	})
}

// attachSchemas fills InputSchema on the ranked candidates in order until
// the token budget runs out; candidates past that point are marked
// SchemaOmitted.
func (s *Service) attachSchemas(ctx context.Context, cands []candidate) {
	budget := s.cfg.SchemaTokenCap
	exhausted := false
	for i := range cands {
		raw := s.schemaFor(ctx, cands[i].tool)
		if len(raw) == 0 {
			continue
		}
		cost := estimateTokens(raw)
		if exhausted || cost > budget {
			exhausted = true
			cands[i].SchemaOmitted = true
			continue
		}
		budget -= cost
		cands[i].InputSchema = raw
	}
}

// schemaFor returns the serialized input schema for a tool. External
// schemas come from the discovery cache when available; the registry row
// is the fallback. Schemas are never fetched live on the search path.
func (s *Service) schemaFor(ctx context.Context, tool *capability.Tool) json.RawMessage {
	if tool == nil {
		return nil
	}
	if tool.ServerID != "" && s.schemas != nil {
		entry, err := s.schemas.Get(ctx, tool.ServerID, tool.BackendName())
		switch {
		case err == nil && len(entry.InputSchema) > 0:
			return entry.InputSchema
		case err != nil && !errors.Is(err, schemacache.ErrMiss):
			logger.Warnf("Schema cache read failed for %s: %v", tool.Name, err)
		}
	}
	if tool.InputSchema == nil {
		return nil
	}
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		logger.Warnf("Failed to serialize schema for %s: %v", tool.Name, err)
		return nil
	}
	return raw
}

// visibleServers lists the scope's server records through the per-scope
// cache.
func (s *Service) visibleServers(ctx context.Context, scope tenancy.Scope) ([]*capability.ServerRecord, error) {
	key := scope.CacheKey()
	if cached, ok := s.servers.Get(key); ok {
		return cached, nil
	}
	servers, err := s.store.ListServers(ctx, &scope)
	if err != nil {
		return nil, err
	}
	s.servers.Put(key, servers)
	return servers, nil
}

// routableServers narrows the scope's servers to those accepting calls and
// applies the explicit server filter (matched by id or name; entries that
// match nothing are ignored). The id slice is always non-nil so the index
// filter keeps internal entries and listed servers only.
func routableServers(servers []*capability.ServerRecord, serverFilter []string) (byID map[string]*capability.ServerRecord, ids, names []string) {
	want := make(map[string]bool, len(serverFilter))
	for _, f := range serverFilter {
		want[f] = true
	}
	byID = make(map[string]*capability.ServerRecord, len(servers))
	ids = make([]string, 0, len(servers))
	names = make([]string, 0, len(servers))
	for _, srv := range servers {
		if !srv.Status.Connectable() {
			continue
		}
		if len(serverFilter) > 0 && !want[srv.ID] && !want[srv.Name] {
			continue
		}
		byID[srv.ID] = srv
		ids = append(ids, srv.ID)
		names = append(names, srv.Name)
	}
	return byID, ids, names
}
