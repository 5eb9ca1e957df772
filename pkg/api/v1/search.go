// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/search"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

// SearchRoutes binds the search handlers to the search service.
type SearchRoutes struct {
	searcher Searcher
}

// SearchRouter creates a router for capability search.
func SearchRouter(searcher Searcher) http.Handler {
	routes := SearchRoutes{searcher: searcher}

	r := chi.NewRouter()
	r.Post("/", apierror.ErrorHandler(routes.searchCapabilities))
	r.Get("/skills", apierror.ErrorHandler(routes.searchSkills))
	return r
}

type searchRequest struct {
	Query          string   `json:"query"`
	ItemType       string   `json:"item_type,omitempty"`
	Limit          *int     `json:"limit,omitempty"`
	SkillLimit     int      `json:"skill_limit,omitempty"`
	SkillThreshold float64  `json:"skill_threshold,omitempty"`
	ToolThreshold  float64  `json:"tool_threshold,omitempty"`
	IncludeSchemas bool     `json:"include_schemas,omitempty"`
	Strategy       string   `json:"strategy,omitempty"`
	ServerFilter   []string `json:"server_filter,omitempty"`
}

type skillMatch struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
	ToolCount   int     `json:"tool_count"`
}

type sourceServer struct {
	ID     string                  `json:"id"`
	Name   string                  `json:"name"`
	Status capability.ServerStatus `json:"status"`
}

type capabilityMatch struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Kind           capability.Kind `json:"kind"`
	Score          float64         `json:"score"`
	PrimarySkillID string          `json:"primary_skill_id,omitempty"`
	SkillIDs       []string        `json:"skill_ids,omitempty"`
	SourceServer   *sourceServer   `json:"source_server,omitempty"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	SchemaOmitted  bool            `json:"schema_omitted,omitempty"`
}

type tokenMetrics struct {
	BaselineTokens int     `json:"baseline_tokens"`
	ReturnedTokens int     `json:"returned_tokens"`
	SavingsPercent float64 `json:"savings_percent"`
}

type searchResponse struct {
	// MatchedSkills is always present; a direct search reports it empty.
	MatchedSkills []skillMatch `json:"matched_skills"`

	// Tools carries the ranked capabilities regardless of item type.
	Tools []capabilityMatch `json:"tools"`

	TokenMetrics tokenMetrics `json:"token_metrics"`
}

// searchCapabilities
//
//	@Summary		Search capabilities
//	@Description	Two-stage semantic search: skills first, then tools within the matched skills
//	@Tags			search
//	@Accept			json
//	@Produce		json
//	@Param			request	body		searchRequest	true	"Search parameters"
//	@Success		200		{object}	searchResponse
//	@Failure		422		{string}	string	"Validation error"
//	@Router			/api/v1/search [post]
func (s SearchRoutes) searchCapabilities(w http.ResponseWriter, r *http.Request) error {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	// An absent limit means the default; an explicit zero is honored and
	// returns skills only.
	limit := search.DefaultLimit
	if req.Limit != nil {
		limit = *req.Limit
	}

	scope := tenancy.FromContext(r.Context())
	resp, err := s.searcher.Search(r.Context(), scope, search.Request{
		Query:          req.Query,
		ItemType:       capability.Kind(req.ItemType),
		Limit:          limit,
		SkillLimit:     req.SkillLimit,
		SkillThreshold: req.SkillThreshold,
		ToolThreshold:  req.ToolThreshold,
		IncludeSchemas: req.IncludeSchemas,
		Strategy:       search.Strategy(req.Strategy),
		ServerFilter:   req.ServerFilter,
	})
	if err != nil {
		return err
	}

	return respond(w, r, http.StatusOK, toSearchResponse(resp), searchMetadata(resp.Metadata))
}

// searchSkills
//
//	@Summary		Search skills
//	@Description	Stage A only: rank skill categories against the query
//	@Tags			search
//	@Produce		json
//	@Param			query		query		string	true	"Search query"
//	@Param			limit		query		int		false	"Maximum skills returned"
//	@Param			threshold	query		number	false	"Minimum similarity score"
//	@Success		200			{object}	map[string][]skillMatch
//	@Failure		422			{string}	string	"Validation error"
//	@Router			/api/v1/search/skills [get]
func (s SearchRoutes) searchSkills(w http.ResponseWriter, r *http.Request) error {
	limit, err := queryInt(r, "limit", search.DefaultSkillLimit)
	if err != nil {
		return err
	}
	threshold, err := queryFloat(r, "threshold", 0)
	if err != nil {
		return err
	}

	scope := tenancy.FromContext(r.Context())
	resp, err := s.searcher.Search(r.Context(), scope, search.Request{
		Query:          r.URL.Query().Get("query"),
		SkillLimit:     limit,
		SkillThreshold: threshold,
		Strategy:       search.StrategySkillsOnly,
	})
	if err != nil {
		return err
	}

	skills := make([]skillMatch, 0, len(resp.Skills))
	for _, m := range resp.Skills {
		skills = append(skills, toSkillMatch(m))
	}
	return respond(w, r, http.StatusOK, map[string]any{"skills": skills}, searchMetadata(resp.Metadata))
}

func toSearchResponse(resp *search.Response) searchResponse {
	out := searchResponse{
		MatchedSkills: make([]skillMatch, 0, len(resp.Skills)),
		Tools:         make([]capabilityMatch, 0, len(resp.Matches)),
		TokenMetrics: tokenMetrics{
			BaselineTokens: resp.TokenMetrics.BaselineTokens,
			ReturnedTokens: resp.TokenMetrics.ReturnedTokens,
			SavingsPercent: resp.TokenMetrics.SavingsPercent,
		},
	}
	for _, m := range resp.Skills {
		out.MatchedSkills = append(out.MatchedSkills, toSkillMatch(m))
	}
	for _, m := range resp.Matches {
		match := capabilityMatch{
			ID:             m.ID,
			Name:           m.Name,
			Description:    m.Description,
			Kind:           m.Kind,
			Score:          m.Score,
			PrimarySkillID: m.PrimarySkillID,
			SkillIDs:       m.SkillIDs,
			InputSchema:    m.InputSchema,
			SchemaOmitted:  m.SchemaOmitted,
		}
		if m.SourceServer != nil {
			match.SourceServer = &sourceServer{
				ID:     m.SourceServer.ID,
				Name:   m.SourceServer.Name,
				Status: m.SourceServer.Status,
			}
		}
		out.Tools = append(out.Tools, match)
	}
	return out
}

func toSkillMatch(m search.SkillMatch) skillMatch {
	return skillMatch{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Score:       m.Score,
		ToolCount:   m.ToolCount,
	}
}

func searchMetadata(md search.Metadata) metadata {
	meta := metadata{
		"strategy_used": md.StrategyUsed,
		"partial":       md.Partial,
		"took_ms":       md.Took.Milliseconds(),
	}
	if md.FallbackReason != "" {
		meta["fallback_reason"] = md.FallbackReason
	}
	if len(md.SkillIDsUsed) > 0 {
		meta["skill_ids_used"] = md.SkillIDsUsed
	}
	if len(md.ServersSearched) > 0 {
		meta["servers_searched"] = md.ServersSearched
	}
	return meta
}
