// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/search"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

// registerMetaTools installs the two built-in discovery tools. They are
// always advertised and never part of the refresh diff.
func (s *Server) registerMetaTools() {
	s.mcp.AddTool(mcp.Tool{
		Name: toolSearchCapabilities,
		Description: "Search the aggregated capability catalog with a natural-language query. " +
			"Returns ranked matching tools (skills first, then tools within the matched skills) " +
			"and token-savings metrics. Use this instead of listing every tool.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Natural language description of the capability to find",
				},
				"item_type": map[string]any{
					"type":        "string",
					"description": "Capability kind to retrieve",
					"enum":        []string{"tool", "prompt", "resource"},
					"default":     "tool",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results",
					"default":     search.DefaultLimit,
				},
				"strategy": map[string]any{
					"type":        "string",
					"description": "Retrieval strategy",
					"enum":        []string{"hierarchical", "direct", "skills_only"},
					"default":     "hierarchical",
				},
				"include_schemas": map[string]any{
					"type":        "boolean",
					"description": "Attach input schemas to matches, subject to the context budget",
					"default":     false,
				},
			},
			Required: []string{"query"},
		},
	}, s.handleSearchCapabilities)

	s.mcp.AddTool(mcp.Tool{
		Name: toolCallCapability,
		Description: "Invoke any aggregated tool by its name. Use the name returned by " +
			"search_capabilities; external tools are addressed as \"{server}.{tool}\".",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Name of the tool to call",
				},
				"arguments": map[string]any{
					"type":        "object",
					"description": "Arguments to pass to the tool",
				},
			},
			Required: []string{"name"},
		},
	}, s.handleCallCapability)
}

// metaSkillMatch is one skill hit in a search_capabilities reply.
type metaSkillMatch struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
	ToolCount int     `json:"tool_count"`
}

// metaToolMatch is one capability hit in a search_capabilities reply.
type metaToolMatch struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Score          float64         `json:"score"`
	PrimarySkillID string          `json:"primary_skill_id,omitempty"`
	SourceServer   string          `json:"source_server,omitempty"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	SchemaOmitted  bool            `json:"schema_omitted,omitempty"`
}

// metaTokenMetrics mirrors the HTTP surface's token_metrics block.
type metaTokenMetrics struct {
	BaselineTokens int     `json:"baseline_tokens"`
	ReturnedTokens int     `json:"returned_tokens"`
	SavingsPercent float64 `json:"savings_percent"`
}

// metaSearchResult is the JSON payload returned by search_capabilities.
type metaSearchResult struct {
	MatchedSkills []metaSkillMatch `json:"matched_skills"`
	Tools         []metaToolMatch  `json:"tools"`
	TokenMetrics  metaTokenMetrics `json:"token_metrics"`
	StrategyUsed  string           `json:"strategy_used"`
}

func (s *Server) handleSearchCapabilities(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := requestArguments(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	query, _ := args["query"].(string)
	searchReq := search.Request{
		Query: query,
		Limit: search.DefaultLimit,
	}
	if v, ok := args["item_type"].(string); ok {
		searchReq.ItemType = capability.Kind(v)
	}
	if v, ok := args["limit"].(float64); ok {
		searchReq.Limit = int(v)
	}
	if v, ok := args["strategy"].(string); ok {
		searchReq.Strategy = search.Strategy(v)
	}
	if v, ok := args["include_schemas"].(bool); ok {
		searchReq.IncludeSchemas = v
	}

	scope := tenancy.FromContext(ctx)
	resp, err := s.searcher.Search(ctx, scope, searchReq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	result := metaSearchResult{
		MatchedSkills: make([]metaSkillMatch, 0, len(resp.Skills)),
		Tools:         make([]metaToolMatch, 0, len(resp.Matches)),
		TokenMetrics: metaTokenMetrics{
			BaselineTokens: resp.TokenMetrics.BaselineTokens,
			ReturnedTokens: resp.TokenMetrics.ReturnedTokens,
			SavingsPercent: resp.TokenMetrics.SavingsPercent,
		},
		StrategyUsed: string(resp.Metadata.StrategyUsed),
	}
	for _, m := range resp.Skills {
		result.MatchedSkills = append(result.MatchedSkills, metaSkillMatch{
			ID:        m.ID,
			Name:      m.Name,
			Score:     m.Score,
			ToolCount: m.ToolCount,
		})
	}
	for _, m := range resp.Matches {
		match := metaToolMatch{
			Name:           m.Name,
			Description:    m.Description,
			Score:          m.Score,
			PrimarySkillID: m.PrimarySkillID,
			InputSchema:    m.InputSchema,
			SchemaOmitted:  m.SchemaOmitted,
		}
		if m.SourceServer != nil {
			match.SourceServer = m.SourceServer.Name
		}
		result.Tools = append(result.Tools, match)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding search result: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (s *Server) handleCallCapability(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := requestArguments(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	name, _ := args["name"].(string)
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}

	var callArgs map[string]any
	switch v := args["arguments"].(type) {
	case nil:
		callArgs = map[string]any{}
	case map[string]any:
		callArgs = v
	default:
		return mcp.NewToolResultError(fmt.Sprintf("arguments must be an object, got %T", v)), nil
	}

	return s.invoke(ctx, name, callArgs)
}
