// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"context"
	"encoding/json"

	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

// tokenCharDivisor approximates LLM tokenization at four characters per
// token, the heuristic clients use when budgeting context windows.
const tokenCharDivisor = 4

// estimateTokens estimates the token cost of a serialized blob.
func estimateTokens(b []byte) int {
	return len(b) / tokenCharDivisor
}

// toolDoc is the shape a client serializes per tool when building its
// context window. Both the baseline and the returned cost measure it.
type toolDoc struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

func docTokens(name, description string, schema json.RawMessage) int {
	b, err := json.Marshal(toolDoc{Name: name, Description: description, InputSchema: schema})
	if err != nil {
		return 0
	}
	return estimateTokens(b)
}

// tokenMetrics quantifies context savings versus serializing the whole
// visible tool catalog. Only tool searches report metrics; a baseline
// failure degrades to zeros rather than failing the request.
func (s *Service) tokenMetrics(ctx context.Context, scope tenancy.Scope, req Request, matches []Match) TokenMetrics {
	if req.ItemType != capability.KindTool {
		return TokenMetrics{}
	}
	baseline, err := s.catalogBaseline(ctx, scope)
	if err != nil {
		logger.Warnf("Token baseline unavailable: %v", err)
		return TokenMetrics{}
	}

	returned := 0
	for _, m := range matches {
		returned += docTokens(m.Name, m.Description, m.InputSchema)
	}

	tm := TokenMetrics{BaselineTokens: baseline, ReturnedTokens: returned}
	if baseline > 0 {
		tm.SavingsPercent = float64(baseline-returned) / float64(baseline) * 100
	}
	return tm
}

// catalogBaseline estimates the token cost of serializing every active tool
// visible to the scope, schemas included: the price a client pays without
// search. Cached per scope between sync passes.
func (s *Service) catalogBaseline(ctx context.Context, scope tenancy.Scope) (int, error) {
	key := scope.CacheKey()
	if v, ok := s.baselines.Get(key); ok {
		return v, nil
	}

	tools, err := s.store.ListTools(ctx, &scope, registry.ToolFilter{ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range tools {
		var raw json.RawMessage
		if t.InputSchema != nil {
			if b, err := json.Marshal(t.InputSchema); err == nil {
				raw = b
			}
		}
		total += docTokens(t.Name, t.Description, raw)
	}
	s.baselines.Put(key, total)
	return total, nil
}
