// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package classifier assigns capabilities to skill categories. It renders a
// compact catalog prompt, asks the model service for a JSON verdict at low
// temperature, and validates the reply against the active skill set. Novel
// skills proposed by the model become pending suggestions for admin review.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/embedding"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/registry"
)

const (
	// defaultTimeout bounds one classification including its retry. The
	// write path is never blocked longer than this.
	defaultTimeout = 3 * time.Second

	// maxAssignments caps the skills a single capability is assigned to.
	maxAssignments = 3

	// minPrimaryConfidence is the bar below which a capability falls back
	// to the uncategorized skill.
	minPrimaryConfidence = 0.5

	// maxCatalogExamples limits example tool names per catalog line.
	maxCatalogExamples = 4

	// Providers treat temperature 0 as unset, so near-deterministic
	// routing uses a small positive value.
	completionTemperature = 0.1
	completionMaxTokens   = 256
)

// Completer is the slice of the model client the classifier uses.
type Completer interface {
	Complete(ctx context.Context, req embedding.CompletionRequest) (string, error)
}

// Input is the capability under classification.
type Input struct {
	// ToolID stamps the resulting assignments and suggestion rows.
	ToolID string

	Name        string
	Description string

	// Schema is the optional input schema; its property names are
	// summarized into the prompt.
	Schema map[string]any
}

// Outcome is a validated classification.
type Outcome struct {
	// Assignments holds one to three entries ordered by confidence, the
	// first marked primary. When nothing cleared the confidence bar it is
	// the single uncategorized fallback.
	Assignments []capability.SkillAssignment

	// SuggestionID identifies the pending suggestion recorded for a novel
	// skill proposed by the model. Empty when nothing was proposed.
	SuggestionID string
}

// Classifier assigns a capability to skill categories.
type Classifier interface {
	Classify(ctx context.Context, in Input) (*Outcome, error)
}

// Options configures New.
type Options struct {
	// Timeout bounds one classification including its retry. Defaults to
	// 3 seconds.
	Timeout time.Duration
}

type service struct {
	model       Completer
	skills      registry.SkillStore
	suggestions registry.SuggestionStore
	timeout     time.Duration
}

// New builds a Classifier on the model client and the registry.
func New(model Completer, skills registry.SkillStore, suggestions registry.SuggestionStore, opts Options) Classifier {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &service{
		model:       model,
		skills:      skills,
		suggestions: suggestions,
		timeout:     timeout,
	}
}

// Classify runs the catalog prompt against the model and validates the
// reply. A failed call or unparseable reply gets one retry with the
// identical prompt; the second failure is returned to the caller, which
// records the capability as unclassified and keeps it reachable through
// direct search.
func (s *service) Classify(ctx context.Context, in Input) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	catalog, err := s.skills.ListSkills(ctx, registry.SkillFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("listing skill catalog: %w", err)
	}
	known := make(map[string]bool, len(catalog))
	for _, sk := range catalog {
		known[sk.ID] = true
	}

	req := embedding.CompletionRequest{
		Messages: []embedding.Message{
			{Role: embedding.RoleSystem, Content: systemPrompt},
			{Role: embedding.RoleUser, Content: userPrompt(in, catalog)},
		},
		Temperature: completionTemperature,
		MaxTokens:   completionMaxTokens,
		ForceJSON:   true,
	}

	var reply *modelReply
	var lastErr error
	for attempt := 0; attempt < 2 && reply == nil; attempt++ {
		if attempt > 0 {
			logger.Debugf("Retrying classification of %q: %v", in.Name, lastErr)
		}
		content, err := s.model.Complete(ctx, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		parsed, err := parseReply(content)
		if err != nil {
			lastErr = err
			continue
		}
		reply = parsed
	}
	if reply == nil {
		return nil, fmt.Errorf("classifying %q: %w", in.Name, lastErr)
	}

	outcome := &Outcome{Assignments: validAssignments(reply.rated, known, in.ToolID)}
	if reply.proposed != nil {
		outcome.SuggestionID = s.recordSuggestion(ctx, reply.proposed, known, in.ToolID)
	}
	return outcome, nil
}

const systemPrompt = `You classify tools into skill categories. Reply with one JSON object shaped like
{"assignments":[{"skill_id":"<catalog id>","confidence":0.0}],"suggestion":{"proposed_id":"<new_id>","name":"<display name>","rationale":"<why>"}}
Pick at most 3 skills from the catalog, highest confidence first, confidence in [0,1].
Set "suggestion" to null unless no catalog skill fits and a clearly distinct new category is warranted.`

// userPrompt renders the capability block, the skill catalog and the
// response cue as one compact message.
func userPrompt(in Input, catalog []*capability.SkillCategory) string {
	parts := []string{
		"Capability:",
		"- name: " + in.Name,
	}
	if in.Description != "" {
		parts = append(parts, "- description: "+in.Description)
	}
	if summary := capability.SchemaSummary(in.Schema); summary != "" {
		parts = append(parts, "- parameters: "+summary)
	}

	parts = append(parts, "", "Skill catalog:")
	listed := 0
	for _, sk := range catalog {
		// The fallback skill is not a category the model may pick.
		if sk.ID == capability.UncategorizedSkillID {
			continue
		}
		parts = append(parts, catalogLine(sk))
		listed++
	}
	if listed == 0 {
		parts = append(parts, "(empty)")
	}
	parts = append(parts, "", "JSON response:")
	return strings.Join(parts, "\n")
}

func catalogLine(sk *capability.SkillCategory) string {
	line := "- " + sk.ID
	if sk.Description != "" {
		line += ": " + sk.Description
	}
	var extras []string
	if len(sk.Keywords) > 0 {
		extras = append(extras, "keywords: "+strings.Join(sk.Keywords, ", "))
	}
	if len(sk.Examples) > 0 {
		examples := sk.Examples
		if len(examples) > maxCatalogExamples {
			examples = examples[:maxCatalogExamples]
		}
		extras = append(extras, "examples: "+strings.Join(examples, ", "))
	}
	if len(extras) > 0 {
		line += " (" + strings.Join(extras, "; ") + ")"
	}
	return line
}

type ratedSkill struct {
	id         string
	confidence float64
}

type proposedSkill struct {
	id        string
	name      string
	rationale string
}

type modelReply struct {
	rated    []ratedSkill
	proposed *proposedSkill
}

// parseReply extracts the reply fields tolerantly: markdown fences are
// stripped and unknown fields ignored, but the payload must be a JSON
// object.
func parseReply(content string) (*modelReply, error) {
	content = stripFences(content)
	if !gjson.Valid(content) {
		return nil, errors.New("model reply is not valid JSON")
	}
	doc := gjson.Parse(content)
	if !doc.IsObject() {
		return nil, errors.New("model reply is not a JSON object")
	}

	reply := &modelReply{}
	for _, item := range doc.Get("assignments").Array() {
		id := strings.ToLower(strings.TrimSpace(item.Get("skill_id").String()))
		if id == "" {
			continue
		}
		reply.rated = append(reply.rated, ratedSkill{
			id:         id,
			confidence: item.Get("confidence").Float(),
		})
	}
	if sug := doc.Get("suggestion"); sug.IsObject() {
		reply.proposed = &proposedSkill{
			id:        sug.Get("proposed_id").String(),
			name:      strings.TrimSpace(sug.Get("name").String()),
			rationale: strings.TrimSpace(sug.Get("rationale").String()),
		}
	}
	return reply, nil
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimSpace(strings.TrimPrefix(content, "```json"))
	content = strings.TrimSpace(strings.TrimPrefix(content, "```"))
	content = strings.TrimSpace(strings.TrimSuffix(content, "```"))
	return content
}

// validAssignments drops unknown skill ids, clamps confidences into [0,1],
// dedupes on the highest confidence and keeps the top three. When nothing
// clears the confidence bar the capability is assigned to uncategorized.
func validAssignments(rated []ratedSkill, known map[string]bool, toolID string) []capability.SkillAssignment {
	best := make(map[string]float64)
	for _, r := range rated {
		if !known[r.id] {
			continue
		}
		conf := r.confidence
		if conf < 0 {
			conf = 0
		} else if conf > 1 {
			conf = 1
		}
		if cur, ok := best[r.id]; !ok || conf > cur {
			best[r.id] = conf
		}
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if best[ids[i]] != best[ids[j]] {
			return best[ids[i]] > best[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > maxAssignments {
		ids = ids[:maxAssignments]
	}

	if len(ids) == 0 || best[ids[0]] < minPrimaryConfidence {
		return []capability.SkillAssignment{{
			ToolID:  toolID,
			SkillID: capability.UncategorizedSkillID,
			Primary: true,
		}}
	}

	assignments := make([]capability.SkillAssignment, 0, len(ids))
	for i, id := range ids {
		assignments = append(assignments, capability.SkillAssignment{
			ToolID:     toolID,
			SkillID:    id,
			Confidence: best[id],
			Primary:    i == 0,
		})
	}
	return assignments
}

// recordSuggestion persists a pending suggestion for a proposed skill that
// matches no active one. Best effort: failures are logged, never fatal to
// the classification that carried the proposal.
func (s *service) recordSuggestion(ctx context.Context, p *proposedSkill, known map[string]bool, toolID string) string {
	id := slugify(p.id)
	if id == "" || known[id] || p.rationale == "" {
		return ""
	}
	name := p.name
	if name == "" {
		name = id
	}
	sug := &capability.SkillSuggestion{
		ProposedID:   id,
		Name:         name,
		Rationale:    p.rationale,
		SourceToolID: toolID,
	}
	if err := s.suggestions.CreateSuggestion(ctx, sug); err != nil {
		if errors.Is(err, registry.ErrDuplicateName) {
			logger.Debugf("Skill suggestion %q is already pending", id)
		} else {
			logger.Warnf("Recording skill suggestion %q: %v", id, err)
		}
		return ""
	}
	logger.Infof("Recorded skill suggestion %q from tool %s", id, toolID)
	return sug.ID
}

// slugify coerces a model-proposed id into the skill id alphabet. Returns
// "" when nothing usable remains.
func slugify(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('_')
		}
	}
	id := strings.Trim(b.String(), "_")
	for id != "" && (id[0] < 'a' || id[0] > 'z') {
		id = id[1:]
	}
	if !capability.ValidSkillID(id) {
		return ""
	}
	return id
}
