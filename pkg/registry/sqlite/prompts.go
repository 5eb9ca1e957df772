// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

func encodeArguments(args []capability.PromptArgument) (string, error) {
	if args == nil {
		args = []capability.PromptArgument{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshaling arguments: %w", err)
	}
	return string(data), nil
}

// CreatePrompt stores a new prompt, assigning an id when empty.
func (s *Store) CreatePrompt(ctx context.Context, p *capability.Prompt) error {
	args, err := encodeArguments(p.Arguments)
	if err != nil {
		return err
	}

	origin := p.Origin
	if origin == "" {
		origin = capability.OriginInternal
	}
	syncState := p.SyncState
	if syncState == "" {
		syncState = capability.SyncStateNew
	}

	row := &capRow{
		id:            p.ID,
		kind:          string(capability.KindPrompt),
		name:          p.Name,
		description:   p.Description,
		isGlobal:      boolToInt(p.IsGlobal),
		orgID:         p.OrgID,
		origin:        string(origin),
		serverID:      p.ServerID,
		active:        boolToInt(p.Active),
		isClassified:  boolToInt(p.IsClassified),
		syncState:     string(syncState),
		embeddingHash: p.EmbeddingHash,
		arguments:     []byte(args),
		template:      p.Template,
		allowedUsers:  []byte("[]"),
	}
	if err := s.insertCapability(ctx, row); err != nil {
		return err
	}
	p.ID = row.id
	p.Origin = origin
	p.SyncState = syncState
	return nil
}

// GetPrompt retrieves a prompt by id.
func (s *Store) GetPrompt(ctx context.Context, scope *tenancy.Scope, id string) (*capability.Prompt, error) {
	r, err := s.getCapability(ctx, scope, capability.KindPrompt, id)
	if err != nil {
		return nil, fmt.Errorf("prompt %s: %w", id, err)
	}
	return r.prompt()
}

// GetPromptByName retrieves a prompt by name.
func (s *Store) GetPromptByName(ctx context.Context, scope *tenancy.Scope, name string) (*capability.Prompt, error) {
	r, err := s.getCapabilityByName(ctx, scope, capability.KindPrompt, name)
	if err != nil {
		return nil, fmt.Errorf("prompt %q: %w", name, err)
	}
	return r.prompt()
}

// ListPrompts returns prompts matching the filter, ordered by name.
func (s *Store) ListPrompts(
	ctx context.Context, scope *tenancy.Scope, filter registry.ListFilter,
) ([]*capability.Prompt, error) {
	var extra []string
	if filter.ActiveOnly {
		extra = append(extra, "c.active = 1")
	}

	rows, err := s.listCapabilities(ctx, scope, capability.KindPrompt, extra, nil)
	if err != nil {
		return nil, err
	}
	prompts := make([]*capability.Prompt, 0, len(rows))
	for _, r := range rows {
		p, err := r.prompt()
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, nil
}

// UpdatePrompt rewrites a prompt's mutable fields.
func (s *Store) UpdatePrompt(ctx context.Context, p *capability.Prompt) error {
	args, err := encodeArguments(p.Arguments)
	if err != nil {
		return err
	}

	sets := []string{"name = ?", "description = ?", "arguments = ?", "template = ?", "active = ?"}
	setArgs := []any{p.Name, p.Description, args, p.Template, boolToInt(p.Active)}
	return s.updateCapability(ctx, p.ID, capability.KindPrompt, sets, setArgs)
}

// DeletePrompt removes a prompt.
func (s *Store) DeletePrompt(ctx context.Context, id string) error {
	return s.deleteCapability(ctx, id, capability.KindPrompt)
}
