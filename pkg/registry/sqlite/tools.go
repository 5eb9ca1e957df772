// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"fmt"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

// validateToolSchemas rejects supplied schemas that do not compile as JSON
// Schema before they reach the row encoder.
func validateToolSchemas(t *capability.Tool) error {
	if err := capability.ValidateSchema(t.InputSchema); err != nil {
		return apierror.Validation("input schema does not compile").
			WithDetail("input_schema", err.Error())
	}
	if err := capability.ValidateSchema(t.OutputSchema); err != nil {
		return apierror.Validation("output schema does not compile").
			WithDetail("output_schema", err.Error())
	}
	return nil
}

// CreateTool stores a new tool, assigning an id when empty.
func (s *Store) CreateTool(ctx context.Context, t *capability.Tool) error {
	if err := validateToolSchemas(t); err != nil {
		return err
	}
	input, err := encodeSchema(t.InputSchema)
	if err != nil {
		return err
	}
	output, err := encodeSchema(t.OutputSchema)
	if err != nil {
		return err
	}

	origin := t.Origin
	if origin == "" {
		origin = capability.OriginInternal
	}
	syncState := t.SyncState
	if syncState == "" {
		syncState = capability.SyncStateNew
	}

	row := &capRow{
		id:            t.ID,
		kind:          string(capability.KindTool),
		name:          t.Name,
		description:   t.Description,
		isGlobal:      boolToInt(t.IsGlobal),
		orgID:         t.OrgID,
		origin:        string(origin),
		serverID:      t.ServerID,
		originalName:  t.OriginalName,
		active:        boolToInt(t.Active),
		isClassified:  boolToInt(t.IsClassified),
		syncState:     string(syncState),
		embeddingHash: t.EmbeddingHash,
		inputSchema:   []byte(input),
		outputSchema:  []byte(output),
		arguments:     []byte("[]"),
		allowedUsers:  []byte("[]"),
	}
	if err := s.insertCapability(ctx, row); err != nil {
		return err
	}
	t.ID = row.id
	t.Origin = origin
	t.SyncState = syncState
	return nil
}

// GetTool retrieves a tool by id.
func (s *Store) GetTool(ctx context.Context, scope *tenancy.Scope, id string) (*capability.Tool, error) {
	r, err := s.getCapability(ctx, scope, capability.KindTool, id)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", id, err)
	}
	return r.tool()
}

// GetToolByName retrieves a tool by its aggregated-surface name.
func (s *Store) GetToolByName(ctx context.Context, scope *tenancy.Scope, name string) (*capability.Tool, error) {
	r, err := s.getCapabilityByName(ctx, scope, capability.KindTool, name)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}
	return r.tool()
}

// ListTools returns tools matching the filter, ordered by name.
func (s *Store) ListTools(
	ctx context.Context, scope *tenancy.Scope, filter registry.ToolFilter,
) ([]*capability.Tool, error) {
	var extra []string
	var extraArgs []any

	if filter.ServerID != "" {
		extra = append(extra, "c.server_id = ?")
		extraArgs = append(extraArgs, filter.ServerID)
	}
	if filter.SkillID != "" {
		extra = append(extra,
			"EXISTS (SELECT 1 FROM skill_assignments sa WHERE sa.tool_id = c.id AND sa.skill_id = ?)")
		extraArgs = append(extraArgs, filter.SkillID)
	}
	if filter.ActiveOnly {
		extra = append(extra, "c.active = 1")
	}
	if filter.Origin != "" {
		extra = append(extra, "c.origin = ?")
		extraArgs = append(extraArgs, string(filter.Origin))
	}

	rows, err := s.listCapabilities(ctx, scope, capability.KindTool, extra, extraArgs)
	if err != nil {
		return nil, err
	}
	tools := make([]*capability.Tool, 0, len(rows))
	for _, r := range rows {
		t, err := r.tool()
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, nil
}

// UpdateTool rewrites a tool's mutable fields.
func (s *Store) UpdateTool(ctx context.Context, t *capability.Tool) error {
	if err := validateToolSchemas(t); err != nil {
		return err
	}
	input, err := encodeSchema(t.InputSchema)
	if err != nil {
		return err
	}
	output, err := encodeSchema(t.OutputSchema)
	if err != nil {
		return err
	}

	sets := []string{
		"name = ?", "description = ?", "input_schema = ?",
		"output_schema = ?", "original_name = ?", "active = ?",
	}
	args := []any{
		t.Name, t.Description, input, output, t.OriginalName,
		boolToInt(t.Active),
	}
	return s.updateCapability(ctx, t.ID, capability.KindTool, sets, args)
}

// DeleteTool removes a tool; its skill assignments cascade.
func (s *Store) DeleteTool(ctx context.Context, id string) error {
	return s.deleteCapability(ctx, id, capability.KindTool)
}
