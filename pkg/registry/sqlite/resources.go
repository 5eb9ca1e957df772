// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"fmt"

	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/tenancy"
)

// CreateResource stores a new resource, assigning an id when empty.
func (s *Store) CreateResource(ctx context.Context, r *capability.Resource) error {
	acl, err := encodeStrings(r.AllowedUsers)
	if err != nil {
		return err
	}

	origin := r.Origin
	if origin == "" {
		origin = capability.OriginInternal
	}
	syncState := r.SyncState
	if syncState == "" {
		syncState = capability.SyncStateNew
	}

	row := &capRow{
		id:            r.ID,
		kind:          string(capability.KindResource),
		name:          r.Name,
		description:   r.Description,
		isGlobal:      boolToInt(r.IsGlobal),
		orgID:         r.OrgID,
		origin:        string(origin),
		serverID:      r.ServerID,
		active:        boolToInt(r.Active),
		isClassified:  boolToInt(r.IsClassified),
		syncState:     string(syncState),
		embeddingHash: r.EmbeddingHash,
		arguments:     []byte("[]"),
		scheme:        r.Scheme,
		ownerID:       r.OwnerID,
		allowedUsers:  []byte(acl),
	}
	if err := s.insertCapability(ctx, row); err != nil {
		return err
	}
	r.ID = row.id
	r.Origin = origin
	r.SyncState = syncState
	return nil
}

// GetResource retrieves a resource by id.
func (s *Store) GetResource(ctx context.Context, scope *tenancy.Scope, id string) (*capability.Resource, error) {
	r, err := s.getCapability(ctx, scope, capability.KindResource, id)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", id, err)
	}
	return r.resource()
}

// GetResourceByName retrieves a resource by name.
func (s *Store) GetResourceByName(ctx context.Context, scope *tenancy.Scope, name string) (*capability.Resource, error) {
	r, err := s.getCapabilityByName(ctx, scope, capability.KindResource, name)
	if err != nil {
		return nil, fmt.Errorf("resource %q: %w", name, err)
	}
	return r.resource()
}

// ListResources returns resources matching the filter, ordered by name.
func (s *Store) ListResources(
	ctx context.Context, scope *tenancy.Scope, filter registry.ListFilter,
) ([]*capability.Resource, error) {
	var extra []string
	if filter.ActiveOnly {
		extra = append(extra, "c.active = 1")
	}

	rows, err := s.listCapabilities(ctx, scope, capability.KindResource, extra, nil)
	if err != nil {
		return nil, err
	}
	resources := make([]*capability.Resource, 0, len(rows))
	for _, r := range rows {
		res, err := r.resource()
		if err != nil {
			return nil, err
		}
		resources = append(resources, res)
	}
	return resources, nil
}

// UpdateResource rewrites a resource's mutable fields.
func (s *Store) UpdateResource(ctx context.Context, r *capability.Resource) error {
	acl, err := encodeStrings(r.AllowedUsers)
	if err != nil {
		return err
	}

	sets := []string{
		"name = ?", "description = ?", "scheme = ?", "owner_id = ?",
		"allowed_users = ?", "active = ?",
	}
	setArgs := []any{
		r.Name, r.Description, r.Scheme, r.OwnerID, acl, boolToInt(r.Active),
	}
	return s.updateCapability(ctx, r.ID, capability.KindResource, sets, setArgs)
}

// DeleteResource removes a resource.
func (s *Store) DeleteResource(ctx context.Context, id string) error {
	return s.deleteCapability(ctx, id, capability.KindResource)
}
