// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/capgate-io/capgate/pkg/aggregator/session"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/schemacache"
	"github.com/capgate-io/capgate/pkg/vectorindex"
)

// discover enumerates the backend's capabilities and reconciles its tools
// into the registry under namespaced names. Prompts and resources are
// enumerated alongside for operator visibility but are not aggregated.
// Returns the number of tools the backend now exposes.
func (a *Aggregator) discover(ctx context.Context, rec *capability.ServerRecord, sess session.Session) (int, error) {
	var (
		toolCount int
		tools     []capability.ToolDescriptor
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tools, err = sess.ListTools(gctx)
		return err
	})
	g.Go(func() error {
		prompts, err := sess.ListPrompts(gctx)
		if err != nil {
			logger.Warnf("Listing prompts on server %s: %v", rec.Name, err)
			return nil
		}
		if len(prompts) > 0 {
			logger.Debugf("Server %s exposes %d prompts (not aggregated)", rec.Name, len(prompts))
		}
		return nil
	})
	g.Go(func() error {
		resources, err := sess.ListResources(gctx)
		if err != nil {
			logger.Warnf("Listing resources on server %s: %v", rec.Name, err)
			return nil
		}
		if len(resources) > 0 {
			logger.Debugf("Server %s exposes %d resources (not aggregated)", rec.Name, len(resources))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("discovering capabilities on server %q: %w", rec.Name, err)
	}

	toolCount, err := a.reconcileTools(ctx, rec, tools)
	if err != nil {
		return 0, err
	}
	a.refreshSchemaCache(ctx, rec, tools)
	return toolCount, nil
}

// reconcileTools merges the backend's current tool list into the registry:
// new tools are created, changed tools are rewritten and queued for
// re-embedding, and tools the backend no longer offers are deactivated and
// dropped from the index. Unchanged tools are left alone so steady-state
// reconnects produce no sync work.
func (a *Aggregator) reconcileTools(ctx context.Context, rec *capability.ServerRecord, descriptors []capability.ToolDescriptor) (int, error) {
	existing, err := a.store.ListTools(ctx, nil, registry.ToolFilter{ServerID: rec.ID})
	if err != nil {
		return 0, fmt.Errorf("listing registered tools for server %q: %w", rec.Name, err)
	}
	byOriginal := make(map[string]*capability.Tool, len(existing))
	for _, t := range existing {
		byOriginal[t.OriginalName] = t
	}

	seen := make(map[string]bool, len(descriptors))
	count := 0
	for _, desc := range descriptors {
		if seen[desc.Name] {
			logger.Warnf("Server %s advertises tool %q more than once, keeping the first", rec.Name, desc.Name)
			continue
		}
		seen[desc.Name] = true

		name := capability.NamespacedName(rec.Name, desc.Name)
		if prev, ok := byOriginal[desc.Name]; ok {
			changed := prev.Name != name ||
				prev.Description != desc.Description ||
				!prev.Active ||
				!reflect.DeepEqual(prev.InputSchema, desc.InputSchema) ||
				!reflect.DeepEqual(prev.OutputSchema, desc.OutputSchema)
			if changed {
				prev.Name = name
				prev.Description = desc.Description
				prev.Active = true
				prev.InputSchema = desc.InputSchema
				prev.OutputSchema = desc.OutputSchema
				if err := a.store.UpdateTool(ctx, prev); err != nil {
					return 0, fmt.Errorf("updating tool %q: %w", name, err)
				}
				if err := a.store.SetSyncState(ctx, prev.ID, capability.SyncStateNew); err != nil {
					return 0, fmt.Errorf("queueing tool %q for sync: %w", name, err)
				}
			}
			count++
			continue
		}

		tool := &capability.Tool{
			Record: capability.Record{
				Name:        name,
				Description: desc.Description,
				IsGlobal:    rec.IsGlobal,
				OrgID:       rec.OrgID,
				Origin:      capability.OriginExternal,
				ServerID:    rec.ID,
				Active:      true,
			},
			InputSchema:  desc.InputSchema,
			OutputSchema: desc.OutputSchema,
			OriginalName: desc.Name,
		}
		if err := a.store.CreateTool(ctx, tool); err != nil {
			return 0, fmt.Errorf("registering tool %q: %w", name, err)
		}
		count++
	}

	// Tools the backend stopped offering keep their rows but leave the
	// searchable surface.
	var staleIDs []string
	for original, t := range byOriginal {
		if seen[original] || !t.Active {
			continue
		}
		if err := a.store.SetActive(ctx, t.ID, false); err != nil {
			return 0, fmt.Errorf("deactivating stale tool %q: %w", t.Name, err)
		}
		staleIDs = append(staleIDs, t.ID)
		if a.schemas != nil {
			if err := a.schemas.Invalidate(ctx, rec.ID, original); err != nil {
				logger.Warnf("Invalidating cached schema for %s: %v", t.Name, err)
			}
		}
	}
	if len(staleIDs) > 0 {
		sort.Strings(staleIDs)
		if err := a.index.Delete(ctx, vectorindex.CollectionTools, staleIDs); err != nil {
			return 0, fmt.Errorf("removing stale tool vectors for server %q: %w", rec.Name, err)
		}
		logger.Infow("Deactivated stale tools", "server", rec.Name, "count", len(staleIDs))
	}

	return count, nil
}

// refreshSchemaCache rewrites the cached descriptions and schemas for the
// backend's current tools. Cache failures are logged and ignored; the
// cache is an optimization, not a source of truth.
func (a *Aggregator) refreshSchemaCache(ctx context.Context, rec *capability.ServerRecord, descriptors []capability.ToolDescriptor) {
	if a.schemas == nil {
		return
	}
	now := time.Now().UTC()
	for _, desc := range descriptors {
		entry := schemacache.Entry{Description: desc.Description, CachedAt: now}
		if desc.InputSchema != nil {
			data, err := json.Marshal(desc.InputSchema)
			if err != nil {
				logger.Warnf("Encoding input schema for %s.%s: %v", rec.Name, desc.Name, err)
				continue
			}
			entry.InputSchema = data
		}
		if desc.OutputSchema != nil {
			data, err := json.Marshal(desc.OutputSchema)
			if err != nil {
				logger.Warnf("Encoding output schema for %s.%s: %v", rec.Name, desc.Name, err)
				continue
			}
			entry.OutputSchema = data
		}
		if err := a.schemas.Put(ctx, rec.ID, desc.Name, entry); err != nil {
			logger.Warnf("Caching schema for %s.%s: %v", rec.Name, desc.Name, err)
		}
	}
}
