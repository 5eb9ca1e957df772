// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the composition root. It constructs the registry,
// vector index, embedding client, classifier, sync pipeline, aggregator,
// search service and both request surfaces (REST and MCP) from one
// configuration, wires their cross-cutting hooks, and owns their
// lifecycle.
//
// All state flows through explicit references held by the Gateway struct;
// nothing here is process-global.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/capgate-io/capgate/pkg/aggregator"
	"github.com/capgate-io/capgate/pkg/api"
	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/classifier"
	"github.com/capgate-io/capgate/pkg/config"
	"github.com/capgate-io/capgate/pkg/embedding"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/mcpserver"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/registry/sqlite"
	"github.com/capgate-io/capgate/pkg/schemacache"
	"github.com/capgate-io/capgate/pkg/search"
	"github.com/capgate-io/capgate/pkg/syncer"
	"github.com/capgate-io/capgate/pkg/vectorindex"
)

// Gateway owns every subsystem of the running process.
type Gateway struct {
	cfg *config.Config

	store    *sqlite.Store
	index    vectorindex.Index
	embedder embedding.Client
	schemas  *schemacache.Cache
	syncer   *syncer.Syncer
	agg      *aggregator.Aggregator
	searcher *search.Service
	mcp      *mcpserver.Server
	handler  http.Handler
}

// New assembles a gateway from the validated configuration. Nothing is
// started; call Run.
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	g := &Gateway{cfg: cfg}

	store, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	g.store = store

	index, err := vectorindex.NewSQLite(indexPath(cfg.DatabasePath))
	if err != nil {
		g.closePartial()
		return nil, fmt.Errorf("opening vector index: %w", err)
	}
	g.index = index

	// Without a configured model backend the gateway runs on deterministic
	// placeholder embeddings: search still works on vocabulary overlap,
	// but there is no model to classify with, so tools stay uncategorized.
	var cls classifier.Classifier
	if cfg.Embedding.BaseURL == "" && cfg.Embedding.APIKey == "" {
		logger.Warnf("No embedding backend configured, using placeholder embeddings (dimension %d)",
			cfg.Embedding.Dimension)
		g.embedder = embedding.NewPlaceholder(cfg.Embedding.Dimension)
	} else {
		g.embedder, err = embedding.New(embedding.Options{
			BaseURL:           cfg.Embedding.BaseURL,
			APIKey:            cfg.Embedding.APIKey,
			EmbeddingModel:    cfg.Embedding.Model,
			Dimension:         cfg.Embedding.Dimension,
			CompletionModel:   cfg.Embedding.CompletionModel,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
			MaxConcurrent:     int64(cfg.Embedding.MaxConcurrent),
			MaxRetries:        cfg.Embedding.MaxRetries,
			CacheSize:         cfg.Embedding.CacheSize,
		})
		if err != nil {
			g.closePartial()
			return nil, fmt.Errorf("building embedding client: %w", err)
		}
		cls = classifier.New(g.embedder, store, store, classifier.Options{
			Timeout: cfg.Sync.ClassificationTimeout.Std(),
		})
	}

	if cfg.RedisAddr != "" {
		g.schemas, err = schemacache.New(ctx, cfg.RedisAddr)
		if err != nil {
			g.closePartial()
			return nil, fmt.Errorf("connecting schema cache: %w", err)
		}
	}

	// Invalidators close over g: the fields they touch are assigned below,
	// before any pass can run.
	g.syncer = syncer.New(store, index, g.embedder, cls,
		syncer.Config{
			SweepInterval: cfg.Sync.SweepInterval.Std(),
			Concurrency:   cfg.Sync.Concurrency,
		},
		syncer.WithInvalidator(syncer.InvalidatorFunc(func() { g.embedder.InvalidateCache() })),
		syncer.WithInvalidator(syncer.InvalidatorFunc(func() { g.searcher.Invalidate() })),
		syncer.WithInvalidator(syncer.InvalidatorFunc(func() { g.mcp.Invalidate() })),
	)

	aggOpts := []aggregator.Option{aggregator.WithSyncTrigger(g.syncer)}
	if g.schemas != nil {
		aggOpts = append(aggOpts, aggregator.WithSchemaCache(g.schemas))
	}
	g.agg = aggregator.New(store, index, aggregator.Config{
		ProbeInterval: cfg.Aggregator.ProbeInterval.Std(),
	}, aggOpts...)

	searchOpts := []search.Option{search.WithLiveness(g.agg)}
	if g.schemas != nil {
		searchOpts = append(searchOpts, search.WithSchemaCache(g.schemas))
	}
	g.searcher = search.New(store, index, g.embedder, search.Config{
		SkillThreshold: cfg.Search.SkillThreshold,
		ToolThreshold:  cfg.Search.ToolThreshold,
		SchemaTokenCap: cfg.Search.SchemaTokenCap,
		TotalBudget:    cfg.Search.TotalBudget.Std(),
	}, searchOpts...)

	g.mcp = mcpserver.New(store, g.searcher, g.agg, mcpserver.Config{})
	g.agg.OnNotification(g.mcp.Notify)

	g.handler = api.Router(api.Deps{
		Store:   store,
		Index:   index,
		Search:  g.searcher,
		Servers: g.agg,
		Caller:  g.agg,
		Sync:    g.syncer,
		Ready:   g.ready,
		MCP:     g.mcp.Handler(),
	})
	return g, nil
}

// Handler returns the assembled HTTP surface. Used by tests to drive the
// gateway without a listener.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Run starts the background subsystems and serves HTTP until ctx is
// cancelled, then shuts everything down in reverse dependency order.
func (g *Gateway) Run(ctx context.Context) error {
	g.Start(ctx)
	serveErr := api.Serve(ctx, g.cfg.Listen, g.handler)
	g.Shutdown()
	return serveErr
}

// Start registers the configured fleet, resumes previously connected
// servers, launches the sync loop and publishes the initial MCP catalog.
func (g *Gateway) Start(ctx context.Context) {
	g.registerFleet(ctx)

	if err := g.agg.Resume(ctx); err != nil {
		logger.Warnf("Resuming server connections: %v", err)
	}
	g.syncer.Start()
	if err := g.mcp.RefreshTools(ctx); err != nil {
		logger.Warnf("Initial MCP catalog refresh: %v", err)
	}
}

// Shutdown stops the background subsystems and releases storage. Safe
// after Start; Run calls it on its way out.
func (g *Gateway) Shutdown() {
	g.syncer.Stop()
	if err := g.agg.Close(); err != nil {
		logger.Warnf("Closing aggregator: %v", err)
	}
	if err := g.Close(); err != nil {
		logger.Warnf("Closing gateway state: %v", err)
	}
}

// registerFleet registers and optionally connects the servers declared in
// the configuration. Re-registering an existing fleet entry is normal on
// restart and is skipped; Resume re-establishes its session.
func (g *Gateway) registerFleet(ctx context.Context) {
	for i := range g.cfg.Servers {
		sc := &g.cfg.Servers[i]
		callTimeout := sc.CallTimeout.Std()
		if callTimeout == 0 {
			callTimeout = g.cfg.Aggregator.CallTimeout.Std()
		}
		rec := &capability.ServerRecord{
			Name:           sc.Name,
			Description:    sc.Description,
			Transport:      sc.Transport,
			Command:        sc.Command,
			Args:           sc.Args,
			Env:            sc.Env,
			URL:            sc.URL,
			Headers:        sc.Headers,
			HealthCheckURL: sc.HealthCheckURL,
			CallTimeout:    callTimeout,
			IsGlobal:       sc.OrgID == "",
			OrgID:          sc.OrgID,
		}
		err := g.agg.Register(ctx, rec, sc.AutoConnect)
		switch {
		case err == nil:
			logger.Infow("Registered fleet server", "server", sc.Name, "transport", sc.Transport)
		case apierror.KindOf(err) == apierror.KindDuplicateName:
			logger.Debugw("Fleet server already registered", "server", sc.Name)
		default:
			logger.Warnf("Registering fleet server %s: %v", sc.Name, err)
		}
	}
}

// ready reports whether the gateway can answer searches: the registry and
// the index must both respond.
func (g *Gateway) ready(ctx context.Context) error {
	if _, err := g.store.ListSkills(ctx, registry.SkillFilter{ActiveOnly: true}); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if _, err := g.index.Count(ctx, vectorindex.CollectionTools); err != nil {
		return fmt.Errorf("vector index: %w", err)
	}
	return nil
}

// Close releases storage and client resources. Run calls it on shutdown;
// call it directly when New succeeded but Run was never reached.
func (g *Gateway) Close() error {
	var errs []error
	if g.schemas != nil {
		if err := g.schemas.Close(); err != nil {
			errs = append(errs, fmt.Errorf("schema cache: %w", err))
		}
	}
	if g.embedder != nil {
		if err := g.embedder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("embedding client: %w", err))
		}
	}
	if g.index != nil {
		if err := g.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("vector index: %w", err))
		}
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("registry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// closePartial tears down whatever New had opened before failing.
func (g *Gateway) closePartial() {
	if err := g.Close(); err != nil {
		logger.Warnf("Cleaning up partially constructed gateway: %v", err)
	}
}

// indexPath derives the vector index location from the registry path. The
// two stores hold unrelated tables but each pins a single SQLite
// connection, so they get separate files; in-memory registries get an
// in-memory index.
func indexPath(databasePath string) string {
	if databasePath == ":memory:" || strings.Contains(databasePath, "mode=memory") {
		return ":memory:"
	}
	ext := filepath.Ext(databasePath)
	return strings.TrimSuffix(databasePath, ext) + ".index" + ext
}
