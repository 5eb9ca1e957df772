// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncer drives capabilities through the embedding and
// classification pipeline and keeps the vector index consistent with the
// registry.
//
// A single background loop wakes on a timer or an explicit trigger and
// runs one pass at a time. Each pass claims a batch of pending
// capabilities, embeds their descriptive text, classifies tools into
// skill categories, writes the resulting entries to the vector index and
// finishes by recomputing the centroid of every skill whose membership
// changed. Passes never overlap, so a capability observed in an
// intermediate state (embedding, classifying) can only be left over from
// a crashed process and is safe to reclaim.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/classifier"
	"github.com/capgate-io/capgate/pkg/embedding"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/vectorindex"
)

// failureRingSize bounds the recent-failure buffer exposed by Status.
const failureRingSize = 50

// Config tunes the sweep cadence and per-pass limits.
type Config struct {
	// SweepInterval is the idle time between passes.
	SweepInterval time.Duration

	// Concurrency bounds how many capabilities one pass processes in
	// parallel.
	Concurrency int

	// BatchLimit caps the capabilities claimed per pass; the remainder
	// waits for the next sweep.
	BatchLimit int

	// EmbedTimeout bounds a single embedding call.
	EmbedTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 30 * time.Second,
		Concurrency:   5,
		BatchLimit:    100,
		EmbedTimeout:  5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.Concurrency < 1 {
		c.Concurrency = def.Concurrency
	}
	if c.BatchLimit < 1 {
		c.BatchLimit = def.BatchLimit
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = def.EmbedTimeout
	}
	return c
}

// Invalidator is notified at the end of every pass that changed the
// index, so read-side caches can drop state that may now be stale.
type Invalidator interface {
	Invalidate()
}

// InvalidatorFunc adapts a plain function to Invalidator.
type InvalidatorFunc func()

// Invalidate calls f.
func (f InvalidatorFunc) Invalidate() { f() }

// Failure describes one capability the pipeline could not sync.
type Failure struct {
	CapabilityID string
	Kind         capability.Kind

	// Stage names the step that failed: load, embed, classify or index.
	Stage string

	Error string

	// Attempts is the consecutive failure count for this capability. It
	// resets when a later pass syncs it successfully.
	Attempts int

	At time.Time
}

// Status is a point-in-time snapshot of the pipeline.
type Status struct {
	// States holds per-state capability totals across all scopes.
	States map[capability.SyncState]int

	// LastPassAt is when the most recent pass finished. Zero before the
	// first pass.
	LastPassAt time.Time

	// RecentFailures lists the latest sync failures, oldest first.
	RecentFailures []Failure
}

// Syncer runs the background sync loop.
type Syncer struct {
	store      registry.Store
	index      vectorindex.Index
	embedder   embedding.Client
	classifier classifier.Classifier
	cfg        Config

	invalidators []Invalidator

	// wake coalesces triggers; one buffered slot is enough because a
	// trigger arriving during a pass schedules exactly one more.
	wake chan struct{}

	mu         sync.Mutex
	lastPassAt time.Time
	failures   []Failure
	attempts   map[string]int
	running    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Syncer.
type Option func(*Syncer)

// WithInvalidator registers a cache invalidation hook fired at the end of
// every pass that wrote to the index.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Syncer) {
		s.invalidators = append(s.invalidators, inv)
	}
}

// New builds a Syncer. The classifier may be nil, in which case tools are
// indexed without skill assignments and remain reachable through direct
// search only.
func New(
	store registry.Store,
	index vectorindex.Index,
	embedder embedding.Client,
	cls classifier.Classifier,
	cfg Config,
	opts ...Option,
) *Syncer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		store:      store,
		index:      index,
		embedder:   embedder,
		classifier: cls,
		cfg:        cfg.withDefaults(),
		wake:       make(chan struct{}, 1),
		attempts:   make(map[string]int),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background loop. The loop opens with an immediate
// pass so work left over from a previous process is reclaimed without
// waiting a full sweep interval.
func (s *Syncer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.loop()
}

// Stop halts the loop and waits for it to exit. The capability being
// processed when Stop is called finishes; anything still pending is left
// in the registry for the next process to reclaim.
func (s *Syncer) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Trigger requests a pass as soon as the loop is idle. It never blocks
// and collapses concurrent triggers into one pending pass.
func (s *Syncer) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Status reports per-state capability counts, the last pass time and the
// recent failure buffer.
func (s *Syncer) Status(ctx context.Context) (*Status, error) {
	states, err := s.store.CountSyncStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting sync states: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Status{
		States:         states,
		LastPassAt:     s.lastPassAt,
		RecentFailures: append([]Failure(nil), s.failures...),
	}, nil
}

// RebuildSkill recomputes one skill's centroid entry immediately. The API
// layer calls it after a skill is created, updated or deactivated so
// routing reflects the change without waiting for the next pass.
func (s *Syncer) RebuildSkill(ctx context.Context, skillID string) error {
	if err := s.rebuildCentroid(ctx, skillID); err != nil {
		return err
	}
	if err := s.index.Refresh(ctx); err != nil {
		return fmt.Errorf("refreshing index: %w", err)
	}
	s.invalidateCaches()
	return nil
}

func (s *Syncer) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if err := s.runPass(s.ctx); err != nil && s.ctx.Err() == nil {
			logger.Errorf("Sync pass failed: %v", err)
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

func (s *Syncer) invalidateCaches() {
	for _, inv := range s.invalidators {
		inv.Invalidate()
	}
}

// recordFailure appends to the failure ring and bumps the capability's
// consecutive-failure counter.
func (s *Syncer) recordFailure(f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[f.CapabilityID]++
	f.Attempts = s.attempts[f.CapabilityID]
	s.failures = append(s.failures, f)
	if len(s.failures) > failureRingSize {
		s.failures = append(s.failures[:0], s.failures[len(s.failures)-failureRingSize:]...)
	}
}

// clearFailures resets the consecutive-failure counter after a successful
// sync.
func (s *Syncer) clearFailures(capabilityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, capabilityID)
}

func (s *Syncer) markPassDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPassAt = time.Now()
}
