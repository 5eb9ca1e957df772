// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package aggregator owns the set of external MCP server connections. It
// registers server records, establishes and tears down transport sessions,
// reconciles discovered tools into the registry under namespaced names,
// probes backend health, and routes tool calls to the owning session.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/capgate-io/capgate/pkg/aggregator/session"
	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/schemacache"
	"github.com/capgate-io/capgate/pkg/telemetry"
	"github.com/capgate-io/capgate/pkg/tenancy"
	"github.com/capgate-io/capgate/pkg/vectorindex"
)

// ErrClosed is returned by operations on an aggregator that has been shut
// down.
var ErrClosed = errors.New("aggregator is closed")

// Config tunes the aggregator's probing, draining and reconnect policies.
type Config struct {
	// ProbeInterval is how often each live server is health-checked. It
	// doubles as the staleness bound for servers probed by traffic age.
	ProbeInterval time.Duration

	// ProbeTimeout bounds one health-check request or protocol ping.
	ProbeTimeout time.Duration

	// FailureThreshold is the number of consecutive probe failures that
	// moves a server to the error state.
	FailureThreshold int

	// DrainTimeout bounds the wait for in-flight calls on disconnect.
	DrainTimeout time.Duration

	// ReconnectInitialInterval seeds the reconnect backoff.
	ReconnectInitialInterval time.Duration

	// ReconnectMaxInterval caps the reconnect backoff.
	ReconnectMaxInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:            30 * time.Second,
		ProbeTimeout:             5 * time.Second,
		FailureThreshold:         3,
		DrainTimeout:             30 * time.Second,
		ReconnectInitialInterval: time.Second,
		ReconnectMaxInterval:     60 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = def.ProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.ReconnectInitialInterval <= 0 {
		c.ReconnectInitialInterval = def.ReconnectInitialInterval
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = def.ReconnectMaxInterval
	}
	return c
}

// SyncTrigger wakes the sync pipeline after discovery writes capability
// rows. A nil trigger is allowed; the background sweep picks the rows up
// on its next pass.
type SyncTrigger interface {
	Trigger()
}

// liveSession pairs an established session with its routing bookkeeping.
type liveSession struct {
	sess session.Session

	// serverName and healthURL are snapshots from the record at connect
	// time. Rename rewrites serverName under the aggregator lock; read it
	// while holding at least the read lock.
	serverName string
	healthURL  string

	// inflight tracks forwarded calls so disconnect can drain them.
	inflight sync.WaitGroup

	// stopProbe cancels the probe goroutine.
	stopProbe context.CancelFunc

	// failures and lastStatus belong to the probe goroutine exclusively.
	failures   int
	lastStatus capability.ServerStatus
}

// Aggregator manages the server_id → Session routing table.
//
// The table is mutated only by the lifecycle paths (register, connect,
// disconnect, remove, probe escalation); call routing reads point-in-time
// snapshots. Lifecycle operations on the same server serialize on a
// per-server mutex so operations on distinct servers can proceed in
// parallel.
type Aggregator struct {
	store   registry.Store
	index   vectorindex.Index
	schemas *schemacache.Cache
	syncer  SyncTrigger
	cfg     Config

	// newSession builds transport sessions. Tests substitute a fake.
	newSession func(session.Config) (session.Session, error)

	// probeClient performs HTTP health-check requests. Deadlines come
	// from the probe context.
	probeClient *http.Client

	// mu guards live, retries, opLocks and closed.
	mu      sync.RWMutex
	live    map[string]*liveSession
	retries map[string]*retryHandle
	opLocks map[string]*sync.Mutex
	closed  bool

	// notifyMu guards subscribers.
	notifyMu    sync.RWMutex
	subscribers []func(capability.Notification)

	// ctx bounds every background goroutine; cancel is invoked by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithSchemaCache attaches the shared schema cache. Discovery refreshes it
// and removal invalidates it; cache failures never fail a lifecycle
// operation.
func WithSchemaCache(c *schemacache.Cache) Option {
	return func(a *Aggregator) { a.schemas = c }
}

// WithSyncTrigger attaches the sync pipeline trigger fired after discovery
// and removal.
func WithSyncTrigger(t SyncTrigger) Option {
	return func(a *Aggregator) { a.syncer = t }
}

// WithSessionFactory substitutes the transport session constructor.
func WithSessionFactory(fn func(session.Config) (session.Session, error)) Option {
	return func(a *Aggregator) { a.newSession = fn }
}

// New builds an aggregator. Background goroutines (probes, reconnect
// loops) are bound to the aggregator's lifetime and stopped by Close.
func New(store registry.Store, index vectorindex.Index, cfg Config, opts ...Option) *Aggregator {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregator{
		store:       store,
		index:       index,
		cfg:         cfg.withDefaults(),
		newSession:  session.New,
		probeClient: &http.Client{},
		live:        make(map[string]*liveSession),
		retries:     make(map[string]*retryHandle),
		opLocks:     make(map[string]*sync.Mutex),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Call resolves a tool by its aggregated-surface name within scope and
// forwards the invocation to the owning backend. The backend result is
// returned verbatim, along with the name of the server the call was
// routed to.
//
// Calls fail with ServerUnavailable when the owning server is not in a
// connectable state, and with RequestCancelled when ctx is cancelled
// mid-flight; cancellation propagates to the backend transport.
func (a *Aggregator) Call(
	ctx context.Context, scope *tenancy.Scope, name string, args map[string]any,
) (*capability.CallResult, string, error) {
	tool, err := a.store.GetToolByName(ctx, scope, name)
	if err != nil {
		return nil, "", err
	}
	if tool.ServerID == "" {
		return nil, "", apierror.Validation(
			fmt.Sprintf("tool %q is not backed by an external server", name))
	}

	// Joining the in-flight group under the read lock pairs with detach
	// holding the write lock: once a session leaves the table, no new
	// call can join its drain group.
	a.mu.RLock()
	ls, ok := a.live[tool.ServerID]
	var serverName string
	if ok {
		ls.inflight.Add(1)
		serverName = ls.serverName
	}
	a.mu.RUnlock()
	if !ok {
		return nil, "", apierror.ServerUnavailable(
			fmt.Sprintf("server for tool %q is not connected", name))
	}
	defer ls.inflight.Done()

	start := time.Now()
	result, err := ls.sess.CallTool(ctx, tool.BackendName(), args)
	telemetry.RecordBackendCall(serverName, time.Since(start).Seconds(), err)
	if err != nil {
		return nil, serverName, mapCallError(ctx, serverName, err)
	}
	return result, serverName, nil
}

// mapCallError converts session failures into the wire taxonomy.
func mapCallError(ctx context.Context, serverName string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return apierror.Cancelled()
	case errors.Is(err, session.ErrSessionClosed):
		return apierror.ServerUnavailable(
			fmt.Sprintf("server %q disconnected during call", serverName))
	default:
		return apierror.Wrap(err, apierror.KindServerUnavailable,
			http.StatusServiceUnavailable,
			fmt.Sprintf("call to server %q failed", serverName))
	}
}

// IsLive reports whether a server currently has an established session,
// which is exactly the connectable set (connected or degraded). Search
// uses it to drop results owned by unreachable servers.
func (a *Aggregator) IsLive(serverID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.live[serverID]
	return ok
}

// OnNotification registers fn to receive notifications relayed from every
// connected backend. Subscribers must not block.
func (a *Aggregator) OnNotification(fn func(capability.Notification)) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()
	a.subscribers = append(a.subscribers, fn)
}

// relayNotification fans one backend notification out to subscribers.
func (a *Aggregator) relayNotification(n capability.Notification) {
	a.notifyMu.RLock()
	subs := make([]func(capability.Notification), len(a.subscribers))
	copy(subs, a.subscribers)
	a.notifyMu.RUnlock()

	for _, fn := range subs {
		fn(n)
	}
}

// lockServer returns the per-server lifecycle mutex, creating it on first
// use.
func (a *Aggregator) lockServer(serverID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.opLocks[serverID]
	if !ok {
		m = &sync.Mutex{}
		a.opLocks[serverID] = m
	}
	return m
}

// Close stops probing and reconnection, drains in-flight calls up to the
// drain timeout and closes every session. Records keep their last
// persisted status so Resume can re-establish sessions after a restart.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.cancel()

	detached := make([]*liveSession, 0, len(a.live))
	for id, ls := range a.live {
		ls.stopProbe()
		detached = append(detached, ls)
		delete(a.live, id)
	}
	for id, h := range a.retries {
		h.cancel()
		delete(a.retries, id)
	}
	a.mu.Unlock()

	for _, ls := range detached {
		a.drainAndClose(ls)
	}
	a.wg.Wait()
	return nil
}

// drainAndClose waits up to the drain timeout for in-flight calls, then
// closes the session. Calls still running after the timeout fail when the
// transport drops.
func (a *Aggregator) drainAndClose(ls *liveSession) {
	done := make(chan struct{})
	go func() {
		ls.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.cfg.DrainTimeout):
		logger.Warnf("Draining server %s timed out after %v, closing with calls in flight",
			ls.serverName, a.cfg.DrainTimeout)
	}
	if err := ls.sess.Close(); err != nil {
		logger.Warnf("Closing session for server %s: %v", ls.serverName, err)
	}
}
