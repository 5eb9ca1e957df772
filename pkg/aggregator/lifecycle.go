// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/capgate-io/capgate/pkg/aggregator/session"
	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/vectorindex"
)

// resumeConcurrency bounds how many servers Resume connects in parallel.
const resumeConcurrency = 10

// Register validates and persists a server record. The record starts
// disconnected; when autoConnect is set a connection attempt follows, but
// its failure never rolls the registration back — the record stays with
// error status and the reconnect policy takes over.
func (a *Aggregator) Register(ctx context.Context, rec *capability.ServerRecord, autoConnect bool) error {
	if err := validateTransportFields(rec); err != nil {
		return err
	}

	rec.Status = capability.ServerDisconnected
	rec.ConsecutiveFailures = 0
	if err := a.store.CreateServer(ctx, rec); err != nil {
		return err
	}
	logger.Infow("Registered server", "server", rec.Name, "transport", rec.Transport)

	if autoConnect {
		if err := a.Connect(ctx, rec.ID); err != nil {
			logger.Warnf("Initial connect for server %s failed, reconnect scheduled: %v", rec.Name, err)
		}
	}
	return nil
}

// validateTransportFields checks the per-transport required fields the
// store does not know about.
func validateTransportFields(rec *capability.ServerRecord) error {
	switch rec.Transport {
	case capability.TransportStdio:
		if rec.Command == "" {
			return apierror.Validation("stdio transport requires a command").
				WithDetail("command", "required for stdio transport")
		}
	case capability.TransportSSE, capability.TransportHTTP:
		if rec.URL == "" {
			return apierror.Validation(fmt.Sprintf("%s transport requires a URL", rec.Transport)).
				WithDetail("url", "required for sse and http transports")
		}
	}
	return nil
}

// Connect establishes (or re-establishes) the session for a registered
// server: transport start, MCP handshake, capability discovery, health
// probing. Connecting an already-connected server tears the old session
// down first. On failure the record moves to error status and a
// backoff-driven reconnect loop takes over.
func (a *Aggregator) Connect(ctx context.Context, serverID string) error {
	srvMu := a.lockServer(serverID)
	srvMu.Lock()
	defer srvMu.Unlock()

	// An operator-initiated connect supersedes any pending retry loop.
	a.cancelReconnect(serverID)

	rec, err := a.store.GetServer(ctx, nil, serverID)
	if err != nil {
		return err
	}
	return a.connectRecord(ctx, rec, true)
}

// connectRecord runs one connection attempt for rec. The caller must hold
// the server's lifecycle mutex. scheduleRetry controls whether a failure
// arms the reconnect loop; the loop itself passes false to avoid spawning
// a second loop per failure.
func (a *Aggregator) connectRecord(ctx context.Context, rec *capability.ServerRecord, scheduleRetry bool) error {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	// Reconnect semantics: drop any existing session first.
	if old := a.detach(rec.ID); old != nil {
		a.drainAndClose(old)
	}

	if err := a.store.UpdateServerStatus(ctx, rec.ID,
		capability.ServerConnecting, time.Now().UTC(), 0); err != nil {
		return err
	}

	sess, err := a.newSession(session.Config{
		ServerID:    rec.ID,
		ServerName:  rec.Name,
		Transport:   rec.Transport,
		Command:     rec.Command,
		Args:        rec.Args,
		Env:         rec.Env,
		URL:         rec.URL,
		Headers:     rec.Headers,
		CallTimeout: rec.CallTimeout,
	})
	if err != nil {
		return a.failConnect(ctx, rec, scheduleRetry, err)
	}

	// Notification relay must be registered before the transport starts.
	sess.OnNotification(a.relayNotification)

	if err := sess.Start(ctx); err != nil {
		_ = sess.Close()
		return a.failConnect(ctx, rec, scheduleRetry, err)
	}

	toolCount, err := a.discover(ctx, rec, sess)
	if err != nil {
		_ = sess.Close()
		return a.failConnect(ctx, rec, scheduleRetry, err)
	}

	if err := a.store.UpdateServerStatus(ctx, rec.ID,
		capability.ServerConnected, time.Now().UTC(), 0); err != nil {
		_ = sess.Close()
		return a.failConnect(ctx, rec, scheduleRetry, err)
	}

	ls := &liveSession{
		sess:       sess,
		serverName: rec.Name,
		healthURL:  rec.HealthCheckURL,
		lastStatus: capability.ServerConnected,
	}
	probeCtx, stopProbe := context.WithCancel(a.ctx)
	ls.stopProbe = stopProbe

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		stopProbe()
		_ = sess.Close()
		return ErrClosed
	}
	a.live[rec.ID] = ls
	a.wg.Add(1)
	a.mu.Unlock()

	go a.probeLoop(probeCtx, rec.ID, ls)

	logger.Infow("Connected to server",
		"server", rec.Name, "transport", rec.Transport, "tools", toolCount)
	if a.syncer != nil {
		a.syncer.Trigger()
	}
	return nil
}

// failConnect records a failed connection attempt. The status write uses a
// cancellation-stripped context so an aborted caller cannot leave the
// record stuck in connecting, which would disarm the reconnect loop's
// still-in-error check.
func (a *Aggregator) failConnect(ctx context.Context, rec *capability.ServerRecord, scheduleRetry bool, cause error) error {
	persistCtx := context.WithoutCancel(ctx)
	if err := a.store.UpdateServerStatus(persistCtx, rec.ID,
		capability.ServerError, time.Now().UTC(), 0); err != nil && !errors.Is(err, registry.ErrNotFound) {
		logger.Errorf("Recording error status for server %s: %v", rec.Name, err)
	}

	logger.Warnw("Connecting to server failed",
		"server", rec.Name, "transport", rec.Transport, "error", cause)
	if scheduleRetry {
		a.scheduleReconnect(rec.ID)
	}
	return apierror.Wrap(cause, apierror.KindServerUnavailable,
		http.StatusServiceUnavailable,
		fmt.Sprintf("connecting to server %q failed", rec.Name))
}

// Disconnect gracefully detaches a server: no new calls are routed to it,
// in-flight calls get the drain window, and the record is marked
// disconnected. Discovered tools keep their rows; search drops them while
// the server stays down. Disconnected servers are not retried.
func (a *Aggregator) Disconnect(ctx context.Context, serverID string) error {
	srvMu := a.lockServer(serverID)
	srvMu.Lock()
	defer srvMu.Unlock()

	a.cancelReconnect(serverID)

	rec, err := a.store.GetServer(ctx, nil, serverID)
	if err != nil {
		return err
	}

	if ls := a.detach(serverID); ls != nil {
		a.drainAndClose(ls)
	}

	if err := a.store.UpdateServerStatus(ctx, serverID,
		capability.ServerDisconnected, time.Now().UTC(), 0); err != nil {
		return err
	}
	logger.Infow("Disconnected from server", "server", rec.Name)
	return nil
}

// Remove disconnects a server and deletes it along with every tool
// discovered from it. Vectors are removed before the registry rows so a
// failure cannot leave index entries pointing at deleted capabilities.
func (a *Aggregator) Remove(ctx context.Context, serverID string) error {
	srvMu := a.lockServer(serverID)
	srvMu.Lock()
	defer srvMu.Unlock()

	a.cancelReconnect(serverID)

	rec, err := a.store.GetServer(ctx, nil, serverID)
	if err != nil {
		return err
	}

	if ls := a.detach(serverID); ls != nil {
		a.drainAndClose(ls)
	}

	toolIDs, err := a.store.ListToolIDsByServer(ctx, serverID)
	if err != nil {
		return err
	}
	if len(toolIDs) > 0 {
		if err := a.index.Delete(ctx, vectorindex.CollectionTools, toolIDs); err != nil {
			return fmt.Errorf("removing tool vectors for server %q: %w", rec.Name, err)
		}
	}

	if err := a.store.DeleteServer(ctx, serverID); err != nil {
		return err
	}

	if a.schemas != nil {
		if err := a.schemas.InvalidateServer(ctx, serverID); err != nil {
			logger.Warnf("Invalidating schema cache for server %s: %v", rec.Name, err)
		}
	}

	a.mu.Lock()
	delete(a.opLocks, serverID)
	a.mu.Unlock()

	logger.Infow("Removed server", "server", rec.Name, "tools", len(toolIDs))
	if a.syncer != nil {
		a.syncer.Trigger()
	}
	return nil
}

// Rename changes a server's name and atomically rewrites the aggregated
// names of its tools. The rewritten tools are queued for re-embedding;
// until the sync pass lands, index hits keep resolving through the
// registry, which already serves the new names.
func (a *Aggregator) Rename(ctx context.Context, serverID, newName string) error {
	srvMu := a.lockServer(serverID)
	srvMu.Lock()
	defer srvMu.Unlock()

	toolIDs, err := a.store.RenameServer(ctx, serverID, newName)
	if err != nil {
		return err
	}

	for _, id := range toolIDs {
		if err := a.store.SetSyncState(ctx, id, capability.SyncStateNew); err != nil {
			logger.Errorf("Queueing tool %s for re-embedding after rename: %v", id, err)
		}
	}

	a.mu.Lock()
	if ls, ok := a.live[serverID]; ok {
		ls.serverName = newName
	}
	a.mu.Unlock()

	logger.Infow("Renamed server", "server", newName, "tools", len(toolIDs))
	if len(toolIDs) > 0 && a.syncer != nil {
		a.syncer.Trigger()
	}
	return nil
}

// Resume re-establishes sessions after a restart for every server whose
// last persisted status was not an operator-chosen disconnect. Attempts
// run in parallel and failures are left to the reconnect policy.
func (a *Aggregator) Resume(ctx context.Context) error {
	servers, err := a.store.ListServers(ctx, nil)
	if err != nil {
		return fmt.Errorf("listing servers for resume: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resumeConcurrency)
	for _, rec := range servers {
		if rec.Status == capability.ServerDisconnected {
			continue
		}
		g.Go(func() error {
			if err := a.Connect(gctx, rec.ID); err != nil {
				logger.Warnf("Resuming server %s failed, reconnect scheduled: %v", rec.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// detach removes a server's session from the routing table and stops its
// probe. Returns nil when the server has no live session. The caller
// drains and closes the returned session outside the aggregator lock.
func (a *Aggregator) detach(serverID string) *liveSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	ls, ok := a.live[serverID]
	if !ok {
		return nil
	}
	ls.stopProbe()
	delete(a.live, serverID)
	return ls
}

// cancelReconnect stops a pending reconnect loop, if any.
func (a *Aggregator) cancelReconnect(serverID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.retries[serverID]; ok {
		h.cancel()
		delete(a.retries, serverID)
	}
}
