// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/telemetry"
)

// probeLoop health-checks one live session until its context is cancelled
// by detach or shutdown. The first probe fires immediately so a freshly
// connected server gets a health verdict before the first full interval.
func (a *Aggregator) probeLoop(ctx context.Context, serverID string, ls *liveSession) {
	defer a.wg.Done()
	defer ls.stopProbe()

	a.probeOnce(ctx, serverID, ls)

	ticker := time.NewTicker(a.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.probeOnce(ctx, serverID, ls)
		}
	}
}

// probeOnce runs one health check and records the verdict. Reaching the
// failure threshold escalates the server out of the routing table.
func (a *Aggregator) probeOnce(ctx context.Context, serverID string, ls *liveSession) {
	a.mu.RLock()
	current, routed := a.live[serverID]
	name := ls.serverName
	a.mu.RUnlock()
	if !routed || current != ls {
		return
	}

	status, cause := a.checkHealth(ctx, ls)
	if ctx.Err() != nil {
		// Detached or shutting down mid-check; the verdict no longer
		// belongs to this prober.
		return
	}

	if cause != nil {
		ls.failures++
		telemetry.Probes.WithLabelValues(name, "failed").Inc()
		logger.Debugf("Probe failed for server %s (%d/%d): %v",
			name, ls.failures, a.cfg.FailureThreshold, cause)
		if ls.failures >= a.cfg.FailureThreshold {
			a.escalate(ctx, serverID, ls, cause)
			return
		}
	} else {
		ls.failures = 0
		telemetry.Probes.WithLabelValues(name, "ok").Inc()
	}

	if status != ls.lastStatus {
		logger.Infow("Server health changed",
			"server", name, "from", ls.lastStatus, "to", status, "cause", cause)
		ls.lastStatus = status
	}
	if err := a.store.UpdateServerStatus(ctx, serverID, status,
		time.Now().UTC(), ls.failures); err != nil && ctx.Err() == nil {
		logger.Warnf("Recording probe result for server %s: %v", name, err)
	}
}

// checkHealth produces a health verdict for one session. Servers with a
// configured health URL are probed over HTTP; the rest are judged by
// traffic recency, with a protocol ping as the active check once the
// session has been quiet for a full probe interval.
func (a *Aggregator) checkHealth(ctx context.Context, ls *liveSession) (capability.ServerStatus, error) {
	if ls.healthURL != "" {
		return a.checkHealthURL(ctx, ls.healthURL)
	}

	if time.Since(ls.sess.LastActivity()) < a.cfg.ProbeInterval {
		return capability.ServerConnected, nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	defer cancel()
	if err := ls.sess.Ping(pingCtx); err != nil {
		return capability.ServerDegraded, err
	}
	return capability.ServerConnected, nil
}

// checkHealthURL issues one GET against the server's health endpoint. Any
// 2xx answer counts as healthy; transport errors and other statuses count
// as degraded.
func (a *Aggregator) checkHealthURL(ctx context.Context, url string) (capability.ServerStatus, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return capability.ServerDegraded, fmt.Errorf("building health request: %w", err)
	}
	resp, err := a.probeClient.Do(req)
	if err != nil {
		return capability.ServerDegraded, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return capability.ServerDegraded, fmt.Errorf("health check returned %s", resp.Status)
	}
	return capability.ServerConnected, nil
}

// escalate pulls a repeatedly failing server out of the routing table,
// records the error status and arms the reconnect loop. In-flight calls
// are not drained; they fail through the closing transport.
func (a *Aggregator) escalate(ctx context.Context, serverID string, ls *liveSession, cause error) {
	srvMu := a.lockServer(serverID)
	srvMu.Lock()
	defer srvMu.Unlock()

	a.mu.Lock()
	current, ok := a.live[serverID]
	if !ok || current != ls {
		// A lifecycle operation got there first.
		a.mu.Unlock()
		return
	}
	name := ls.serverName
	ls.stopProbe()
	delete(a.live, serverID)
	a.mu.Unlock()

	// Detaching cancelled this prober's own context; strip it so the
	// terminal status still lands.
	persistCtx := context.WithoutCancel(ctx)
	if err := a.store.UpdateServerStatus(persistCtx, serverID,
		capability.ServerError, time.Now().UTC(), ls.failures); err != nil && !errors.Is(err, registry.ErrNotFound) {
		logger.Errorf("Recording error status for server %s: %v", name, err)
	}
	if err := ls.sess.Close(); err != nil {
		logger.Warnf("Closing failed session for server %s: %v", name, err)
	}

	logger.Warnw("Server failed health checks, reconnect scheduled",
		"server", name, "failures", ls.failures, "error", cause)
	a.scheduleReconnect(serverID)
}

// retryHandle identifies one reconnect loop so its cleanup cannot remove a
// successor loop's registration.
type retryHandle struct {
	cancel context.CancelFunc
}

// scheduleReconnect arms the backoff-driven reconnect loop for a server.
// A loop already running keeps its backoff progression.
func (a *Aggregator) scheduleReconnect(serverID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if _, exists := a.retries[serverID]; exists {
		return
	}

	loopCtx, cancel := context.WithCancel(a.ctx)
	h := &retryHandle{cancel: cancel}
	a.retries[serverID] = h
	a.wg.Add(1)
	go a.reconnectLoop(loopCtx, serverID, h)
}

// reconnectLoop retries a failed server on an exponential schedule until
// the server connects, is deleted, or an operator intervenes.
func (a *Aggregator) reconnectLoop(ctx context.Context, serverID string, h *retryHandle) {
	defer a.wg.Done()
	defer a.clearReconnect(serverID, h)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = a.cfg.ReconnectInitialInterval
	expo.MaxInterval = a.cfg.ReconnectMaxInterval

	timer := time.NewTimer(expo.NextBackOff())
	defer timer.Stop()
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		done, err := a.reconnectAttempt(ctx, serverID)
		if done {
			return
		}
		wait := expo.NextBackOff()
		logger.Debugf("Reconnect attempt %d for server %s failed, next try in %s: %v",
			attempt, serverID, wait.Round(time.Millisecond), err)
		timer.Reset(wait)
	}
}

// reconnectAttempt runs one retry. It reports done when the loop should
// stop: the server reconnected, was deleted, or left the error state
// through an operator action.
func (a *Aggregator) reconnectAttempt(ctx context.Context, serverID string) (bool, error) {
	srvMu := a.lockServer(serverID)
	srvMu.Lock()
	defer srvMu.Unlock()

	if ctx.Err() != nil {
		return true, ctx.Err()
	}

	rec, err := a.store.GetServer(ctx, nil, serverID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return true, err
		}
		return false, err
	}
	if rec.Status != capability.ServerError {
		return true, nil
	}

	if err := a.connectRecord(ctx, rec, false); err != nil {
		return false, err
	}
	logger.Infow("Reconnected to server", "server", rec.Name)
	return true, nil
}

// clearReconnect removes a finished loop's registration, leaving any
// successor loop's entry in place.
func (a *Aggregator) clearReconnect(serverID string, h *retryHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.retries[serverID] == h {
		delete(a.retries, serverID)
	}
}
