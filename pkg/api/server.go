// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/capgate-io/capgate/pkg/api/v1"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/telemetry"
	"github.com/capgate-io/capgate/pkg/tenancy"
	"github.com/capgate-io/capgate/pkg/vectorindex"
)

// Tuned for a control surface: tool calls and searches finish well inside
// the request timeout, and the MCP endpoint is mounted outside it.
const (
	middlewareTimeout   = 60 * time.Second
	readHeaderTimeout   = 10 * time.Second
	shutdownGrace       = 30 * time.Second
	maxRequestBodyBytes = 1 << 20 // 1MB
	socketPermissions   = 0660    // Socket file permissions (owner/group read-write)
)

// UnixSocketPrefix marks a listen address as a UNIX socket path.
const UnixSocketPrefix = "unix://"

// Deps are the subsystems the HTTP surface routes into. The composition
// root fills Servers and Caller with the same aggregator. MCP is optional;
// when set it is mounted at /mcp outside the request timeout so SSE
// streams are not cut after a minute.
type Deps struct {
	Store   registry.Store
	Index   vectorindex.Index
	Search  v1.Searcher
	Servers v1.ServerManager
	Caller  v1.Caller
	Sync    v1.SyncControl
	Ready   v1.Readiness
	MCP     http.Handler
}

// Router assembles the full HTTP surface: application routes under
// /api/v1, health, Prometheus metrics, the API reference, and optionally
// the MCP endpoint.
func Router(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		headersMiddleware,
		tenancy.Middleware,
	)

	r.Group(func(r chi.Router) {
		r.Use(
			middleware.Timeout(middlewareTimeout),
			requestBodySizeLimitMiddleware(maxRequestBodyBytes),
		)

		routers := map[string]http.Handler{
			"/api/v1/search":             v1.SearchRouter(deps.Search),
			"/api/v1/tools":              v1.ToolsRouter(deps.Store, deps.Index, deps.Caller, deps.Sync),
			"/api/v1/prompts":            v1.PromptsRouter(deps.Store, deps.Index, deps.Sync),
			"/api/v1/resources":          v1.ResourcesRouter(deps.Store, deps.Index, deps.Sync),
			"/api/v1/skills":             v1.SkillsRouter(deps.Store, deps.Sync),
			"/api/v1/aggregator/servers": v1.ServersRouter(deps.Store, deps.Servers),
			"/api/v1/capabilities":       v1.CapabilitiesRouter(deps.Store),
			"/api/v1/sync":               v1.SyncRouter(deps.Sync),
			"/api/":                      DocsRouter(),
			"/health":                    v1.HealthRouter(deps.Ready),
		}
		for prefix, router := range routers {
			r.Mount(prefix, router)
		}
		r.Handle("/metrics", telemetry.Handler())
	})

	if deps.MCP != nil {
		r.Mount("/mcp", deps.MCP)
	}
	return r
}

// Serve runs the HTTP surface on address until ctx is cancelled, then
// drains in-flight requests for up to the shutdown grace period.
// Addresses with the unix:// prefix are served on a UNIX socket.
func Serve(ctx context.Context, address string, handler http.Handler) error {
	socketPath, isUnixSocket := strings.CutPrefix(address, UnixSocketPrefix)

	var (
		listener net.Listener
		addrType string
		err      error
	)
	if isUnixSocket {
		listener, err = setupUnixSocket(socketPath)
		addrType = "UNIX socket"
	} else {
		listener, err = setupTCPListener(address)
		addrType = "HTTP"
	}
	if err != nil {
		return err
	}

	// Request contexts must survive the shutdown signal so in-flight
	// requests can finish inside the drain window.
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Infof("Starting %s server on %s", addrType, address)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(listener) }()

	select {
	case err := <-serveErr:
		if isUnixSocket {
			cleanupUnixSocket(socketPath)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server stopped unexpectedly: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if isUnixSocket {
		cleanupUnixSocket(socketPath)
	}
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Infof("%s server stopped", addrType)
	return nil
}

func setupTCPListener(address string) (net.Listener, error) {
	return net.Listen("tcp", address)
}

func setupUnixSocket(address string) (net.Listener, error) {
	// Remove the socket file if it already exists
	if _, err := os.Stat(address); err == nil {
		if err := os.Remove(address); err != nil {
			return nil, fmt.Errorf("failed to remove existing socket: %v", err)
		}
	}

	// Create the directory for the socket file if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(address), 0750); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %v", err)
	}

	listener, err := net.Listen("unix", address)
	if err != nil {
		return nil, fmt.Errorf("failed to create UNIX socket listener: %v", err)
	}

	// Set file permissions on the socket to allow other local processes to connect
	if err := os.Chmod(address, socketPermissions); err != nil {
		return nil, fmt.Errorf("failed to set socket permissions: %v", err)
	}

	return listener, nil
}

func cleanupUnixSocket(address string) {
	if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
		logger.Warnf("failed to remove socket file: %v", err)
	}
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// requestBodySizeLimitMiddleware rejects requests whose body exceeds
// maxBytes. The declared Content-Length is checked first; bodies that
// understate their length are caught by reading through MaxBytesReader
// before the handler runs, so handlers always see a complete, bounded
// body.
func requestBodySizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge),
					http.StatusRequestEntityTooLarge)
				return
			}

			if r.Body != nil && r.Body != http.NoBody {
				body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
				if err != nil {
					var maxErr *http.MaxBytesError
					if errors.As(err, &maxErr) {
						http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge),
							http.StatusRequestEntityTooLarge)
						return
					}
					http.Error(w, "failed to read request body", http.StatusBadRequest)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			next.ServeHTTP(w, r)
		})
	}
}
