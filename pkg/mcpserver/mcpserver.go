// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcpserver exposes the aggregated catalog over the MCP protocol,
// served as JSON-RPC 2.0 over SSE at /mcp.
//
// Upstream MCP clients see every active tool under its aggregated-surface
// name (namespaced for external tools) plus two built-in meta-tools:
// search_capabilities runs the hierarchical search and returns ranked
// matches with token-savings metrics, and call_capability invokes any
// tool dynamically by name. Clients that drive discovery through the
// meta-tools avoid loading the full catalog into their context.
//
// Backend-originated notifications are relayed to connected clients as
// notifications/message frames tagged with the originating server.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/registry"
	"github.com/capgate-io/capgate/pkg/search"
	"github.com/capgate-io/capgate/pkg/tenancy"
	"github.com/capgate-io/capgate/pkg/versions"
)

const (
	toolSearchCapabilities = "search_capabilities"
	toolCallCapability     = "call_capability"

	// DefaultBasePath is where the composition root mounts the SSE
	// endpoint.
	DefaultBasePath = "/mcp"

	// refreshTimeout bounds one catalog refresh triggered by Invalidate.
	refreshTimeout = 30 * time.Second
)

// Searcher runs capability searches. Implemented by *search.Service.
type Searcher interface {
	Search(ctx context.Context, scope tenancy.Scope, req search.Request) (*search.Response, error)
}

// Caller routes a tool call to the owning backend. Implemented by
// *aggregator.Aggregator.
type Caller interface {
	Call(ctx context.Context, scope *tenancy.Scope, name string, args map[string]any) (*capability.CallResult, string, error)
}

// Config names the server on the MCP protocol surface.
type Config struct {
	// Name is the server name sent in the initialize result.
	Name string

	// Version is the advertised server version. Empty means the build
	// version.
	Version string

	// BasePath is the mount path of the SSE endpoint. Empty means /mcp.
	BasePath string
}

// Server is the MCP protocol surface over the aggregated catalog.
type Server struct {
	store    registry.Store
	searcher Searcher
	caller   Caller
	mcp      *server.MCPServer
	basePath string

	// advertised tracks the catalog tools currently registered with the
	// SDK, keyed by aggregated-surface name. The meta-tools are not in it.
	mu         sync.Mutex
	advertised map[string]struct{}
}

// New builds the MCP surface and registers the meta-tools. Catalog tools
// are registered by RefreshTools; call it once after the index is warm
// and again whenever the catalog changes (Invalidate does this
// asynchronously).
func New(store registry.Store, searcher Searcher, caller Caller, cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "capgate"
	}
	if cfg.Version == "" {
		cfg.Version = versions.GetVersionInfo().Version
	}
	if cfg.BasePath == "" {
		cfg.BasePath = DefaultBasePath
	}

	s := &Server{
		store:      store,
		searcher:   searcher,
		caller:     caller,
		basePath:   cfg.BasePath,
		advertised: make(map[string]struct{}),
	}
	s.mcp = server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
		server.WithRecovery(),
	)
	s.registerMetaTools()
	return s
}

// Handler returns the SSE transport handler. It expects to be mounted at
// the configured base path; the SSE stream lives at {base}/sse and
// outgoing messages are POSTed to {base}/message.
func (s *Server) Handler() http.Handler {
	return server.NewSSEServer(s.mcp, server.WithStaticBasePath(s.basePath))
}

// Invalidate schedules an asynchronous catalog refresh. It satisfies the
// sync pipeline's invalidator contract, so the advertised tool list
// follows the index at the end of every pass that changed it.
func (s *Server) Invalidate() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := s.RefreshTools(ctx); err != nil {
			logger.Warnf("MCP catalog refresh failed: %v", err)
		}
	}()
}

// RefreshTools reconciles the advertised tool list against the registry's
// active global tools. Org-scoped tools are reachable through the
// meta-tools, which resolve tenancy per request; the static advertisement
// carries only what every caller may see.
func (s *Server) RefreshTools(ctx context.Context) error {
	scope := tenancy.Scope{}
	tools, err := s.store.ListTools(ctx, &scope, registry.ToolFilter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("listing tools for MCP advertisement: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]struct{}, len(tools))
	var added int
	for _, t := range tools {
		current[t.Name] = struct{}{}
		if _, ok := s.advertised[t.Name]; ok {
			continue
		}
		s.mcp.AddTool(s.advertisedTool(t), s.forwardHandler(t.Name))
		added++
	}

	var removed []string
	for name := range s.advertised {
		if _, ok := current[name]; !ok {
			removed = append(removed, name)
		}
	}
	if len(removed) > 0 {
		s.mcp.DeleteTools(removed...)
	}
	s.advertised = current

	if added > 0 || len(removed) > 0 {
		logger.Infow("MCP catalog refreshed",
			"advertised", len(current), "added", added, "removed", len(removed))
	}
	return nil
}

// Notify relays one backend notification to every connected client as a
// notifications/message frame tagged with the originating server. Wired
// to the aggregator's notification fan-out by the composition root.
func (s *Server) Notify(n capability.Notification) {
	s.mcp.SendNotificationToAllClients("notifications/message", map[string]any{
		"level":  "info",
		"logger": n.ServerID,
		"data": map[string]any{
			"stage":  "backend",
			"method": n.Method,
			"params": n.Params,
		},
	})
}

// advertisedTool converts a registry tool into its SDK representation.
// The stored input schema is passed through raw; tools without one get a
// bare object schema so clients can still call them.
func (s *Server) advertisedTool(t *capability.Tool) mcp.Tool {
	tool := mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
	}
	if len(t.InputSchema) > 0 {
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			tool.RawInputSchema = raw
			return tool
		}
	}
	tool.InputSchema = mcp.ToolInputSchema{Type: "object"}
	return tool
}

// forwardHandler builds the handler that routes an advertised tool's
// invocation through the aggregator. Routing is driven by the
// server-registered name, not client-supplied input.
func (s *Server) forwardHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := requestArguments(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return s.invoke(ctx, name, args)
	}
}

// invoke forwards one call and converts the backend result. Call failures
// are surfaced as tool-level errors so the protocol stream stays healthy.
func (s *Server) invoke(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	scope := tenancy.FromContext(ctx)
	result, routedTo, err := s.caller.Call(ctx, &scope, name, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toCallToolResult(result, routedTo), nil
}

// requestArguments extracts the arguments object from an SDK request.
func requestArguments(req mcp.CallToolRequest) (map[string]any, error) {
	switch args := req.Params.Arguments.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return args, nil
	default:
		return nil, fmt.Errorf("arguments must be an object, got %T", req.Params.Arguments)
	}
}

// toCallToolResult converts a backend call result to the SDK type,
// recording the routing decision in the response metadata.
func toCallToolResult(r *capability.CallResult, routedTo string) *mcp.CallToolResult {
	out := &mcp.CallToolResult{
		Content: make([]mcp.Content, 0, len(r.Content)),
		IsError: r.IsError,
	}
	if r.StructuredContent != nil {
		out.StructuredContent = r.StructuredContent
	}

	meta := make(map[string]any, len(r.Meta)+1)
	for k, v := range r.Meta {
		meta[k] = v
	}
	meta["routed_to"] = routedTo
	out.Result = mcp.Result{Meta: &mcp.Meta{AdditionalFields: meta}}

	for _, c := range r.Content {
		out.Content = append(out.Content, toMCPContent(c))
	}
	return out
}

// toMCPContent maps one wire-neutral content block to the SDK type.
// Unknown block types degrade to their JSON rendering as text rather than
// dropping backend output.
func toMCPContent(c capability.Content) mcp.Content {
	switch c.Type {
	case "text":
		return mcp.TextContent{Type: "text", Text: c.Text}
	case "image":
		return mcp.ImageContent{Type: "image", Data: c.Data, MIMEType: c.MimeType}
	case "audio":
		return mcp.AudioContent{Type: "audio", Data: c.Data, MIMEType: c.MimeType}
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			return mcp.TextContent{Type: "text", Text: c.Text}
		}
		return mcp.TextContent{Type: "text", Text: string(raw)}
	}
}
