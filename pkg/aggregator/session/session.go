// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package session provides one adapter per external-server transport
// (stdio, SSE, streamable HTTP) behind a uniform Session interface.
//
// A Session wraps a persistent mark3labs MCP client for one backend. It is
// created by New, connected by Start and discarded after Close; reconnecting
// means building a new Session. All operations enforce a per-call deadline
// and propagate caller cancellation.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/versions"
)

const (
	// maxBackendResponseSize caps each HTTP response body for streamable-HTTP
	// backends to prevent memory exhaustion. Not applied to SSE transports,
	// whose single long-lived response body accumulates across events.
	maxBackendResponseSize = 100 * 1024 * 1024 // 100 MB

	// DefaultCallTimeout is the wall-clock deadline applied to each session
	// operation when the server record does not override it.
	DefaultCallTimeout = 30 * time.Second
)

var (
	// ErrUnsupportedTransport is returned when a server record names a
	// transport no adapter implements.
	ErrUnsupportedTransport = errors.New("unsupported transport")

	// ErrSessionClosed is returned when an operation is attempted on a
	// closed session.
	ErrSessionClosed = errors.New("session is closed")
)

// Config carries the transport material from a server record needed to
// build a session.
type Config struct {
	// ServerID identifies the owning server record.
	ServerID string

	// ServerName is the server's display name, used in error messages.
	ServerName string

	// Transport selects the adapter.
	Transport capability.TransportType

	// Command, Args and Env configure the stdio adapter's child process.
	// Env entries are appended to the inherited environment.
	Command string
	Args    []string
	Env     map[string]string

	// URL and Headers configure the SSE and HTTP adapters.
	URL     string
	Headers map[string]string

	// CallTimeout bounds each operation. Zero means DefaultCallTimeout.
	CallTimeout time.Duration
}

// Session is the uniform interface over one connected external server.
type Session interface {
	// Start connects the transport and runs the MCP initialize handshake.
	// ctx bounds the handshake only; the transport's lifetime is bound to
	// Close.
	Start(ctx context.Context) error

	// ListTools enumerates the backend's tools. Returns an empty slice when
	// the backend does not advertise tool support.
	ListTools(ctx context.Context) ([]capability.ToolDescriptor, error)

	// ListPrompts enumerates the backend's prompts, when advertised.
	ListPrompts(ctx context.Context) ([]capability.PromptDescriptor, error)

	// ListResources enumerates the backend's resources, when advertised.
	ListResources(ctx context.Context) ([]capability.ResourceDescriptor, error)

	// CallTool forwards one tool call using the backend's own tool name.
	CallTool(ctx context.Context, name string, args map[string]any) (*capability.CallResult, error)

	// Ping issues a protocol-level liveness check, refreshing the
	// activity clock on success.
	Ping(ctx context.Context) error

	// OnNotification registers fn for backend-originated notifications.
	// Must be called before Start.
	OnNotification(fn func(capability.Notification))

	// LastActivity reports when the session last saw a successful message
	// in either direction. Health probing treats staleness as degradation.
	LastActivity() time.Time

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// New builds the adapter selected by cfg.Transport without connecting it.
func New(cfg Config) (Session, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	s := &mcpSession{cfg: cfg, client: c}
	s.touch()
	return s, nil
}

// newClient constructs the mark3labs client for cfg's transport.
func newClient(cfg Config) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case capability.TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio server %q: command is required", cfg.ServerName)
		}
		t := mcptransport.NewStdio(cfg.Command, flattenEnv(cfg.Env), cfg.Args...)
		return mcpclient.NewClient(t), nil

	case capability.TransportSSE:
		if err := validateURL(cfg.URL, cfg.ServerName); err != nil {
			return nil, err
		}
		// For SSE the whole session is one long-lived HTTP response body, so
		// neither http.Client.Timeout nor a body size limit may be applied;
		// either would kill the stream mid-session. Deadlines are enforced
		// per operation via context.
		httpClient := &http.Client{Transport: newHeaderRoundTripper(http.DefaultTransport, cfg.Headers)}
		return mcpclient.NewSSEMCPClient(
			cfg.URL,
			mcptransport.WithHTTPClient(httpClient),
		)

	case capability.TransportHTTP:
		if err := validateURL(cfg.URL, cfg.ServerName); err != nil {
			return nil, err
		}
		// Each streamable-HTTP call is a bounded request/response pair, so a
		// per-response size limit and a hard client timeout are both safe.
		timeout := cfg.CallTimeout
		if timeout <= 0 {
			timeout = DefaultCallTimeout
		}
		base := newHeaderRoundTripper(http.DefaultTransport, cfg.Headers)
		sizeLimited := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			resp, err := base.RoundTrip(req)
			if err != nil {
				return nil, err
			}
			resp.Body = struct {
				io.Reader
				io.Closer
			}{
				Reader: io.LimitReader(resp.Body, maxBackendResponseSize),
				Closer: resp.Body,
			}
			return resp, nil
		})
		httpClient := &http.Client{
			Transport: sizeLimited,
			Timeout:   timeout,
		}
		return mcpclient.NewStreamableHttpClient(
			cfg.URL,
			mcptransport.WithHTTPTimeout(timeout),
			mcptransport.WithHTTPBasicClient(httpClient),
		)

	default:
		return nil, fmt.Errorf("%w: %s (supported: stdio, sse, http)", ErrUnsupportedTransport, cfg.Transport)
	}
}

func validateURL(raw, serverName string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("server %q: invalid URL: %w", serverName, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server %q: URL scheme must be http or https, got %q", serverName, u.Scheme)
	}
	return nil
}

// flattenEnv renders an env map as sorted KEY=VALUE pairs for exec.
func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// roundTripperFunc adapts a plain function to http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// headerRoundTripper adds the server record's static headers (auth material,
// routing hints) to every outgoing request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func newHeaderRoundTripper(base http.RoundTripper, headers map[string]string) http.RoundTripper {
	if len(headers) == 0 {
		return base
	}
	return &headerRoundTripper{base: base, headers: headers}
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	reqClone := req.Clone(req.Context())
	for k, v := range h.headers {
		reqClone.Header.Set(k, v)
	}
	return h.base.RoundTrip(reqClone)
}

// mcpSession implements Session over a mark3labs MCP client. One instance
// serves all three transports; only client construction differs.
type mcpSession struct {
	cfg    Config
	client *mcpclient.Client

	// lastActivity is a unix-nano timestamp of the last successful message.
	lastActivity atomic.Int64

	mu      sync.Mutex
	started bool
	closed  bool
	notify  []func(capability.Notification)

	// caps holds the capabilities the backend advertised during the
	// initialize handshake. List queries are gated on advertisement.
	caps mcp.ServerCapabilities
}

func (s *mcpSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity implements Session.
func (s *mcpSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// OnNotification implements Session.
func (s *mcpSession) OnNotification(fn func(capability.Notification)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = append(s.notify, fn)
}

// Start implements Session. The transport is started with
// context.Background() so its lifetime is scoped to Close rather than to
// the handshake context; without this an SSE transport would tear down its
// read goroutine when the connect context is cancelled after init.
func (s *mcpSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session for server %q already started", s.cfg.ServerName)
	}
	s.started = true
	s.mu.Unlock()

	s.client.OnNotification(func(n mcp.JSONRPCNotification) {
		s.touch()
		s.dispatch(n)
	})

	if err := s.client.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start %s transport for server %q: %w", s.cfg.Transport, s.cfg.ServerName, err)
	}

	result, err := s.client.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "capgate",
				Version: versions.Version,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("initialize failed for server %q: %w", s.cfg.ServerName, err)
	}

	s.mu.Lock()
	s.caps = result.Capabilities
	s.mu.Unlock()

	logger.Debugf("Server %s capabilities: tools=%v, resources=%v, prompts=%v",
		s.cfg.ServerName, result.Capabilities.Tools != nil, result.Capabilities.Resources != nil, result.Capabilities.Prompts != nil)

	s.touch()
	return nil
}

// supports reports whether the backend advertised the given capability
// during initialize.
func (s *mcpSession) supports(kind capability.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case capability.KindTool:
		return s.caps.Tools != nil
	case capability.KindPrompt:
		return s.caps.Prompts != nil
	case capability.KindResource:
		return s.caps.Resources != nil
	default:
		return false
	}
}

func (s *mcpSession) dispatch(n mcp.JSONRPCNotification) {
	s.mu.Lock()
	handlers := make([]func(capability.Notification), len(s.notify))
	copy(handlers, s.notify)
	s.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	converted := capability.Notification{
		Method:   n.Method,
		Params:   notificationParams(n),
		ServerID: s.cfg.ServerID,
	}
	for _, fn := range handlers {
		fn(converted)
	}
}

// ListTools implements Session.
func (s *mcpSession) ListTools(ctx context.Context) ([]capability.ToolDescriptor, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !s.supports(capability.KindTool) {
		logger.Debugf("Server %s does not advertise tools capability, skipping tools query", s.cfg.ServerName)
		return []capability.ToolDescriptor{}, nil
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools failed on server %q: %w", s.cfg.ServerName, err)
	}
	s.touch()

	descriptors := make([]capability.ToolDescriptor, len(result.Tools))
	for i, t := range result.Tools {
		descriptors[i] = capability.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertInputSchema(t.InputSchema),
		}
	}
	return descriptors, nil
}

// ListPrompts implements Session.
func (s *mcpSession) ListPrompts(ctx context.Context) ([]capability.PromptDescriptor, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !s.supports(capability.KindPrompt) {
		return []capability.PromptDescriptor{}, nil
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	result, err := s.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list prompts failed on server %q: %w", s.cfg.ServerName, err)
	}
	s.touch()

	descriptors := make([]capability.PromptDescriptor, len(result.Prompts))
	for i, p := range result.Prompts {
		args := make([]capability.PromptArgument, len(p.Arguments))
		for j, a := range p.Arguments {
			args[j] = capability.PromptArgument{
				Name:        a.Name,
				Description: a.Description,
				Required:    a.Required,
			}
		}
		descriptors[i] = capability.PromptDescriptor{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   args,
		}
	}
	return descriptors, nil
}

// ListResources implements Session.
func (s *mcpSession) ListResources(ctx context.Context) ([]capability.ResourceDescriptor, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !s.supports(capability.KindResource) {
		return []capability.ResourceDescriptor{}, nil
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	result, err := s.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("list resources failed on server %q: %w", s.cfg.ServerName, err)
	}
	s.touch()

	descriptors := make([]capability.ResourceDescriptor, len(result.Resources))
	for i, r := range result.Resources {
		descriptors[i] = capability.ResourceDescriptor{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MIMEType,
		}
	}
	return descriptors, nil
}

// CallTool implements Session.
func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]any) (*capability.CallResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	result, err := s.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tool %q call failed on server %q: %w", name, s.cfg.ServerName, err)
	}
	s.touch()

	contents := make([]capability.Content, len(result.Content))
	for i, c := range result.Content {
		contents[i] = convertContent(c)
	}

	var structured map[string]any
	if result.StructuredContent != nil {
		if m, ok := result.StructuredContent.(map[string]any); ok {
			structured = m
		}
	}

	return &capability.CallResult{
		Content:           contents,
		StructuredContent: structured,
		IsError:           result.IsError,
		Meta:              fromMCPMeta(result.Meta),
	}, nil
}

// Ping implements Session. The health prober uses it as the active check
// for servers without a configured health URL.
func (s *mcpSession) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	if err := s.client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed on server %q: %w", s.cfg.ServerName, err)
	}
	s.touch()
	return nil
}

// Close implements Session.
func (s *mcpSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.client.Close()
}

func (s *mcpSession) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !s.started {
		return fmt.Errorf("session for server %q not started", s.cfg.ServerName)
	}
	return nil
}

// callContext applies the per-call deadline. An earlier caller deadline
// still wins; cancellation always propagates.
func (s *mcpSession) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
