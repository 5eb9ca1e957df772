// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package embedding provides the model-service client: dense vector
// embeddings for the index and chat completions for the classifier. All
// calls are concurrency-safe, rate-limited and retried with exponential
// backoff on transport errors and 5xx responses.
package embedding

import "context"

//go:generate mockgen -destination=mocks/mock_embedding.go -package=mocks -source=embedding.go

// Message is one turn of a completion conversation.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// Completion roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest describes one chat-completion call.
type CompletionRequest struct {
	Messages []Message

	// Temperature controls sampling. The classifier uses a low value.
	Temperature float32

	// MaxTokens caps the response length. Zero leaves the backend default.
	MaxTokens int

	// ForceJSON constrains the response grammar to a single JSON object.
	ForceJSON bool
}

// Client generates vector embeddings and chat completions.
// Implementations may use remote OpenAI-compatible APIs or deterministic
// placeholders.
type Client interface {
	// Embed returns the embedding for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embeddings for multiple texts, preserving input
	// order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Complete renders a chat completion and returns the assistant text.
	Complete(ctx context.Context, req CompletionRequest) (string, error)

	// Dimension returns the fixed embedding dimension.
	Dimension() int

	// InvalidateCache drops cached embeddings. The sync pipeline calls
	// this at the end of every pass.
	InvalidateCache()

	// Close releases any resources held by the client.
	Close() error
}
