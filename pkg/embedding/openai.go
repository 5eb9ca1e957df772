// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/capgate-io/capgate/pkg/apierror"
	"github.com/capgate-io/capgate/pkg/logger"
	"github.com/capgate-io/capgate/pkg/telemetry"
)

// APIClient captures the subset of the go-openai client the service uses.
// Tests substitute a scripted implementation.
type APIClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI-compatible embedding service.
//
// Works with OpenAI, vLLM, Ollama's /v1 endpoint, or any other service
// speaking the OpenAI embeddings and chat-completions APIs.
type Options struct {
	// BaseURL is the OpenAI-compatible endpoint, e.g.
	// "http://localhost:11434/v1". Ignored when API is set.
	BaseURL string

	// APIKey authenticates against the backend. May be empty for local
	// services.
	APIKey string

	// EmbeddingModel is the fixed model name used for every embed call.
	EmbeddingModel string

	// Dimension is the expected embedding dimension. Responses with a
	// different dimension fail the call.
	Dimension int

	// CompletionModel is the model used for chat completions.
	CompletionModel string

	// RequestsPerSecond caps outbound calls. Zero means unlimited.
	RequestsPerSecond float64

	// MaxConcurrent bounds in-flight backend calls. Excess callers fail
	// fast with Overloaded rather than queueing. Defaults to 5.
	MaxConcurrent int64

	// MaxRetries is the retry budget for transport errors and 5xx
	// responses. Defaults to 3.
	MaxRetries int

	// CacheSize is the embedding cache capacity in entries. Zero selects
	// the default (2048); negative disables caching.
	CacheSize int

	// API overrides the constructed go-openai client. Used by tests.
	API APIClient
}

const (
	defaultMaxConcurrent = 5
	defaultMaxRetries    = 3
	defaultCacheSize     = 2048

	retryInitialInterval = 200 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
)

// service implements Client on top of an OpenAI-compatible API.
type service struct {
	api             APIClient
	embeddingModel  string
	completionModel string
	dimension       int
	limiter         *rate.Limiter
	sem             *semaphore.Weighted
	maxTries        uint
	cache           *embeddingCache
}

// New builds an embedding client from the options.
func New(opts Options) (Client, error) {
	if opts.EmbeddingModel == "" {
		return nil, errors.New("embedding model is required")
	}
	if opts.CompletionModel == "" {
		return nil, errors.New("completion model is required")
	}
	if opts.Dimension <= 0 {
		return nil, errors.New("embedding dimension must be positive")
	}

	api := opts.API
	if api == nil {
		if opts.BaseURL == "" {
			return nil, errors.New("base URL is required")
		}
		cfg := openai.DefaultConfig(opts.APIKey)
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
		api = openai.NewClientWithConfig(cfg)
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		if opts.RequestsPerSecond > 1 {
			burst = int(opts.RequestsPerSecond)
		}
	}

	s := &service{
		api:             api,
		embeddingModel:  opts.EmbeddingModel,
		completionModel: opts.CompletionModel,
		dimension:       opts.Dimension,
		limiter:         rate.NewLimiter(limit, burst),
		sem:             semaphore.NewWeighted(maxConcurrent),
		maxTries:        uint(maxRetries) + 1,
	}

	if opts.CacheSize >= 0 {
		size := opts.CacheSize
		if size == 0 {
			size = defaultCacheSize
		}
		cache, err := newEmbeddingCache(size)
		if err != nil {
			return nil, fmt.Errorf("creating embedding cache: %w", err)
		}
		s.cache = cache
	}

	logger.Infof("Embedding client initialized (model: %s, dimension: %d, completion: %s)",
		opts.EmbeddingModel, opts.Dimension, opts.CompletionModel)
	return s, nil
}

// Embed returns the embedding for one text.
func (s *service) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns embeddings for multiple texts, preserving input order.
func (s *service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	result := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if s.cache != nil {
			if vec, ok := s.cache.Get(text); ok {
				result[i] = vec
				continue
			}
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return result, nil
	}

	release, err := s.acquire(ctx)
	if err != nil {
		telemetry.RecordEmbedding("embed", err)
		return nil, err
	}
	defer release()

	vectors, err := s.callEmbeddings(ctx, missing)
	telemetry.RecordEmbedding("embed", err)
	if err != nil {
		return nil, err
	}

	for i, vec := range vectors {
		result[missingIdx[i]] = vec
		if s.cache != nil {
			s.cache.Put(missing[i], vec)
		}
	}
	return result, nil
}

// Complete renders a chat completion and returns the assistant text.
func (s *service) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", apierror.Validation("completion requires at least one message")
	}

	release, err := s.acquire(ctx)
	if err != nil {
		telemetry.RecordEmbedding("complete", err)
		return "", err
	}
	defer release()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	request := openai.ChatCompletionRequest{
		Model:       s.completionModel,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ForceJSON {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	response, err := withRetry(ctx, s.maxTries, "completion", func() (openai.ChatCompletionResponse, error) {
		return s.api.CreateChatCompletion(ctx, request)
	})
	if err == nil && len(response.Choices) == 0 {
		err = apierror.EmbeddingRejected(
			errors.New("completion response has no choices"), http.StatusBadGateway)
	}
	telemetry.RecordEmbedding("complete", err)
	if err != nil {
		return "", err
	}
	return response.Choices[0].Message.Content, nil
}

// Dimension returns the fixed embedding dimension.
func (s *service) Dimension() int { return s.dimension }

// InvalidateCache drops cached embeddings.
func (s *service) InvalidateCache() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// Close releases resources. The underlying HTTP client needs no cleanup.
func (s *service) Close() error { return nil }

// acquire claims a concurrency slot and a rate token. The returned release
// must be called once the backend call finishes.
func (s *service) acquire(ctx context.Context) (func(), error) {
	if !s.sem.TryAcquire(1) {
		return nil, apierror.Overloaded("embedding concurrency cap reached")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		s.sem.Release(1)
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return func() { s.sem.Release(1) }, nil
}

// callEmbeddings performs one retried embeddings call and validates the
// response shape against the configured dimension.
func (s *service) callEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	request := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(s.embeddingModel),
	}

	response, err := withRetry(ctx, s.maxTries, "embeddings", func() (openai.EmbeddingResponse, error) {
		return s.api.CreateEmbeddings(ctx, request)
	})
	if err != nil {
		return nil, err
	}

	if len(response.Data) != len(texts) {
		return nil, apierror.EmbeddingRejected(
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Data)),
			http.StatusBadGateway)
	}

	// The API is free to reorder; Index is authoritative.
	vectors := make([][]float32, len(texts))
	for _, d := range response.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, apierror.EmbeddingRejected(
				fmt.Errorf("embedding index %d out of range", d.Index),
				http.StatusBadGateway)
		}
		if len(d.Embedding) != s.dimension {
			return nil, apierror.EmbeddingRejected(
				fmt.Errorf("embedding dimension %d, expected %d", len(d.Embedding), s.dimension),
				http.StatusBadGateway)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, vec := range vectors {
		if vec == nil {
			return nil, apierror.EmbeddingRejected(
				fmt.Errorf("no embedding returned for input %d", i),
				http.StatusBadGateway)
		}
	}
	return vectors, nil
}

// withRetry runs call with exponential backoff. Transport errors and 5xx
// responses are retried; 4xx responses fail immediately as EmbeddingRejected.
func withRetry[T any](ctx context.Context, maxTries uint, what string, call func() (T, error)) (T, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = retryInitialInterval
	expBackoff.MaxInterval = retryMaxInterval

	operation := func() (T, error) {
		value, err := call()
		if err != nil {
			return value, classifyBackendError(err)
		}
		return value, nil
	}

	value, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugf("Retrying %s call after %v: %v", what, d, err)
		}),
	)
	if err != nil {
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) {
			return value, err
		}
		return value, apierror.EmbeddingUnavailable(err)
	}
	return value, nil
}

// classifyBackendError decides whether a backend failure is retriable.
// 4xx responses are the caller's fault and become permanent rejections;
// everything else (transport errors, 5xx) stays retriable.
func classifyBackendError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	if status >= 400 && status < 500 {
		mapped := http.StatusBadGateway
		if status == http.StatusBadRequest {
			mapped = http.StatusBadRequest
		}
		return backoff.Permanent(apierror.EmbeddingRejected(err, mapped))
	}
	return err
}
