// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package openai

import (
	"context"
	"errors"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/memoria-dev/memoria/internal/provider"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// Config holds OpenAI binding configuration.
type Config struct {
	APIKey          string
	BaseURL         string // optional, useful for testing against a mock server
	CompletionModel string
	EmbeddingModel  string
	Dimensions      int
}

// Client implements both provider.Completion and provider.Embedder using
// the OpenAI Chat Completions and Embeddings APIs.
type Client struct {
	client openaisdk.Client
	config Config
}

// Compile-time interface checks.
var (
	_ provider.Completion = (*Client)(nil)
	_ provider.Embedder   = (*Client)(nil)
)

// New creates an OpenAI client. Returns an error if the API key is missing.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, memerr.New(memerr.CodeCompletionConfigFatal, "openai: missing api_key in config")
	}
	if cfg.CompletionModel == "" {
		cfg.CompletionModel = "gpt-4.1-mini"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{client: openaisdk.NewClient(opts...), config: cfg}, nil
}

// Complete runs a single non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string, opts provider.CompleteOptions) (string, error) {
	params := openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(c.config.CompletionModel),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage(systemPrompt),
			openaisdk.UserMessage(userPrompt),
		},
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(opts.MaxTokens))
	}
	params.Temperature = openaisdk.Float(float64(opts.Temperature))

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err, "openai completion")
	}
	if len(resp.Choices) == 0 {
		return "", memerr.New(memerr.CodeCompletionResponseInvalid, "openai completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed converts inputs into vectors, order preserved.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	params := openaisdk.EmbeddingNewParams{
		Model: openaisdk.EmbeddingModel(c.config.EmbeddingModel),
		Input: openaisdk.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: inputs,
		},
		Dimensions: openaisdk.Int(int64(c.config.Dimensions)),
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classify(err, "openai embeddings")
	}
	if len(resp.Data) != len(inputs) {
		return nil, memerr.Errorf(memerr.CodeEmbedderBatchPartial,
			"openai embeddings returned %d vectors for %d inputs", len(resp.Data), len(inputs))
	}

	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}
	return out, nil
}

func (c *Client) Dimensions() int { return c.config.Dimensions }

// classify maps SDK failures onto the transient/fatal taxonomy: request
// construction problems are fatal, rate limits and 5xx are transient.
func classify(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return memerr.Wrapf(err, memerr.CodeCompletionUpstreamTransient, "%s: deadline", op)
	}

	var apierr *openaisdk.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 408 || apierr.StatusCode == 429 || apierr.StatusCode >= 500 {
			return memerr.Wrapf(err, memerr.CodeCompletionUpstreamTransient, "%s: upstream %d", op, apierr.StatusCode)
		}
		return memerr.Wrapf(err, memerr.CodeCompletionConfigFatal, "%s: upstream %d", op, apierr.StatusCode)
	}

	// Connection-level failures without a status are retryable.
	return memerr.Wrapf(err, memerr.CodeCompletionUpstreamTransient, "%s", op)
}
