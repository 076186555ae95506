// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package anthropic

import (
	"context"
	"errors"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/memoria-dev/memoria/internal/provider"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// Config holds Anthropic binding configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server
	Model   string
}

// Client implements provider.Completion using the Anthropic Messages API.
// Anthropic exposes no embeddings endpoint; pair with the openai Embedder.
type Client struct {
	client anthropicsdk.Client
	config Config
}

// Compile-time interface check.
var _ provider.Completion = (*Client)(nil)

// New creates an Anthropic client. Returns an error if the API key is missing.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, memerr.New(memerr.CodeCompletionConfigFatal, "anthropic: missing api_key in config")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{client: anthropicsdk.NewClient(opts...), config: cfg}, nil
}

// Complete runs a single non-streaming message call.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string, opts provider.CompleteOptions) (string, error) {
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.config.Model),
		MaxTokens: maxTokens,
		System: []anthropicsdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(userPrompt)),
		},
		Temperature: anthropicsdk.Float(float64(opts.Temperature)),
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}

	var out string
	for _, block := range resp.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	if out == "" {
		return "", memerr.New(memerr.CodeCompletionResponseInvalid, "anthropic completion returned no text content")
	}
	return out, nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return memerr.Wrapf(err, memerr.CodeCompletionUpstreamTransient, "anthropic completion: deadline")
	}

	var apierr *anthropicsdk.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 408 || apierr.StatusCode == 429 || apierr.StatusCode >= 500 {
			return memerr.Wrapf(err, memerr.CodeCompletionUpstreamTransient, "anthropic completion: upstream %d", apierr.StatusCode)
		}
		return memerr.Wrapf(err, memerr.CodeCompletionConfigFatal, "anthropic completion: upstream %d", apierr.StatusCode)
	}

	return memerr.Wrapf(err, memerr.CodeCompletionUpstreamTransient, "anthropic completion")
}
