// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package provider

import "context"

// ResponseShape advises the caller-side parser about the expected output.
type ResponseShape string

const (
	ShapeText ResponseShape = "text"
	ShapeJSON ResponseShape = "json"
)

// CompleteOptions configures a single completion call.
type CompleteOptions struct {
	MaxTokens   int
	Temperature float32
	Shape       ResponseShape
}

// Completion is the structured-prompt-to-text capability consumed by the
// extractor, summarizer, insight miner, and responder. Implementations
// classify upstream failures as transient (retryable) via pkg/errors.
type Completion interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts CompleteOptions) (string, error)
}

// Embedder converts text into fixed-dimension vectors. Order-preserving:
// result[i] corresponds to input[i]. A batch may fail per-item: a failed
// item's slot is nil while the call itself returns no error. A non-nil
// error means the batch as a whole failed and carries no usable vectors.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	Dimensions() int
}
