// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoria-dev/memoria/internal/config"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:18590", cfg.Listen)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 1536, cfg.Storage.VectorDimensions)
	assert.Equal(t, "openai", cfg.Providers.Completion)
	assert.Equal(t, 40, cfg.Retrieval.KVec)
	assert.Equal(t, 20, cfg.Retrieval.KOut)
	assert.InDelta(t, 0.6, cfg.Retrieval.WVec, 1e-9)
	assert.InDelta(t, 0.4, cfg.Retrieval.WLex, 1e-9)
	assert.InDelta(t, 0.5, cfg.Retrieval.PinnedFloor, 1e-9)
	assert.InDelta(t, 0.6, cfg.Writer.MinConfidence, 1e-9)
	assert.Equal(t, 8, cfg.Summary.TurnInterval)
	assert.Equal(t, 2000, cfg.Summary.MaxChars)
	assert.Equal(t, 25, cfg.Insights.MemoryInterval)
	assert.Equal(t, 360, cfg.Insights.IntervalMinutes)
	assert.Equal(t, 30, cfg.Tasks.DedupSeconds)
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memoria.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: "0.0.0.0:9000"
retrieval:
  k_out: 5
summary:
  max_chars: 500
providers:
  completion: anthropic
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, 5, cfg.Retrieval.KOut)
	assert.Equal(t, 500, cfg.Summary.MaxChars)
	assert.Equal(t, "anthropic", cfg.Providers.Completion)
	// Untouched keys keep defaults.
	assert.Equal(t, 40, cfg.Retrieval.KVec)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load("/nonexistent/memoria.yaml")
	require.Error(t, err)
	assert.Equal(t, memerr.CodeConfigLoadFailure, memerr.CodeOf(err))
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &config.Config{
		Listen:  "not-a-hostport",
		Storage: config.StorageConfig{Backend: "postgres"},
		Retrieval: config.RetrievalConfig{
			WVec:        -1,
			PinnedFloor: 2,
		},
		Writer: config.WriterConfig{MinConfidence: 3},
	}

	errs := cfg.Validate()
	assert.GreaterOrEqual(t, len(errs), 4, "validation reports every problem, not just the first")
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Validate())
}
