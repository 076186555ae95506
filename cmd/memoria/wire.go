// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/memoria-dev/memoria/internal/config"
	"github.com/memoria-dev/memoria/internal/engine"
	"github.com/memoria-dev/memoria/internal/provider"
	providerant "github.com/memoria-dev/memoria/internal/provider/anthropic"
	provideroai "github.com/memoria-dev/memoria/internal/provider/openai"
	"github.com/memoria-dev/memoria/internal/security"
	"github.com/memoria-dev/memoria/internal/store"
	_ "github.com/memoria-dev/memoria/internal/store/sqlite"
	"github.com/memoria-dev/memoria/internal/task"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// app bundles the wired engine and the resources it owns.
type app struct {
	cfg    *config.Config
	store  store.Store
	engine *engine.Engine
	orch   *task.Orchestrator
	logger *slog.Logger
}

// wire constructs the full engine from the loaded configuration.
func wire() (*app, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger := slog.Default()

	dataDir := cfg.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, memerr.Wrapf(err, memerr.CodeCLISetupFailure, "resolving home directory")
		}
		dataDir = filepath.Join(home, ".local", "share", "memoria")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, memerr.Wrapf(err, memerr.CodeCLISetupFailure, "creating data directory")
	}

	st, err := store.New(&store.StorageConfig{
		Backend:          cfg.Storage.Backend,
		VectorDimensions: cfg.Storage.VectorDimensions,
	}, dataDir)
	if err != nil {
		return nil, err
	}

	completion, embedder, err := buildProviders(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	validator, err := security.NewRegexValidator(security.DefaultRules(), logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	orch := task.New(task.Config{
		Workers:       cfg.Tasks.Workers,
		QueueCapacity: cfg.Tasks.QueueCapacity,
		DedupWindow:   time.Duration(cfg.Tasks.DedupSeconds) * time.Second,
	}, logger)

	engCfg := engine.DefaultConfig()
	engCfg.Retrieve = engine.RetrieveConfig{
		KVec:        cfg.Retrieval.KVec,
		KLex:        cfg.Retrieval.KLex,
		KRecent:     cfg.Retrieval.KRecent,
		KOut:        cfg.Retrieval.KOut,
		WVec:        cfg.Retrieval.WVec,
		WLex:        cfg.Retrieval.WLex,
		PinnedFloor: cfg.Retrieval.PinnedFloor,
	}
	engCfg.Writer.MinConfidence = cfg.Writer.MinConfidence
	engCfg.Writer.EmbedBatchSize = cfg.Writer.EmbedBatchSize
	engCfg.Writer.EmbedAttempts = cfg.Writer.EmbedAttempts
	engCfg.Summarizer.TurnInterval = cfg.Summary.TurnInterval
	engCfg.Summarizer.CharThreshold = cfg.Summary.CharThreshold
	engCfg.Summarizer.MaxChars = cfg.Summary.MaxChars
	engCfg.Insights.MinConfidence = cfg.Insights.MinConfidence
	engCfg.Insights.MaxMemories = cfg.Insights.MaxMemories
	engCfg.InsightMemoryInterval = cfg.Insights.MemoryInterval
	engCfg.InsightInterval = time.Duration(cfg.Insights.IntervalMinutes) * time.Minute

	eng := engine.New(st, completion, embedder, validator, orch, engCfg, logger)

	return &app{cfg: cfg, store: st, engine: eng, orch: orch, logger: logger}, nil
}

// buildProviders binds the Completion and Embedder capabilities. OpenAI
// always backs the embedder; the completion vendor is configurable.
func buildProviders(cfg *config.Config) (provider.Completion, provider.Embedder, error) {
	oai, err := provideroai.New(provideroai.Config{
		APIKey:          cfg.Providers.OpenAI.APIKey,
		BaseURL:         cfg.Providers.OpenAI.Endpoint,
		CompletionModel: cfg.Providers.OpenAI.CompletionModel,
		EmbeddingModel:  cfg.Providers.OpenAI.EmbeddingModel,
		Dimensions:      cfg.Storage.VectorDimensions,
	})
	if err != nil {
		return nil, nil, err
	}

	if cfg.Providers.Completion == "anthropic" {
		ant, err := providerant.New(providerant.Config{
			APIKey:  cfg.Providers.Anthropic.APIKey,
			BaseURL: cfg.Providers.Anthropic.Endpoint,
			Model:   cfg.Providers.Anthropic.CompletionModel,
		})
		if err != nil {
			return nil, nil, err
		}
		return ant, oai, nil
	}

	return oai, oai, nil
}

// close releases app resources in reverse construction order.
func (a *app) close() {
	a.engine.Close()
	a.orch.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store failed", "error", err)
	}
}
