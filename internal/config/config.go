// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package config

import (
	"errors"
	"net"
	"strings"

	"github.com/spf13/viper"

	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// Config is the top-level Memoria configuration.
type Config struct {
	Listen    string          `mapstructure:"listen"`
	DataDir   string          `mapstructure:"data_dir"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Writer    WriterConfig    `mapstructure:"writer"`
	Summary   SummaryConfig   `mapstructure:"summary"`
	Insights  InsightsConfig  `mapstructure:"insights"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Backend          string `mapstructure:"backend"`
	VectorDimensions int    `mapstructure:"vector_dimensions"`
}

// ProvidersConfig holds LLM capability bindings.
type ProvidersConfig struct {
	Completion string         `mapstructure:"completion"` // "openai" or "anthropic"
	OpenAI     ProviderConfig `mapstructure:"openai"`
	Anthropic  ProviderConfig `mapstructure:"anthropic"`
}

// ProviderConfig holds credentials and model selection for one vendor.
type ProviderConfig struct {
	APIKey          string `mapstructure:"api_key"`
	Endpoint        string `mapstructure:"endpoint"`
	CompletionModel string `mapstructure:"completion_model"`
	EmbeddingModel  string `mapstructure:"embedding_model"`
}

// RetrievalConfig tunes the hybrid ranker.
type RetrievalConfig struct {
	KVec        int     `mapstructure:"k_vec"`
	KLex        int     `mapstructure:"k_lex"`
	KRecent     int     `mapstructure:"k_recent"`
	KOut        int     `mapstructure:"k_out"`
	WVec        float64 `mapstructure:"w_vec"`
	WLex        float64 `mapstructure:"w_lex"`
	PinnedFloor float64 `mapstructure:"pinned_floor"`
}

// WriterConfig tunes extraction.
type WriterConfig struct {
	MinConfidence  float64 `mapstructure:"min_confidence"`
	EmbedBatchSize int     `mapstructure:"embed_batch_size"`
	EmbedAttempts  int     `mapstructure:"embed_attempts"`
}

// SummaryConfig tunes the rolling summarizer.
type SummaryConfig struct {
	TurnInterval  int `mapstructure:"turn_interval"`
	CharThreshold int `mapstructure:"char_threshold"`
	MaxChars      int `mapstructure:"max_chars"`
}

// InsightsConfig tunes the insight miner. Mining runs after
// MemoryInterval new memories or IntervalMinutes of wall time,
// whichever comes first.
type InsightsConfig struct {
	MinConfidence   float64 `mapstructure:"min_confidence"`
	MaxMemories     int     `mapstructure:"max_memories"`
	MemoryInterval  int     `mapstructure:"memory_interval"`
	IntervalMinutes int     `mapstructure:"interval_minutes"`
}

// TasksConfig tunes the background orchestrator.
type TasksConfig struct {
	Workers       int `mapstructure:"workers"`
	QueueCapacity int `mapstructure:"queue_capacity"`
	DedupSeconds  int `mapstructure:"dedup_seconds"`
}

// SetDefaults installs default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1:18590")
	v.SetDefault("data_dir", "")
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.vector_dimensions", 1536)
	v.SetDefault("providers.completion", "openai")
	v.SetDefault("providers.openai.completion_model", "gpt-4.1-mini")
	v.SetDefault("providers.openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("providers.anthropic.completion_model", "claude-haiku-4-5")
	v.SetDefault("retrieval.k_vec", 40)
	v.SetDefault("retrieval.k_lex", 40)
	v.SetDefault("retrieval.k_recent", 10)
	v.SetDefault("retrieval.k_out", 20)
	v.SetDefault("retrieval.w_vec", 0.6)
	v.SetDefault("retrieval.w_lex", 0.4)
	v.SetDefault("retrieval.pinned_floor", 0.5)
	v.SetDefault("writer.min_confidence", 0.6)
	v.SetDefault("writer.embed_batch_size", 64)
	v.SetDefault("writer.embed_attempts", 3)
	v.SetDefault("summary.turn_interval", 8)
	v.SetDefault("summary.char_threshold", 4000)
	v.SetDefault("summary.max_chars", 2000)
	v.SetDefault("insights.min_confidence", 0.7)
	v.SetDefault("insights.max_memories", 100)
	v.SetDefault("insights.memory_interval", 25)
	v.SetDefault("insights.interval_minutes", 360)
	v.SetDefault("tasks.workers", 4)
	v.SetDefault("tasks.queue_capacity", 256)
	v.SetDefault("tasks.dedup_seconds", 30)
}

// SetupEnv binds MEMORIA_-prefixed environment variables.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix("MEMORIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, memerr.Wrapf(err, memerr.CodeConfigLoadFailure, "reading config %s", path)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates a populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, memerr.Wrapf(err, memerr.CodeConfigInvalidValue, "unmarshalling config")
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, memerr.Wrapf(errors.Join(errs...), memerr.CodeConfigInvalidValue, "validating config")
	}
	return &cfg, nil
}

// Validate checks the configuration for logical errors, collecting all
// issues rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	if c.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Listen); err != nil {
			errs = append(errs, memerr.Errorf(memerr.CodeConfigInvalidValue, "listen %q is not host:port", c.Listen))
		}
	}

	if c.Storage.Backend != "" && c.Storage.Backend != "sqlite" {
		errs = append(errs, memerr.Errorf(memerr.CodeConfigInvalidValue, "unsupported storage backend %q", c.Storage.Backend))
	}
	if c.Storage.VectorDimensions < 0 {
		errs = append(errs, memerr.Errorf(memerr.CodeConfigInvalidValue, "vector_dimensions must not be negative"))
	}

	switch c.Providers.Completion {
	case "", "openai", "anthropic":
	default:
		errs = append(errs, memerr.Errorf(memerr.CodeConfigInvalidValue, "unknown completion provider %q", c.Providers.Completion))
	}

	if c.Retrieval.WVec < 0 || c.Retrieval.WLex < 0 {
		errs = append(errs, memerr.Errorf(memerr.CodeConfigInvalidValue, "retrieval weights must be non-negative"))
	}
	if c.Retrieval.PinnedFloor < 0 || c.Retrieval.PinnedFloor > 1 {
		errs = append(errs, memerr.Errorf(memerr.CodeConfigInvalidValue, "pinned_floor must be in [0, 1]"))
	}
	if c.Writer.MinConfidence < 0 || c.Writer.MinConfidence > 1 {
		errs = append(errs, memerr.Errorf(memerr.CodeConfigInvalidValue, "writer min_confidence must be in [0, 1]"))
	}
	if c.Summary.MaxChars <= 0 {
		errs = append(errs, memerr.Errorf(memerr.CodeConfigInvalidValue, "summary max_chars must be positive"))
	}
	if c.Tasks.QueueCapacity < 0 {
		errs = append(errs, memerr.Errorf(memerr.CodeConfigInvalidValue, "tasks queue_capacity must not be negative"))
	}
	if c.Insights.IntervalMinutes < 0 {
		errs = append(errs, memerr.Errorf(memerr.CodeConfigInvalidValue, "insights interval_minutes must not be negative"))
	}

	return errs
}
