// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package store

import (
	"sync"

	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// defaultVectorDimensions is the default embedding dimension (matches
// the OpenAI small embedding family).
const defaultVectorDimensions = 1536

// Factory creates a Store rooted at dataPath with the given embedding
// dimensions.
type Factory func(dataPath string, vectorDims int) (Store, error)

var (
	factories   = map[string]Factory{}
	factoriesMu sync.RWMutex
)

// RegisterBackend registers a factory for a named storage backend.
// Backend packages call this from init(). Goroutine-safe.
func RegisterBackend(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// StorageConfig controls which backend the factory uses.
type StorageConfig struct {
	Backend          string // "sqlite" is the only supported backend for now.
	VectorDimensions int    // Embedding dimensions; 0 uses the default (1536).
}

// New creates a Store for the configured backend.
func New(cfg *StorageConfig, dataPath string) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "sqlite"
	}

	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, memerr.Errorf(memerr.CodeStoreDatabaseFatal, "unsupported storage backend: %q", backend)
	}

	dims := cfg.VectorDimensions
	if dims <= 0 {
		dims = defaultVectorDimensions
	}

	return factory(dataPath, dims)
}
