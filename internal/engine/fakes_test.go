// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package engine_test

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memoria-dev/memoria/internal/engine"
	"github.com/memoria-dev/memoria/internal/provider"
	"github.com/memoria-dev/memoria/internal/security"
	"github.com/memoria-dev/memoria/internal/store"
	"github.com/memoria-dev/memoria/internal/store/sqlite"
	"github.com/memoria-dev/memoria/internal/task"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

const testDims = 4

// fakeCompletion returns scripted responses keyed by system prompt and
// records the prompts it received.
type fakeCompletion struct {
	mu         sync.Mutex
	responses  map[string]string // system prompt -> response
	defaultOut string
	err        error
	lastUser   map[string]string // system prompt -> last user prompt
	calls      int
}

func newFakeCompletion() *fakeCompletion {
	return &fakeCompletion{
		responses:  map[string]string{},
		defaultOut: "ok",
		lastUser:   map[string]string{},
	}
}

func (f *fakeCompletion) Complete(_ context.Context, systemPrompt, userPrompt string, _ provider.CompleteOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.lastUser[systemPrompt] = userPrompt
	if f.err != nil {
		return "", f.err
	}
	if out, ok := f.responses[systemPrompt]; ok {
		return out, nil
	}
	return f.defaultOut, nil
}

func (f *fakeCompletion) userPromptFor(systemPrompt string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUser[systemPrompt]
}

// setResponse scripts the response for a system prompt. Safe to call
// while background tasks are completing.
func (f *fakeCompletion) setResponse(systemPrompt, out string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[systemPrompt] = out
}

func (f *fakeCompletion) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeCompletion) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeEmbedder produces deterministic vectors. Exact texts can be given
// fixed vectors; everything else hashes to a stable pseudo-direction.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	fail    bool            // whole-batch transient failure
	failFor map[string]bool // per-item failure (nil slot in the result)
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{}, failFor: map[string]bool{}}
}

func (f *fakeEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		return nil, memerr.New(memerr.CodeEmbedderUpstreamTransient, "embedder down")
	}

	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		if f.failFor[in] {
			continue
		}
		if v, ok := f.vectors[in]; ok {
			out[i] = v
			continue
		}
		out[i] = hashVector(in)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return testDims }

// setVector fixes the embedding for an exact text.
func (f *fakeEmbedder) setVector(text string, v []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[text] = v
}

// setFail toggles whole-batch transient failure.
func (f *fakeEmbedder) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

// setFailFor makes one exact text fail per-item.
func (f *fakeEmbedder) setFailFor(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[text] = true
}

// hashVector derives a stable unit-ish vector from the text.
func hashVector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, testDims)
	for i := range v {
		v[i] = float32(sum[i])/255 + 0.01
	}
	return v
}

// testHarness bundles the wired engine and its collaborators.
type testHarness struct {
	store      *sqlite.Store
	completion *fakeCompletion
	embedder   *fakeEmbedder
	validator  *security.RegexValidator
	orch       *task.Orchestrator
	engine     *engine.Engine
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	return newHarnessWithConfig(t, engine.DefaultConfig())
}

func newHarnessWithConfig(t *testing.T, cfg engine.Config) *testHarness {
	t.Helper()

	dir, err := os.MkdirTemp("", "memoria-engine-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := sqlite.Open(filepath.Join(dir, "memoria.db"), testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	validator, err := security.NewRegexValidator(security.DefaultRules(), nil)
	require.NoError(t, err)

	orch := task.New(task.Config{Workers: 2}, nil)
	t.Cleanup(orch.Close)

	completion := newFakeCompletion()
	embedder := newFakeEmbedder()

	eng := engine.New(st, completion, embedder, validator, orch, cfg, nil)
	t.Cleanup(eng.Close)

	return &testHarness{
		store:      st,
		completion: completion,
		embedder:   embedder,
		validator:  validator,
		orch:       orch,
		engine:     eng,
	}
}

// seedMemory inserts a memory directly into the store.
func (h *testHarness) seedMemory(t *testing.T, userID, text string, typ store.MemoryType, emb []float32, mutate ...func(*store.Memory)) string {
	t.Helper()

	mem := &store.Memory{
		UserID:         userID,
		Text:           text,
		Type:           typ,
		Importance:     typ.DefaultImportance(),
		Confidence:     0.9,
		IdempotencyKey: engine.Fingerprint(text, typ),
		Embedding:      emb,
	}
	for _, m := range mutate {
		m(mem)
	}

	id, err := h.store.Memories().Insert(context.Background(), mem)
	require.NoError(t, err)
	return id
}

// seedMessage appends a user message and returns its id.
func (h *testHarness) seedMessage(t *testing.T, userID, convID, text string) string {
	t.Helper()
	id, err := h.store.Conversations().AppendMessage(context.Background(), userID, convID, store.MessageRoleUser, text)
	require.NoError(t, err)
	return id
}
