// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package task_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoria-dev/memoria/internal/task"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

func newOrchestrator(t *testing.T, cfg task.Config) *task.Orchestrator {
	t.Helper()
	o := task.New(cfg, nil)
	t.Cleanup(o.Close)
	return o
}

// waitTerminal polls until the task reaches a terminal state.
func waitTerminal(t *testing.T, o *task.Orchestrator, id string) task.Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		snap, err := o.Status(id)
		require.NoError(t, err)
		if snap.Status.Terminal() {
			return snap
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached a terminal state (status %s)", id, snap.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestID_DeterministicAndFullLength(t *testing.T) {
	a := task.ID(task.KindExtract, "u1", "c1", "payload")
	b := task.ID(task.KindExtract, "u1", "c1", "payload")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64, "full SHA-256 hex, no truncation")

	assert.NotEqual(t, a, task.ID(task.KindSummarize, "u1", "c1", "payload"))
	assert.NotEqual(t, a, task.ID(task.KindExtract, "u2", "c1", "payload"))
	assert.NotEqual(t, a, task.ID(task.KindExtract, "u1", "", "payload"))
}

func TestID_SeparatorPreventsFieldSmearing(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must hash differently.
	assert.NotEqual(t,
		task.ID(task.KindExtract, "ab", "c", "p"),
		task.ID(task.KindExtract, "a", "bc", "p"),
	)
}

func TestSubmit_CompletesWithResult(t *testing.T) {
	o := newOrchestrator(t, task.Config{})

	id, err := o.Submit(task.KindExtract, "u1", "c1", "p1", func(context.Context) (any, error) {
		return "done", nil
	})
	require.NoError(t, err)

	snap := waitTerminal(t, o, id)
	assert.Equal(t, task.StatusCompleted, snap.Status)
	assert.Equal(t, "done", snap.Result)
	assert.False(t, snap.SubmittedAt.IsZero())
	assert.False(t, snap.StartedAt.IsZero())
	assert.False(t, snap.FinishedAt.IsZero())
}

func TestSubmit_DuplicateWithinWindowCoalesces(t *testing.T) {
	o := newOrchestrator(t, task.Config{DedupWindow: time.Minute})

	var runs atomic.Int32
	handler := func(context.Context) (any, error) {
		runs.Add(1)
		return nil, nil
	}

	id1, err := o.Submit(task.KindExtract, "u1", "c1", "same", handler)
	require.NoError(t, err)
	id2, err := o.Submit(task.KindExtract, "u1", "c1", "same", handler)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	waitTerminal(t, o, id1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "duplicate submission must not enqueue a second run")
}

func TestSubmit_SingleFlightPerKey(t *testing.T) {
	o := newOrchestrator(t, task.Config{Workers: 8})

	var running atomic.Int32
	var maxRunning atomic.Int32
	handler := func(context.Context) (any, error) {
		now := running.Add(1)
		for {
			prev := maxRunning.Load()
			if now <= prev || maxRunning.CompareAndSwap(prev, now) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}

	// Distinct payloads produce distinct task ids for the same
	// (user, conversation, kind) key; they must still serialize.
	var ids []string
	for _, payload := range []string{"m1", "m2", "m3", "m4"} {
		id, err := o.Submit(task.KindExtract, "u1", "c1", payload, handler)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		waitTerminal(t, o, id)
	}
	assert.Equal(t, int32(1), maxRunning.Load(), "at most one extract per (user, conversation) may run")
}

func TestSubmit_SingleFlightDifferentKeysRunInParallel(t *testing.T) {
	o := newOrchestrator(t, task.Config{Workers: 4})

	var mu sync.Mutex
	started := map[string]time.Time{}

	block := make(chan struct{})
	handler := func(key string) task.Handler {
		return func(context.Context) (any, error) {
			mu.Lock()
			started[key] = time.Now()
			mu.Unlock()
			<-block
			return nil, nil
		}
	}

	id1, err := o.Submit(task.KindExtract, "u1", "c1", "p", handler("a"))
	require.NoError(t, err)
	id2, err := o.Submit(task.KindExtract, "u2", "c9", "p", handler("b"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) == 2
	}, 2*time.Second, 5*time.Millisecond, "different keys must not serialize")

	close(block)
	waitTerminal(t, o, id1)
	waitTerminal(t, o, id2)
}

func TestSubmit_QueueOverload(t *testing.T) {
	o := newOrchestrator(t, task.Config{Workers: 1, QueueCapacity: 1})

	block := make(chan struct{})
	defer close(block)

	// Fill the single worker and the single queue slot.
	_, err := o.Submit(task.KindInsights, "u1", "", "p1", func(context.Context) (any, error) {
		<-block
		return nil, nil
	})
	require.NoError(t, err)

	var overloaded bool
	for i := 0; i < 10; i++ {
		_, err := o.Submit(task.KindInsights, "u1", "", string(rune('a'+i)), func(context.Context) (any, error) {
			<-block
			return nil, nil
		})
		if err != nil {
			assert.True(t, memerr.IsOverload(err))
			overloaded = true
			break
		}
	}
	assert.True(t, overloaded, "a bounded queue must eventually refuse submissions")
}

func TestRun_RetriesTransientThenSucceeds(t *testing.T) {
	o := newOrchestrator(t, task.Config{InitialBackoff: time.Millisecond})

	var attempts atomic.Int32
	id, err := o.Submit(task.KindExtract, "u1", "c1", "p", func(context.Context) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, memerr.New(memerr.CodeStoreDatabaseTransient, "busy")
		}
		return "ok", nil
	})
	require.NoError(t, err)

	snap := waitTerminal(t, o, id)
	assert.Equal(t, task.StatusCompleted, snap.Status)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRun_TransientExhaustionFails(t *testing.T) {
	o := newOrchestrator(t, task.Config{InitialBackoff: time.Millisecond})

	id, err := o.Submit(task.KindSummarize, "u1", "c1", "p", func(context.Context) (any, error) {
		return nil, memerr.New(memerr.CodeStoreDatabaseTransient, "busy forever")
	})
	require.NoError(t, err)

	snap := waitTerminal(t, o, id)
	assert.Equal(t, task.StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "after 2 attempts", "summarize retries are capped at 2")
}

func TestRun_FatalDoesNotRetry(t *testing.T) {
	o := newOrchestrator(t, task.Config{InitialBackoff: time.Millisecond})

	var attempts atomic.Int32
	id, err := o.Submit(task.KindExtract, "u1", "c1", "p", func(context.Context) (any, error) {
		attempts.Add(1)
		return nil, memerr.New(memerr.CodeStoreDatabaseFatal, "schema broken")
	})
	require.NoError(t, err)

	snap := waitTerminal(t, o, id)
	assert.Equal(t, task.StatusFailed, snap.Status)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRun_UnsafeDoesNotRetry(t *testing.T) {
	o := newOrchestrator(t, task.Config{InitialBackoff: time.Millisecond})

	var attempts atomic.Int32
	id, err := o.Submit(task.KindExtract, "u1", "c1", "p", func(context.Context) (any, error) {
		attempts.Add(1)
		return nil, memerr.New(memerr.CodeSecurityUnsafe, "refused")
	})
	require.NoError(t, err)

	snap := waitTerminal(t, o, id)
	assert.Equal(t, task.StatusFailed, snap.Status)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRun_PanicFailsTask(t *testing.T) {
	o := newOrchestrator(t, task.Config{})

	id, err := o.Submit(task.KindInsights, "u1", "", "p", func(context.Context) (any, error) {
		panic("boom")
	})
	require.NoError(t, err)

	snap := waitTerminal(t, o, id)
	assert.Equal(t, task.StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "panic")
}

func TestStatus_UnknownTask(t *testing.T) {
	o := newOrchestrator(t, task.Config{})

	_, err := o.Status("nope")
	require.Error(t, err)
	assert.True(t, memerr.IsNotFound(err))
}

func TestSubmit_InvalidKind(t *testing.T) {
	o := newOrchestrator(t, task.Config{})

	_, err := o.Submit(task.Kind("bogus"), "u1", "", "p", func(context.Context) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, memerr.IsInvalidInput(err))
}

func TestRun_DeadlineProducesCancelledContext(t *testing.T) {
	o := newOrchestrator(t, task.Config{
		Deadlines: map[task.Kind]time.Duration{task.KindInsights: 10 * time.Millisecond},
	})

	id, err := o.Submit(task.KindInsights, "u1", "", "p", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, memerr.Wrapf(ctx.Err(), memerr.CodeTaskCancelled, "insights cancelled")
	})
	require.NoError(t, err)

	snap := waitTerminal(t, o, id)
	assert.Equal(t, task.StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "cancelled")
}
