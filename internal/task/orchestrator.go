// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package task

import (
	"context"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// Handler executes one task attempt. The context carries the task's
// deadline; handlers observe cancellation at component boundaries.
type Handler func(ctx context.Context) (any, error)

// Config tunes the orchestrator.
type Config struct {
	Workers       int           // worker goroutines; default 4
	QueueCapacity int           // bounded submit queue; default 256
	DedupWindow   time.Duration // duplicate-submit coalescing window; default 30s
	Retention     time.Duration // how long terminal tasks remain queryable; default 1h
	GCInterval    time.Duration // sweep cadence for expired tasks; default 1m

	// Per-kind attempt caps (including the first attempt).
	MaxAttempts map[Kind]int
	// Per-kind deadlines applied to each attempt.
	Deadlines map[Kind]time.Duration

	InitialBackoff time.Duration // default 500ms
	MaxBackoff     time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.GCInterval <= 0 {
		c.GCInterval = time.Minute
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.MaxAttempts == nil {
		c.MaxAttempts = map[Kind]int{}
	}
	if c.Deadlines == nil {
		c.Deadlines = map[Kind]time.Duration{}
	}
	defaults := map[Kind]int{
		KindChatAssemble: 1,
		KindExtract:      3,
		KindSummarize:    2,
		KindInsights:     2,
		KindCorrect:      3,
	}
	for k, v := range defaults {
		if c.MaxAttempts[k] == 0 {
			c.MaxAttempts[k] = v
		}
	}
	deadlineDefaults := map[Kind]time.Duration{
		KindChatAssemble: 10 * time.Second,
		KindExtract:      15 * time.Second,
		KindSummarize:    20 * time.Second,
		KindInsights:     30 * time.Second,
		KindCorrect:      15 * time.Second,
	}
	for k, v := range deadlineDefaults {
		if c.Deadlines[k] == 0 {
			c.Deadlines[k] = v
		}
	}
	return c
}

type queued struct {
	task    *Task
	handler Handler
	flight  string // single-flight key; empty when the kind is not single-flight
}

// Orchestrator schedules background tasks over a bounded queue and a
// fixed worker pool. It enforces deterministic task identity, a dedup
// window for duplicate submissions, and single-flight execution per
// (user, conversation, kind) for extraction and summarization.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	queue chan queued
	done  chan struct{}
	wg    sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*Task
	// inFlight maps a single-flight key to the id of its running task,
	// as reported by Running.
	inFlight map[string]string

	flights keyedMutex

	closeOnce sync.Once
}

// New creates an Orchestrator and starts its workers and GC sweep.
func New(cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan queued, cfg.QueueCapacity),
		done:     make(chan struct{}),
		tasks:    map[string]*Task{},
		inFlight: map[string]string{},
	}

	for i := 0; i < cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	o.wg.Add(1)
	go o.gcLoop()

	return o
}

// Submit enqueues work. The task id is derived deterministically from
// (kind, user, conversation, payloadHash); a duplicate submission that
// is still pending or running, or inside the dedup window, returns the
// existing id without enqueueing a second run. A different payload for
// a busy single-flight key gets its own id and waits in the queue until
// the running task for that key finishes.
func (o *Orchestrator) Submit(kind Kind, userID, conversationID, payloadHash string, handler Handler) (string, error) {
	if !kind.Valid() {
		return "", memerr.Errorf(memerr.CodeTaskKindInvalid, "unknown task kind %q", kind)
	}
	select {
	case <-o.done:
		return "", memerr.New(memerr.CodeTaskCancelled, "orchestrator closed")
	default:
	}

	id := ID(kind, userID, conversationID, payloadHash)
	now := time.Now()

	o.mu.Lock()
	if existing, ok := o.tasks[id]; ok {
		if !existing.Status.Terminal() || now.Sub(existing.SubmittedAt) < o.cfg.DedupWindow {
			o.mu.Unlock()
			return id, nil
		}
	}

	t := &Task{
		ID:             id,
		Kind:           kind,
		UserID:         userID,
		ConversationID: conversationID,
		Status:         StatusPending,
		SubmittedAt:    now,
	}

	var flight string
	if kind.singleFlight() {
		flight = flightKey(kind, userID, conversationID)
	}

	o.tasks[id] = t
	o.mu.Unlock()

	select {
	case o.queue <- queued{task: t, handler: handler, flight: flight}:
		return id, nil
	default:
		o.mu.Lock()
		delete(o.tasks, id)
		o.mu.Unlock()
		return "", memerr.New(memerr.CodeTaskQueueOverload, "task queue full",
			memerr.FieldUserID(userID), memerr.Field("kind", string(kind)))
	}
}

// Running reports the id of the currently running task for a
// single-flight key, if any.
func (o *Orchestrator) Running(kind Kind, userID, conversationID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.inFlight[flightKey(kind, userID, conversationID)]
	return id, ok
}

// Status returns a snapshot of the task.
func (o *Orchestrator) Status(taskID string) (Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[taskID]
	if !ok {
		return Task{}, memerr.New(memerr.CodeTaskNotFound, "task not found", memerr.FieldTaskID(taskID))
	}
	return *t, nil
}

// Close stops accepting work, drains nothing further, and waits for
// in-flight tasks to finish.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
	})
	o.wg.Wait()
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case q := <-o.queue:
			o.run(q)
		case <-o.done:
			return
		}
	}
}

func (o *Orchestrator) run(q queued) {
	// Serialize per single-flight key. Coalescing at submit prevents
	// duplicate ids, but distinct payloads for the same key (two
	// messages of one conversation) still queue separately and must
	// not run concurrently.
	if q.flight != "" {
		o.flights.Lock(q.flight)
		defer o.flights.Unlock(q.flight)
	}

	o.setRunning(q.task)

	attempts := o.cfg.MaxAttempts[q.task.Kind]
	deadline := o.cfg.Deadlines[q.task.Kind]
	backoff := o.cfg.InitialBackoff

	var result any
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = o.attempt(q, deadline)
		if err == nil || !memerr.IsTransient(err) {
			break
		}
		if attempt == attempts {
			err = memerr.Wrapf(err, memerr.CodeTaskRetryExhausted,
				"task %s failed after %d attempts", q.task.Kind, attempts)
			break
		}

		o.logger.Warn("task attempt failed, retrying",
			"task_id", q.task.ID,
			"kind", string(q.task.Kind),
			"attempt", attempt,
			"error", err,
		)

		// Exponential backoff with jitter, capped.
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		if sleep > o.cfg.MaxBackoff {
			sleep = o.cfg.MaxBackoff
		}
		backoff *= 2

		select {
		case <-time.After(sleep):
		case <-o.done:
			err = memerr.New(memerr.CodeTaskCancelled, "orchestrator shut down during retry")
			attempt = attempts
		}
	}

	o.finish(q.task, result, err)
}

// attempt runs the handler once under the kind's deadline with panic
// recovery; a panicking task fails instead of killing the worker.
func (o *Orchestrator) attempt(q queued, deadline time.Duration) (result any, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("task panicked",
				"task_id", q.task.ID,
				"kind", string(q.task.Kind),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = memerr.Errorf(memerr.CodeServerInternal, "task panic: %v", r)
		}
	}()

	return q.handler(ctx)
}

func (o *Orchestrator) setRunning(t *Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t.Status = StatusRunning
	t.StartedAt = time.Now()
	if t.Kind.singleFlight() {
		o.inFlight[flightKey(t.Kind, t.UserID, t.ConversationID)] = t.ID
	}
}

func (o *Orchestrator) finish(t *Task, result any, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t.FinishedAt = time.Now()
	if err != nil {
		t.Status = StatusFailed
		t.Error = err.Error()
	} else {
		t.Status = StatusCompleted
		t.Result = result
	}

	if t.Kind.singleFlight() {
		key := flightKey(t.Kind, t.UserID, t.ConversationID)
		if o.inFlight[key] == t.ID {
			delete(o.inFlight, key)
		}
	}
}

func (o *Orchestrator) gcLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.gc()
		case <-o.done:
			return
		}
	}
}

func (o *Orchestrator) gc() {
	cutoff := time.Now().Add(-o.cfg.Retention)

	o.mu.Lock()
	defer o.mu.Unlock()
	for id, t := range o.tasks {
		if t.Status.Terminal() && t.FinishedAt.Before(cutoff) {
			delete(o.tasks, id)
		}
	}
}

func flightKey(kind Kind, userID, conversationID string) string {
	return string(kind) + "\x1f" + userID + "\x1f" + conversationID
}

// keyedMutex serialises work per string key. Entries are reference
// counted and removed when the last holder unlocks.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	refs int
	sem  chan struct{}
}

func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = map[string]*keyedEntry{}
	}
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.sem <- struct{}{}
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	e := k.entries[key]
	<-e.sem
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}
