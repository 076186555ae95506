// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/memoria-dev/memoria/internal/provider"
	"github.com/memoria-dev/memoria/internal/security"
	"github.com/memoria-dev/memoria/internal/store"
	"github.com/memoria-dev/memoria/internal/task"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// Config aggregates the engine's tuning.
type Config struct {
	Retrieve   RetrieveConfig
	Writer     WriterConfig
	Summarizer SummarizerConfig
	Insights   MinerConfig

	ForegroundDeadline time.Duration // assemble-and-answer budget; default 10s
	HistoryLimit       int           // recent messages included in the context pack; default 20
	ResponderMaxTokens int           // completion budget for the answer; default 1024

	// InsightMemoryInterval triggers an insights run after this many new
	// memories for a user; default 25. The wall-clock trigger below fires
	// whichever comes first.
	InsightMemoryInterval int

	// InsightInterval schedules an insights run per active user after
	// this much wall time since their last run; default 6h.
	InsightInterval time.Duration

	// InsightSweepInterval is the cadence of the wall-clock check;
	// default 1m.
	InsightSweepInterval time.Duration
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		Retrieve:              DefaultRetrieveConfig(),
		Writer:                DefaultWriterConfig(),
		Summarizer:            DefaultSummarizerConfig(),
		Insights:              DefaultMinerConfig(),
		ForegroundDeadline:    10 * time.Second,
		HistoryLimit:          20,
		ResponderMaxTokens:    1024,
		InsightMemoryInterval: 25,
		InsightInterval:       6 * time.Hour,
		InsightSweepInterval:  time.Minute,
	}
}

// ChatResult is the outcome of the foreground chat path. It is also the
// Result payload of completed chat_assemble tasks.
type ChatResult struct {
	AssistantText      string   `json:"assistant_text"`
	CitedMemoryIDs     []string `json:"cited_memory_ids"`
	AssistantMessageID string   `json:"assistant_message_id"`
}

// Engine wires the retriever, writer, summarizer, and insight miner
// behind the capability surface the API layer consumes. The foreground
// path assembles context and answers synchronously; everything
// LLM-heavy and mutating runs as an orchestrated background task.
type Engine struct {
	store      store.Store
	completion provider.Completion
	validator  security.Validator
	retriever  *Retriever
	writer     *Writer
	summarizer *Summarizer
	miner      *Miner
	orch       *task.Orchestrator
	cfg        Config
	logger     *slog.Logger

	// newMemories counts per-user memory growth since the last insights
	// run; lastMined records when that run happened. Together they
	// implement the "N new memories or T wall time, whichever first"
	// mining trigger.
	mu          sync.Mutex
	newMemories map[string]int
	lastMined   map[string]time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates an Engine with injected capabilities.
func New(st store.Store, completion provider.Completion, embedder provider.Embedder, validator security.Validator, orch *task.Orchestrator, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ForegroundDeadline <= 0 {
		cfg.ForegroundDeadline = 10 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.ResponderMaxTokens <= 0 {
		cfg.ResponderMaxTokens = 1024
	}
	if cfg.InsightMemoryInterval <= 0 {
		cfg.InsightMemoryInterval = 25
	}
	if cfg.InsightInterval <= 0 {
		cfg.InsightInterval = 6 * time.Hour
	}
	if cfg.InsightSweepInterval <= 0 {
		cfg.InsightSweepInterval = time.Minute
	}

	e := &Engine{
		store:       st,
		completion:  completion,
		validator:   validator,
		retriever:   NewRetriever(st.Memories(), embedder, cfg.Retrieve, logger),
		writer:      NewWriter(st, completion, embedder, validator, cfg.Writer, logger),
		summarizer:  NewSummarizer(st, completion, validator, cfg.Summarizer, logger),
		miner:       NewMiner(st, completion, validator, cfg.Insights, logger),
		orch:        orch,
		cfg:         cfg,
		logger:      logger,
		newMemories: map[string]int{},
		lastMined:   map[string]time.Time{},
		done:        make(chan struct{}),
	}

	e.wg.Add(1)
	go e.insightLoop()

	return e
}

// Close stops the engine's background scheduling. Submitted tasks keep
// running on the orchestrator.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
}

// Retrieve exposes the hybrid ranker directly.
func (e *Engine) Retrieve(ctx context.Context, userID, query, conversationID string) ([]ScoredMemory, error) {
	return e.retriever.Retrieve(ctx, userID, query, conversationID)
}

// AssembleAndAnswer is the foreground chat path: validate the turn,
// persist it, assemble a bounded context of relevant memories plus the
// rolling summary, produce the answer, persist it, and schedule the
// background extract/summarize/insights work. When every retrieval
// source fails the answer is still produced, with no cited memories.
func (e *Engine) AssembleAndAnswer(ctx context.Context, userID, conversationID, userText string) (*ChatResult, error) {
	if userID == "" || conversationID == "" || userText == "" {
		return nil, memerr.New(memerr.CodeEngineInvalidInput, "user id, conversation id, and text are required")
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ForegroundDeadline)
	defer cancel()

	verdict, err := e.validator.Validate(ctx, userText, security.TagResponderUser)
	if err != nil {
		return nil, err
	}
	if !verdict.Safe {
		return nil, memerr.New(memerr.CodeSecurityUnsafe, "message refused by validator",
			memerr.FieldUserID(userID),
			memerr.Field("reason", verdict.Reason),
			memerr.Field("context_tag", string(security.TagResponderUser)),
		)
	}

	userMsgID, err := e.store.Conversations().AppendMessage(ctx, userID, conversationID, store.MessageRoleUser, userText)
	if err != nil {
		return nil, err
	}
	e.touchUser(userID)

	// Degraded retrieval narrows the context; it never fails the turn.
	memories, err := e.retriever.Retrieve(ctx, userID, userText, "")
	if err != nil {
		e.logger.Warn("retrieval degraded to empty context", "user_id", userID, "error", err)
		memories = nil
	}

	summary, err := e.store.Summaries().Get(ctx, userID, conversationID, store.SummaryScopeRolling)
	if err != nil && !memerr.IsNotFound(err) {
		e.logger.Warn("summary read failed", "user_id", userID, "error", err)
		summary = nil
	}

	recent, err := e.store.Conversations().RecentMessages(ctx, userID, conversationID, e.cfg.HistoryLimit)
	if err != nil {
		e.logger.Warn("history read failed", "user_id", userID, "error", err)
		recent = nil
	}

	prompt := buildResponderPrompt(e.validator.Sanitize(userText), memories, summary, recent)
	answer, err := e.completion.Complete(ctx, ResponderSystemPrompt, prompt, provider.CompleteOptions{
		MaxTokens:   e.cfg.ResponderMaxTokens,
		Temperature: 0.4,
		Shape:       provider.ShapeText,
	})
	if err != nil {
		return nil, err
	}

	assistantMsgID, err := e.store.Conversations().AppendMessage(ctx, userID, conversationID, store.MessageRoleAssistant, answer)
	if err != nil {
		return nil, err
	}

	cited := make([]string, 0, len(memories))
	for _, m := range memories {
		cited = append(cited, m.Memory.ID)
	}

	// Background work is scheduled only after the turn has committed.
	if _, err := e.SubmitExtract(userID, conversationID, userMsgID); err != nil {
		e.logger.Warn("extract submission failed", "user_id", userID, "error", err)
	}
	e.maybeSubmitSummarize(ctx, userID, conversationID)

	return &ChatResult{
		AssistantText:      answer,
		CitedMemoryIDs:     cited,
		AssistantMessageID: assistantMsgID,
	}, nil
}

// SubmitChat runs the full chat turn as a background chat_assemble task.
func (e *Engine) SubmitChat(userID, conversationID, userText string) (string, error) {
	return e.orch.Submit(task.KindChatAssemble, userID, conversationID, task.PayloadHash(userText),
		func(ctx context.Context) (any, error) {
			return e.AssembleAndAnswer(ctx, userID, conversationID, userText)
		})
}

// SubmitExtract schedules memory extraction for one appended user
// message. Extraction for the same (user, conversation) is single-flight.
func (e *Engine) SubmitExtract(userID, conversationID, messageID string) (string, error) {
	e.touchUser(userID)
	return e.orch.Submit(task.KindExtract, userID, conversationID, task.PayloadHash(messageID),
		func(ctx context.Context) (any, error) {
			result, err := e.writer.ExtractFromMessage(ctx, userID, messageID)
			if err != nil {
				return nil, err
			}
			e.recordNewMemories(userID, result.Inserted)
			return result, nil
		})
}

// SubmitSummarize schedules a rolling-summary update for the
// conversation; single-flight per (user, conversation).
func (e *Engine) SubmitSummarize(userID, conversationID string) (string, error) {
	return e.orch.Submit(task.KindSummarize, userID, conversationID, task.PayloadHash("rolling"),
		func(ctx context.Context) (any, error) {
			return e.summarizer.Summarize(ctx, userID, conversationID)
		})
}

// SubmitInsights schedules an insight-mining run for the user.
func (e *Engine) SubmitInsights(userID string) (string, error) {
	return e.orch.Submit(task.KindInsights, userID, "", task.PayloadHash("insights"),
		func(ctx context.Context) (any, error) {
			return e.miner.Mine(ctx, userID)
		})
}

// SubmitCorrection schedules an in-place correction of a memory's text.
func (e *Engine) SubmitCorrection(userID, memoryID, newText string) (string, error) {
	return e.orch.Submit(task.KindCorrect, userID, "", task.PayloadHash(memoryID, newText),
		func(ctx context.Context) (any, error) {
			if err := e.writer.Correct(ctx, userID, memoryID, newText); err != nil {
				return nil, err
			}
			return memoryID, nil
		})
}

// Status returns a snapshot of a submitted task.
func (e *Engine) Status(taskID string) (task.Task, error) {
	return e.orch.Status(taskID)
}

// ListMemories lists a user's memories for the API layer.
func (e *Engine) ListMemories(ctx context.Context, userID string, filter store.ListFilter) ([]*store.Memory, error) {
	return e.store.Memories().List(ctx, userID, filter)
}

// ListInsights lists a user's insights, newest first.
func (e *Engine) ListInsights(ctx context.Context, userID string, limit int) ([]*store.Insight, error) {
	return e.store.Insights().List(ctx, userID, limit)
}

// SetPinned pins or unpins a memory. Pinned memories receive a ranking
// score floor.
func (e *Engine) SetPinned(ctx context.Context, userID, memoryID string, pinned bool) error {
	return e.store.Memories().Update(ctx, userID, memoryID, store.MemoryPatch{Pinned: &pinned})
}

// MarkBad excludes a memory from all future retrieval.
func (e *Engine) MarkBad(ctx context.Context, userID, memoryID string) error {
	bad := true
	return e.store.Memories().Update(ctx, userID, memoryID, store.MemoryPatch{Bad: &bad})
}

// maybeSubmitSummarize checks the summarization trigger and schedules a
// run when due.
func (e *Engine) maybeSubmitSummarize(ctx context.Context, userID, conversationID string) {
	due, err := e.summarizer.ShouldSummarize(ctx, userID, conversationID)
	if err != nil {
		e.logger.Warn("summarize trigger check failed", "user_id", userID, "error", err)
		return
	}
	if !due {
		return
	}
	if _, err := e.SubmitSummarize(userID, conversationID); err != nil {
		e.logger.Warn("summarize submission failed", "user_id", userID, "error", err)
	}
}

// recordNewMemories paces the insight miner's count half: once a user
// accumulates InsightMemoryInterval new memories, an insights run is
// scheduled and both the counter and the wall clock reset.
func (e *Engine) recordNewMemories(userID string, n int) {
	if n <= 0 {
		return
	}

	e.mu.Lock()
	e.newMemories[userID] += n
	due := e.newMemories[userID] >= e.cfg.InsightMemoryInterval
	if due {
		e.newMemories[userID] = 0
		e.lastMined[userID] = time.Now()
	}
	e.mu.Unlock()

	if due {
		if _, err := e.SubmitInsights(userID); err != nil {
			e.logger.Warn("insights submission failed", "user_id", userID, "error", err)
		}
	}
}

// touchUser registers a user with the wall-clock mining schedule. The
// clock starts at first activity so idle users are never mined.
func (e *Engine) touchUser(userID string) {
	e.mu.Lock()
	if _, ok := e.lastMined[userID]; !ok {
		e.lastMined[userID] = time.Now()
	}
	e.mu.Unlock()
}

// insightLoop is the wall-clock half of the mining trigger: a user is
// mined after InsightInterval since their last run even when no new
// memories arrive.
func (e *Engine) insightLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.InsightSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweepInsights()
		case <-e.done:
			return
		}
	}
}

func (e *Engine) sweepInsights() {
	now := time.Now()

	var due []string
	e.mu.Lock()
	for userID, last := range e.lastMined {
		if now.Sub(last) >= e.cfg.InsightInterval {
			e.lastMined[userID] = now
			e.newMemories[userID] = 0
			due = append(due, userID)
		}
	}
	e.mu.Unlock()

	for _, userID := range due {
		if _, err := e.SubmitInsights(userID); err != nil {
			e.logger.Warn("scheduled insights submission failed", "user_id", userID, "error", err)
		}
	}
}
