// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/memoria-dev/memoria/internal/store"
	"github.com/memoria-dev/memoria/internal/task"
)

// --- DTOs ---

// ChatBody is the chat request payload.
type ChatBody struct {
	UserID         string `json:"user_id" minLength:"1"`
	ConversationID string `json:"conversation_id" minLength:"1"`
	Text           string `json:"text" minLength:"1"`
}

// ChatInput wraps ChatBody.
type ChatInput struct {
	Body ChatBody
}

// ChatResponseBody mirrors engine.ChatResult.
type ChatResponseBody struct {
	AssistantText      string   `json:"assistant_text"`
	CitedMemoryIDs     []string `json:"cited_memory_ids"`
	AssistantMessageID string   `json:"assistant_message_id"`
}

// ChatResponse wraps ChatResponseBody.
type ChatResponse struct {
	Body ChatResponseBody
}

// TaskRefBody carries a submitted task id.
type TaskRefBody struct {
	TaskID string `json:"task_id"`
}

// TaskRefResponse wraps TaskRefBody.
type TaskRefResponse struct {
	Body TaskRefBody
}

// TaskBody is the externally visible task snapshot.
type TaskBody struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	UserID         string     `json:"user_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Status         string     `json:"status"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Result         any        `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// TaskResponse wraps TaskBody.
type TaskResponse struct {
	Body TaskBody
}

// MemoryBody is the externally visible memory record.
type MemoryBody struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Text           string    `json:"text"`
	Type           string    `json:"type"`
	Importance     float64   `json:"importance"`
	Confidence     float64   `json:"confidence"`
	Bad            bool      `json:"bad"`
	Pinned         bool      `json:"pinned"`
	Embedded       bool      `json:"embedded"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MemoriesResponse lists memories.
type MemoriesResponse struct {
	Body struct {
		Memories []MemoryBody `json:"memories"`
	}
}

// InsightBody is the externally visible insight record.
type InsightBody struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Supporting []string  `json:"supporting"`
	CreatedAt  time.Time `json:"created_at"`
}

// InsightsResponse lists insights.
type InsightsResponse struct {
	Body struct {
		Insights []InsightBody `json:"insights"`
	}
}

// OKResponse acknowledges a mutation with no payload.
type OKResponse struct {
	Body struct {
		OK bool `json:"ok"`
	}
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "chat",
		Method:      http.MethodPost,
		Path:        "/v1/chat",
		Summary:     "Foreground chat turn: assemble context and answer",
		Tags:        []string{"chat"},
	}, func(ctx context.Context, in *ChatInput) (*ChatResponse, error) {
		result, err := s.engine.AssembleAndAnswer(ctx, in.Body.UserID, in.Body.ConversationID, in.Body.Text)
		if err != nil {
			return nil, apiError(err)
		}
		return &ChatResponse{Body: ChatResponseBody{
			AssistantText:      result.AssistantText,
			CitedMemoryIDs:     result.CitedMemoryIDs,
			AssistantMessageID: result.AssistantMessageID,
		}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "chat-async",
		Method:      http.MethodPost,
		Path:        "/v1/chat/async",
		Summary:     "Run a chat turn as a background task",
		Tags:        []string{"chat"},
	}, func(_ context.Context, in *ChatInput) (*TaskRefResponse, error) {
		id, err := s.engine.SubmitChat(in.Body.UserID, in.Body.ConversationID, in.Body.Text)
		if err != nil {
			return nil, apiError(err)
		}
		return &TaskRefResponse{Body: TaskRefBody{TaskID: id}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "submit-extract",
		Method:      http.MethodPost,
		Path:        "/v1/extract",
		Summary:     "Schedule memory extraction for a user message",
		Tags:        []string{"tasks"},
	}, func(_ context.Context, in *struct {
		Body struct {
			UserID         string `json:"user_id" minLength:"1"`
			ConversationID string `json:"conversation_id" minLength:"1"`
			MessageID      string `json:"message_id" minLength:"1"`
		}
	}) (*TaskRefResponse, error) {
		id, err := s.engine.SubmitExtract(in.Body.UserID, in.Body.ConversationID, in.Body.MessageID)
		if err != nil {
			return nil, apiError(err)
		}
		return &TaskRefResponse{Body: TaskRefBody{TaskID: id}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "submit-summarize",
		Method:      http.MethodPost,
		Path:        "/v1/summarize",
		Summary:     "Schedule a rolling-summary update",
		Tags:        []string{"tasks"},
	}, func(_ context.Context, in *struct {
		Body struct {
			UserID         string `json:"user_id" minLength:"1"`
			ConversationID string `json:"conversation_id" minLength:"1"`
		}
	}) (*TaskRefResponse, error) {
		id, err := s.engine.SubmitSummarize(in.Body.UserID, in.Body.ConversationID)
		if err != nil {
			return nil, apiError(err)
		}
		return &TaskRefResponse{Body: TaskRefBody{TaskID: id}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "submit-insights",
		Method:      http.MethodPost,
		Path:        "/v1/insights/mine",
		Summary:     "Schedule an insight-mining run",
		Tags:        []string{"tasks"},
	}, func(_ context.Context, in *struct {
		Body struct {
			UserID string `json:"user_id" minLength:"1"`
		}
	}) (*TaskRefResponse, error) {
		id, err := s.engine.SubmitInsights(in.Body.UserID)
		if err != nil {
			return nil, apiError(err)
		}
		return &TaskRefResponse{Body: TaskRefBody{TaskID: id}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "submit-correction",
		Method:      http.MethodPost,
		Path:        "/v1/corrections",
		Summary:     "Schedule an in-place memory correction",
		Tags:        []string{"tasks"},
	}, func(_ context.Context, in *struct {
		Body struct {
			UserID   string `json:"user_id" minLength:"1"`
			MemoryID string `json:"memory_id" minLength:"1"`
			Text     string `json:"text" minLength:"1"`
		}
	}) (*TaskRefResponse, error) {
		id, err := s.engine.SubmitCorrection(in.Body.UserID, in.Body.MemoryID, in.Body.Text)
		if err != nil {
			return nil, apiError(err)
		}
		return &TaskRefResponse{Body: TaskRefBody{TaskID: id}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "task-status",
		Method:      http.MethodGet,
		Path:        "/v1/tasks/{id}",
		Summary:     "Task status",
		Tags:        []string{"tasks"},
	}, func(_ context.Context, in *struct {
		ID string `path:"id"`
	}) (*TaskResponse, error) {
		t, err := s.engine.Status(in.ID)
		if err != nil {
			return nil, apiError(err)
		}
		return &TaskResponse{Body: taskBody(t)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-memories",
		Method:      http.MethodGet,
		Path:        "/v1/memories",
		Summary:     "List a user's memories",
		Tags:        []string{"memories"},
	}, func(ctx context.Context, in *struct {
		UserID         string `query:"user_id" required:"true"`
		ConversationID string `query:"conversation_id"`
		Limit          int    `query:"limit"`
		Offset         int    `query:"offset"`
	}) (*MemoriesResponse, error) {
		mems, err := s.engine.ListMemories(ctx, in.UserID, store.ListFilter{
			ConversationID: in.ConversationID,
			Limit:          in.Limit,
			Offset:         in.Offset,
		})
		if err != nil {
			return nil, apiError(err)
		}

		resp := &MemoriesResponse{}
		resp.Body.Memories = make([]MemoryBody, 0, len(mems))
		for _, m := range mems {
			resp.Body.Memories = append(resp.Body.Memories, memoryBody(m))
		}
		return resp, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-insights",
		Method:      http.MethodGet,
		Path:        "/v1/insights",
		Summary:     "List a user's insights",
		Tags:        []string{"memories"},
	}, func(ctx context.Context, in *struct {
		UserID string `query:"user_id" required:"true"`
		Limit  int    `query:"limit"`
	}) (*InsightsResponse, error) {
		insights, err := s.engine.ListInsights(ctx, in.UserID, in.Limit)
		if err != nil {
			return nil, apiError(err)
		}

		resp := &InsightsResponse{}
		resp.Body.Insights = make([]InsightBody, 0, len(insights))
		for _, ins := range insights {
			resp.Body.Insights = append(resp.Body.Insights, InsightBody{
				ID:         ins.ID,
				Content:    ins.Content,
				Supporting: ins.Supporting,
				CreatedAt:  ins.CreatedAt,
			})
		}
		return resp, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-pinned",
		Method:      http.MethodPost,
		Path:        "/v1/memories/{id}/pin",
		Summary:     "Pin or unpin a memory",
		Tags:        []string{"memories"},
	}, func(ctx context.Context, in *struct {
		ID   string `path:"id"`
		Body struct {
			UserID string `json:"user_id" minLength:"1"`
			Pinned bool   `json:"pinned"`
		}
	}) (*OKResponse, error) {
		if err := s.engine.SetPinned(ctx, in.Body.UserID, in.ID, in.Body.Pinned); err != nil {
			return nil, apiError(err)
		}
		resp := &OKResponse{}
		resp.Body.OK = true
		return resp, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "mark-bad",
		Method:      http.MethodPost,
		Path:        "/v1/memories/{id}/bad",
		Summary:     "Exclude a memory from retrieval",
		Tags:        []string{"memories"},
	}, func(ctx context.Context, in *struct {
		ID   string `path:"id"`
		Body struct {
			UserID string `json:"user_id" minLength:"1"`
		}
	}) (*OKResponse, error) {
		if err := s.engine.MarkBad(ctx, in.Body.UserID, in.ID); err != nil {
			return nil, apiError(err)
		}
		resp := &OKResponse{}
		resp.Body.OK = true
		return resp, nil
	})
}

func taskBody(t task.Task) TaskBody {
	body := TaskBody{
		ID:             t.ID,
		Kind:           string(t.Kind),
		UserID:         t.UserID,
		ConversationID: t.ConversationID,
		Status:         string(t.Status),
		SubmittedAt:    t.SubmittedAt,
		Result:         t.Result,
		Error:          t.Error,
	}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		body.StartedAt = &started
	}
	if !t.FinishedAt.IsZero() {
		finished := t.FinishedAt
		body.FinishedAt = &finished
	}
	return body
}

func memoryBody(m *store.Memory) MemoryBody {
	return MemoryBody{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Text:           m.Text,
		Type:           string(m.Type),
		Importance:     m.Importance,
		Confidence:     m.Confidence,
		Bad:            m.Bad,
		Pinned:         m.Pinned,
		Embedded:       m.Embedding != nil,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
