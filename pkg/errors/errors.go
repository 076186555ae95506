// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeStoreMemoryNotFound       Code = "store.memory.get.not_found"
	CodeStoreMemoryInsertConflict Code = "store.memory.insert.conflict"
	CodeStoreConversationNotFound Code = "store.conversation.get.not_found"
	CodeStoreSummaryNotFound      Code = "store.summary.get.not_found"
	CodeStoreInvalidInput         Code = "store.invalid_input"
	CodeStoreDatabaseTransient    Code = "store.database.transient"
	CodeStoreDatabaseFatal        Code = "store.database.fatal"
	CodeStoreDimensionMismatch    Code = "store.vector.dimension.fatal"

	CodeEmbedderUpstreamTransient Code = "embedder.upstream.transient"
	CodeEmbedderBatchPartial      Code = "embedder.batch.partial"
	CodeEmbedderConfigFatal       Code = "embedder.config.fatal"

	CodeCompletionUpstreamTransient Code = "completion.upstream.transient"
	CodeCompletionResponseInvalid   Code = "completion.response.invalid"
	CodeCompletionConfigFatal       Code = "completion.config.fatal"

	CodeSecurityUnsafe     Code = "security.validate.unsafe"
	CodeSecurityTagInvalid Code = "security.context_tag.invalid"

	CodeTaskQueueOverload  Code = "task.queue.overload"
	CodeTaskNotFound       Code = "task.get.not_found"
	CodeTaskCancelled      Code = "task.run.cancelled"
	CodeTaskKindInvalid    Code = "task.kind.invalid"
	CodeTaskRetryExhausted Code = "task.retry.exhausted"

	CodeEngineInvalidInput Code = "engine.request.invalid_input"
	CodeEngineDegraded     Code = "engine.retrieval.degraded"

	CodeConfigLoadFailure    Code = "config.load.failure"
	CodeConfigInvalidValue   Code = "config.validate.invalid_value"
	CodeServerRequestInvalid Code = "server.request.invalid_input"
	CodeServerInternal       Code = "server.internal.failure"

	CodeCLIInputInvalid  Code = "cli.input.invalid_input"
	CodeCLISetupFailure  Code = "cli.setup.failure"
	CodeCLIServerFailure Code = "cli.server.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldUserID(value string) Attr {
	return Field("user_id", value)
}

func FieldConversationID(value string) Attr {
	return Field("conversation_id", value)
}

func FieldMemoryID(value string) Attr {
	return Field("memory_id", value)
}

func FieldTaskID(value string) Attr {
	return Field("task_id", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternal
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value"
}

// IsUnsafe reports whether the validator refused the content.
func IsUnsafe(err error) bool {
	return reason(CodeOf(err)) == "unsafe"
}

// IsTransient reports whether the error is retryable: upstream timeouts,
// 5xx responses, SQLITE_BUSY, and similar recoverable conditions.
func IsTransient(err error) bool {
	return reason(CodeOf(err)) == "transient"
}

// IsFatal reports whether the error must not be retried: schema errors,
// dimension mismatches, malformed persisted data, misconfiguration.
func IsFatal(err error) bool {
	return reason(CodeOf(err)) == "fatal"
}

func IsOverload(err error) bool {
	return reason(CodeOf(err)) == "overload"
}

func IsCancelled(err error) bool {
	return reason(CodeOf(err)) == "cancelled"
}

func IsRetryExhausted(err error) bool {
	return reason(CodeOf(err)) == "exhausted"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err), IsUnsafe(err):
		return http.StatusBadRequest
	case IsOverload(err):
		return http.StatusTooManyRequests
	case IsCancelled(err):
		return http.StatusRequestTimeout
	case IsTransient(err), IsRetryExhausted(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternal).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
