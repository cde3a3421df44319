// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the agent core.
const (
	// Task attributes
	TaskIDKey       = "task.id"
	TaskNameKey     = "task.name"
	TaskFamilyKey   = "task.family"
	TaskRoomKey     = "task.room"
	TaskStatusKey   = "task.status"
	TaskAttemptKey  = "task.attempt"
	TaskPriorityKey = "task.priority"

	// Correlation attributes
	RequestIDKey = "correlation.request_id"
	TraceIDKey   = "correlation.trace_id"
	IntentIDKey  = "correlation.intent_id"

	// Dispatch attributes
	DispatchDedupedKey   = "dispatch.deduplicated"
	DispatchDuplicateKey = "dispatch.duplicate_signal"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// TaskAttributes creates the span attributes of one task dispatch.
func TaskAttributes(id, name, family, room string, priority int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(TaskIDKey, id),
		attribute.String(TaskNameKey, name),
		attribute.String(TaskFamilyKey, family),
		attribute.String(TaskRoomKey, room),
		attribute.Int(TaskPriorityKey, priority),
	}
}

// ExecutionAttributes creates the span attributes of one handler run.
func ExecutionAttributes(id, name, status string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(TaskIDKey, id),
		attribute.String(TaskNameKey, name),
		attribute.String(TaskStatusKey, status),
		attribute.Int(TaskAttemptKey, attempt),
	}
}

// CorrelationAttributes creates span attributes for the request envelope.
// Empty ids are omitted.
func CorrelationAttributes(requestID, traceID, intentID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if requestID != "" {
		attrs = append(attrs, attribute.String(RequestIDKey, requestID))
	}
	if traceID != "" {
		attrs = append(attrs, attribute.String(TraceIDKey, traceID))
	}
	if intentID != "" {
		attrs = append(attrs, attribute.String(IntentIDKey, intentID))
	}
	return attrs
}

// DispatchAttributes creates span attributes for the dedupe outcome of one
// dispatch call.
func DispatchAttributes(deduplicated, duplicateSignal bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(DispatchDedupedKey, deduplicated),
		attribute.Bool(DispatchDuplicateKey, duplicateSignal),
	}
}

// ErrorAttributes creates common error span attributes.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
