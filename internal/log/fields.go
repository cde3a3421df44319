// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Correlation fields
	FieldRequestID   = "request_id"
	FieldTraceID     = "trace_id"
	FieldIntentID    = "intent_id"
	FieldExecutionID = "execution_id"
	FieldTaskID      = "task_id"
	FieldRoom        = "room"

	// Queue fields
	FieldTask        = "task"
	FieldStatus      = "status"
	FieldAttempt     = "attempt"
	FieldLeaseToken  = "lease_token"
	FieldResourceKey = "resource_key"
	FieldWorkerID    = "worker_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
)
