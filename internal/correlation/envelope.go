// SPDX-License-Identifier: MIT

// Package correlation defines the envelope of identifiers that every task,
// handler invocation and telemetry event carries: request, trace, intent,
// execution, idempotency and lock identifiers.
package correlation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Envelope carries the correlation identifiers of one unit of work. It is
// merged into task params at enqueue time and mirrored into indexed columns.
type Envelope struct {
	RequestID      string `json:"requestId,omitempty"`
	TraceID        string `json:"traceId,omitempty"`
	IntentID       string `json:"intentId,omitempty"`
	ExecutionID    string `json:"executionId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	LockKey        string `json:"lockKey,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
}

// ErrBlankRequestID is returned when a caller supplies a request id that is
// empty or whitespace only.
var ErrBlankRequestID = errors.New("correlation: blank request id")

// NewRequestID mints a fresh globally unique request id.
func NewRequestID() string {
	return "req-" + uuid.NewString()
}

// NewTraceID mints a fresh trace id.
func NewTraceID() string {
	return "trace-" + uuid.NewString()
}

// NewExecutionID mints an id for one orchestration invocation.
func NewExecutionID() string {
	return "exec-" + uuid.NewString()
}

// Validate checks that explicitly supplied identifiers are well formed.
// Absent identifiers are fine; blank ones are not.
func (e Envelope) Validate() error {
	if e.RequestID != "" && strings.TrimSpace(e.RequestID) == "" {
		return ErrBlankRequestID
	}
	return nil
}

// Scope returns the identifier that best names the semantic scope of this
// envelope: intent first, then trace, then request.
func (e Envelope) Scope() string {
	switch {
	case e.IntentID != "":
		return e.IntentID
	case e.TraceID != "":
		return e.TraceID
	default:
		return e.RequestID
	}
}

// MergeInto folds the envelope into a params object, keeping any identifier
// the params already carry. The returned map is a shallow copy.
func (e Envelope) MergeInto(params map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(params)+7)
	for k, v := range params {
		out[k] = v
	}
	setIfAbsent := func(key, val string) {
		if val == "" {
			return
		}
		if _, ok := out[key]; ok {
			return
		}
		b, _ := json.Marshal(val)
		out[key] = b
	}
	setIfAbsent("requestId", e.RequestID)
	setIfAbsent("traceId", e.TraceID)
	setIfAbsent("intentId", e.IntentID)
	setIfAbsent("executionId", e.ExecutionID)
	setIfAbsent("idempotencyKey", e.IdempotencyKey)
	setIfAbsent("lockKey", e.LockKey)
	if e.Attempt > 0 {
		if _, ok := out["attempt"]; !ok {
			b, _ := json.Marshal(e.Attempt)
			out["attempt"] = b
		}
	}
	return out
}

// FromParams reconstructs an envelope from a params object. Unknown or
// malformed fields are ignored; the queue core never trusts params shape.
func FromParams(params map[string]json.RawMessage) Envelope {
	var e Envelope
	str := func(key string) string {
		raw, ok := params[key]
		if !ok {
			return ""
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	e.RequestID = str("requestId")
	e.TraceID = str("traceId")
	e.IntentID = str("intentId")
	e.ExecutionID = str("executionId")
	e.IdempotencyKey = str("idempotencyKey")
	e.LockKey = str("lockKey")
	if raw, ok := params["attempt"]; ok {
		_ = json.Unmarshal(raw, &e.Attempt)
	}
	return e
}

// TaskFamily returns the prefix of a task name before the first dot, e.g.
// "canvas" for "canvas.agent_prompt".
func TaskFamily(task string) string {
	if i := strings.IndexByte(task, '.'); i > 0 {
		return task[:i]
	}
	return task
}

// DeriveDefaultLockKey picks the resource key a task defends when the caller
// did not name one. Preference order: explicit lock key, widget instance,
// widget type, then the task-family scope of the room.
func DeriveDefaultLockKey(task, room string, env Envelope, params map[string]json.RawMessage) string {
	if env.LockKey != "" {
		return env.LockKey
	}
	str := func(key string) string {
		raw, ok := params[key]
		if !ok {
			return ""
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	if id := str("componentId"); id != "" {
		return "widget:" + id
	}
	if typ := str("componentType"); typ != "" {
		return "widget-type:" + typ
	}
	switch TaskFamily(task) {
	case "canvas":
		return fmt.Sprintf("room:%s:canvas", room)
	case "search":
		return fmt.Sprintf("room:%s:search", room)
	case "scorecard":
		return fmt.Sprintf("room:%s:scorecard", room)
	default:
		return "room:" + room
	}
}
