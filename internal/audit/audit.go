// SPDX-License-Identifier: MIT

package audit

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/presenthq/agent-core/internal/log"
)

// EventType classifies audit events.
type EventType string

const (
	EventTaskCancel     EventType = "task.cancel"
	EventTaskRequeue    EventType = "task.requeue"
	EventConfigReload   EventType = "config.reload"
	EventRetentionSweep EventType = "retention.sweep"
	EventOverviewAccess EventType = "overview.access"
	EventRateLimit      EventType = "api.ratelimit"
)

// Event is one structured audit record: who did what to which resource.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	Result    string            `json:"result"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Logger emits audit events on a dedicated component so they can be routed
// separately from operational logs.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates the audit emitter.
func NewLogger() *Logger {
	return &Logger{
		logger: log.WithComponent("audit").With().
			Str("log_type", "audit").
			Logger(),
	}
}

// Log writes one audit event.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	logEvent := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Str("result", event.Result)

	if event.RequestID != "" {
		logEvent.Str("request_id", event.RequestID)
	}
	for key, value := range event.Details {
		logEvent.Str(key, value)
	}

	logEvent.Msg("audit event")
}

// TaskCancel logs a cancellation request against a task.
func (l *Logger) TaskCancel(actor, taskID string, cancelled bool) {
	result := "noop"
	if cancelled {
		result = "success"
	}
	l.Log(Event{
		Type:     EventTaskCancel,
		Actor:    actor,
		Action:   "cancelled task",
		Resource: taskID,
		Result:   result,
	})
}

// TaskRequeue logs an operator requeue of a terminal task.
func (l *Logger) TaskRequeue(actor, taskID string) {
	l.Log(Event{
		Type:     EventTaskRequeue,
		Actor:    actor,
		Action:   "requeued task",
		Resource: taskID,
		Result:   "success",
	})
}

// OverviewAccess logs an overview read with non-default filters.
func (l *Logger) OverviewAccess(actor string, window time.Duration) {
	l.Log(Event{
		Type:     EventOverviewAccess,
		Actor:    actor,
		Action:   "read overview",
		Resource: "overview",
		Result:   "success",
		Details:  map[string]string{"window": window.String()},
	})
}

// ConfigReload logs a configuration reload.
func (l *Logger) ConfigReload(actor, result string, details map[string]string) {
	l.Log(Event{
		Type:     EventConfigReload,
		Actor:    actor,
		Action:   "reloaded configuration",
		Resource: "config",
		Result:   result,
		Details:  details,
	})
}

// RetentionSweep logs one sweep of expired telemetry rows.
func (l *Logger) RetentionSweep(deleted int64, duration time.Duration) {
	l.Log(Event{
		Type:     EventRetentionSweep,
		Actor:    "system",
		Action:   "swept expired telemetry",
		Resource: "replay",
		Result:   "success",
		Details: map[string]string{
			"deleted":     strconv.FormatInt(deleted, 10),
			"duration_ms": strconv.FormatInt(duration.Milliseconds(), 10),
		},
	})
}

// RateLimitExceeded logs a rejected dispatch.
func (l *Logger) RateLimitExceeded(remoteAddr, endpoint string) {
	l.Log(Event{
		Type:     EventRateLimit,
		Actor:    remoteAddr,
		Action:   "rate limit exceeded",
		Resource: endpoint,
		Result:   "denied",
	})
}
