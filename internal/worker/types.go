// SPDX-License-Identifier: MIT

// Package worker runs the lease-based worker fleet: claiming, dispatching to
// registered handlers, lease renewal, cooperative cancellation, retry with
// backoff and heartbeat publishing.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/presenthq/agent-core/internal/budget"
	"github.com/presenthq/agent-core/internal/followup"
	"github.com/presenthq/agent-core/internal/queue"
	"github.com/presenthq/agent-core/internal/replay"
)

// Env is the ambient surface a handler may use: follow-up scheduling, replay
// telemetry, cost budgets and a correlation-annotated logger.
type Env struct {
	Followups *followup.Scheduler
	Replay    *replay.Recorder
	Budget    *budget.Limiter
	Logger    zerolog.Logger
}

// Result is a handler's report. A nil Result with a nil error means plain
// success. Warnings are retained on the task row even when it succeeds.
type Result struct {
	Result   json.RawMessage
	Warnings []string
}

// Handler executes one task. It must observe ctx cancellation promptly, must
// not retry on its own, and must emit follow-ups via env before returning.
type Handler interface {
	Handle(ctx context.Context, t *queue.Task, env *Env) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, t *queue.Task, env *Env) (*Result, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, t *queue.Task, env *Env) (*Result, error) {
	return f(ctx, t, env)
}

// FatalError marks a non-recoverable handler failure: the task finalizes as
// failed with no retry.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps an error as non-recoverable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// TransientError marks a recoverable failure: the task is requeued with
// backoff, honoring an optional retry-after hint.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps an error as recoverable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// TransientAfter wraps an error as recoverable with an explicit retry delay.
func TransientAfter(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, RetryAfter: retryAfter}
}

// classify decides the retry class of a handler error. Budget errors are
// transient with the breaker's hint; unwrapped errors default to transient,
// matching the at-least-once contract.
func classify(err error) (fatal bool, retryAfter time.Duration) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return true, 0
	}
	var te *TransientError
	if errors.As(err, &te) {
		return false, te.RetryAfter
	}
	if after, ok := budget.RetryAfter(err); ok {
		return false, after
	}
	return false, 0
}
