// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/presenthq/agent-core/internal/budget"
	"github.com/presenthq/agent-core/internal/correlation"
	"github.com/presenthq/agent-core/internal/log"
	"github.com/presenthq/agent-core/internal/queue"
	"github.com/presenthq/agent-core/internal/telemetry"
)

// runRequest is the dispatch body for POST /steward/run.
type runRequest struct {
	Task           string                     `json:"task"`
	Room           string                     `json:"room"`
	Params         map[string]json.RawMessage `json:"params"`
	Priority       int                        `json:"priority"`
	RunAt          *time.Time                 `json:"runAt,omitempty"`
	RequestID      string                     `json:"requestId,omitempty"`
	TraceID        string                     `json:"traceId,omitempty"`
	DedupeKey      string                     `json:"dedupeKey,omitempty"`
	ResourceKeys   []string                   `json:"resourceKeys,omitempty"`
	RequireTraceID bool                       `json:"requireTraceId,omitempty"`
}

// taskView is the external rendering of a task. Lease internals stay private.
type taskView struct {
	ID           string          `json:"id"`
	Room         string          `json:"room"`
	Task         string          `json:"task"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	Attempt      int             `json:"attempt"`
	RunAt        *time.Time      `json:"runAt,omitempty"`
	Error        string          `json:"error,omitempty"`
	RequestID    string          `json:"requestId,omitempty"`
	TraceID      string          `json:"traceId,omitempty"`
	ResourceKeys []string        `json:"resourceKeys,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func viewOf(t *queue.Task) taskView {
	return taskView{
		ID:           t.ID,
		Room:         t.Room,
		Task:         t.Task,
		Status:       string(t.Status),
		Priority:     t.Priority,
		Attempt:      t.Attempt,
		RunAt:        t.RunAt,
		Error:        t.Error,
		RequestID:    t.RequestID,
		TraceID:      t.TraceID,
		ResourceKeys: t.ResourceKeys,
		Result:       t.Result,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "api")

	var req runRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Task == "" || req.Room == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "task and room are required")
		return
	}

	family := correlation.TaskFamily(req.Task)
	if s.budget != nil {
		if err := s.budget.Take(family); err != nil {
			var ex *budget.ExceededError
			if errors.As(err, &ex) {
				w.Header().Set("Retry-After", strconv.Itoa(ex.RetryAfterSec))
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":         "budget_exceeded",
					"family":        ex.Family,
					"retryAfterSec": ex.RetryAfterSec,
				})
				return
			}
			writeInternal(w, err)
			return
		}
	}

	// Callers that skip request ids get the short-horizon dispatch cache as
	// a duplicate signal. It never blocks the dispatch.
	duplicateDispatch := false
	if s.dispatch != nil && req.RequestID == "" {
		seen, err := s.dispatch.Seen(r.Context(), req.Room, family)
		if err != nil {
			logger.Warn().Err(err).Msg("dispatch dedupe cache unavailable")
		} else if seen {
			duplicateDispatch = true
			logger.Warn().
				Str(log.FieldRoom, req.Room).
				Str(log.FieldTask, req.Task).
				Msg("duplicate dispatch within dedupe window")
		}
	}

	start := time.Now()
	t, err := s.queue.Enqueue(r.Context(), queue.EnqueueInput{
		Room:           req.Room,
		Task:           req.Task,
		Params:         req.Params,
		RequestID:      req.RequestID,
		TraceID:        req.TraceID,
		DedupeKey:      req.DedupeKey,
		ResourceKeys:   req.ResourceKeys,
		Priority:       req.Priority,
		RunAt:          req.RunAt,
		RequireTraceID: req.RequireTraceID,
	})
	if err != nil {
		s.writeEnqueueError(w, err)
		return
	}

	deduplicated := t.CreatedAt.Before(start)
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(telemetry.TaskAttributes(t.ID, t.Task, family, t.Room, t.Priority)...)
	span.SetAttributes(telemetry.CorrelationAttributes(t.RequestID, t.TraceID, "")...)
	span.SetAttributes(telemetry.DispatchAttributes(deduplicated, duplicateDispatch)...)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task":              viewOf(t),
		"deduplicated":      deduplicated,
		"duplicateDispatch": duplicateDispatch,
	})
}

func (s *Server) writeEnqueueError(w http.ResponseWriter, err error) {
	var traceRequired *queue.TraceIDRequiredError
	var columnRequired *queue.TraceIDColumnRequiredError
	switch {
	case errors.Is(err, correlation.ErrBlankRequestID):
		writeError(w, http.StatusBadRequest, "blank_request_id", err.Error())
	case errors.As(err, &traceRequired):
		writeError(w, http.StatusBadRequest, "TRACE_ID_REQUIRED", err.Error())
	case errors.As(err, &columnRequired):
		writeError(w, http.StatusServiceUnavailable, "trace_id_column_missing", err.Error())
	default:
		writeInternal(w, err)
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeNotFound(w)
			return
		}
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) handleRoomTasks(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	status := queue.Status(r.URL.Query().Get("status"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be in [1,500]")
			return
		}
		limit = n
	}

	tasks, err := s.queue.Store().ListByRoom(r.Context(), room, status, limit)
	if err != nil {
		writeInternal(w, err)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewOf(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := log.WithComponentFromContext(r.Context(), "api")

	cancelled, err := s.canceller.Cancel(r.Context(), id)
	if err != nil {
		writeInternal(w, err)
		return
	}

	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "api"
	}
	s.auditLog.TaskCancel(actor, id, cancelled)
	if s.opsLog != nil {
		detail := fmt.Sprintf("cancelled=%t", cancelled)
		if err := s.opsLog.Append(r.Context(), actor, "task.cancel", id, detail); err != nil {
			logger.Warn().Err(err).Msg("ops audit append failed")
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": cancelled})
}

func (s *Server) handleRequeueTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := log.WithComponentFromContext(r.Context(), "api")

	ok, err := s.queue.RequeueTerminal(r.Context(), id)
	if err != nil {
		writeInternal(w, err)
		return
	}
	if !ok {
		if _, err := s.queue.Get(r.Context(), id); errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task_not_found", "no such task")
			return
		}
		writeError(w, http.StatusConflict, "not_requeueable", "only failed or cancelled tasks can be requeued")
		return
	}

	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "api"
	}
	s.auditLog.TaskRequeue(actor, id)
	if s.opsLog != nil {
		if err := s.opsLog.Append(r.Context(), actor, "task.requeue", id, "requeued from terminal state"); err != nil {
			logger.Warn().Err(err).Msg("ops audit append failed")
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "requeued": true})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if s.reporter == nil {
		writeError(w, http.StatusServiceUnavailable, "overview_unavailable", "reporter not configured")
		return
	}
	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > 30*24*time.Hour {
			writeError(w, http.StatusBadRequest, "invalid_window", "window must be a positive duration up to 720h")
			return
		}
		window = d
	}

	if window != time.Hour {
		actor := r.Header.Get("X-Actor")
		if actor == "" {
			actor = "api"
		}
		s.auditLog.OverviewAccess(actor, window)
		if s.opsLog != nil {
			detail := fmt.Sprintf("window=%s", window)
			if err := s.opsLog.Append(r.Context(), actor, "overview.read", "overview", detail); err != nil {
				logger := log.WithComponentFromContext(r.Context(), "api")
				logger.Warn().Err(err).Msg("ops audit append failed")
			}
		}
	}

	ov, err := s.reporter.Overview(r.Context(), window)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (s *Server) handleOpsAudit(w http.ResponseWriter, r *http.Request) {
	if s.opsLog == nil {
		writeError(w, http.StatusServiceUnavailable, "audit_unavailable", "ops log not configured")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be in [1,500]")
			return
		}
		limit = n
	}
	entries, err := s.opsLog.Recent(r.Context(), limit)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
