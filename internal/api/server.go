// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface of the agent core: dispatch, task
// reads, cancellation and the operational overview.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/presenthq/agent-core/internal/audit"
	"github.com/presenthq/agent-core/internal/budget"
	"github.com/presenthq/agent-core/internal/dedupe"
	"github.com/presenthq/agent-core/internal/log"
	"github.com/presenthq/agent-core/internal/queue"
)

// Canceller cancels a task cooperatively. Implemented by the worker; tests
// stub it.
type Canceller interface {
	Cancel(ctx context.Context, id string) (bool, error)
}

// Options configures the HTTP surface.
type Options struct {
	// RatePerMinute bounds dispatch requests per client IP. Zero disables
	// the limiter.
	RatePerMinute int
	Version       string
}

// Server holds the handler dependencies.
type Server struct {
	queue     *queue.Queue
	canceller Canceller
	reporter  *audit.Reporter
	opsLog    *audit.OpsLog
	auditLog  *audit.Logger
	dispatch  dedupe.Cache
	budget    *budget.Limiter
	opts      Options
	logger    zerolog.Logger
	startTime time.Time
}

// New assembles a server. reporter, opsLog, dispatch and budget may be nil;
// the corresponding surface degrades rather than failing.
func New(q *queue.Queue, c Canceller, reporter *audit.Reporter, opsLog *audit.OpsLog, dispatch dedupe.Cache, bud *budget.Limiter, opts Options) *Server {
	return &Server{
		queue:     q,
		canceller: c,
		reporter:  reporter,
		opsLog:    opsLog,
		auditLog:  audit.NewLogger(),
		dispatch:  dispatch,
		budget:    bud,
		opts:      opts,
		logger:    log.WithComponent("api"),
		startTime: time.Now(),
	}
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(tracing("agent-core"))
	r.Use(log.Middleware())

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.opts.RatePerMinute > 0 {
			r.Use(httprate.Limit(
				s.opts.RatePerMinute,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					s.auditLog.RateLimitExceeded(r.RemoteAddr, r.URL.Path)
					w.Header().Set("Retry-After", "60")
					writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many dispatch requests")
				}),
			))
		}
		r.Post("/steward/run", s.handleRun)
	})

	r.Get("/tasks/{id}", s.handleGetTask)
	r.Post("/tasks/{id}/cancel", s.handleCancelTask)
	r.Post("/tasks/{id}/requeue", s.handleRequeueTask)
	r.Get("/rooms/{room}/tasks", s.handleRoomTasks)
	r.Get("/ops/overview", s.handleOverview)
	r.Get("/ops/audit", s.handleOpsAudit)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.opts.Version,
		"uptimeSec": int(time.Since(s.startTime).Seconds()),
	})
}
