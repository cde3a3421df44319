// SPDX-License-Identifier: MIT

// Package audit produces operator-facing summaries of queue, worker and
// telemetry state, and records privileged actions in an append-only log.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/presenthq/agent-core/internal/log"
	"github.com/presenthq/agent-core/internal/metrics"
	"github.com/presenthq/agent-core/internal/queue"
	"github.com/presenthq/agent-core/internal/replay"
	"github.com/presenthq/agent-core/internal/worker"
)

// Overview is the point-in-time operational summary.
type Overview struct {
	Window      string            `json:"window"`
	GeneratedAt time.Time         `json:"generatedAt"`
	Tasks       TaskSummary       `json:"tasks"`
	Providers   ProviderSummary   `json:"providers"`
	Workers     []WorkerSummary   `json:"workers"`
	Degraded    map[string]string `json:"degraded,omitempty"`
}

// TaskSummary counts tasks touched inside the window, bucketed by status.
type TaskSummary struct {
	ByStatus        map[string]int `json:"byStatus"`
	OldestQueuedSec float64        `json:"oldestQueuedSec"`
}

// ProviderSummary reports model/provider traffic from the trace stream.
type ProviderSummary struct {
	Mix      map[string]int `json:"mix"`
	Failures map[string]int `json:"failures"`
}

// WorkerSummary is one worker heartbeat with its derived health.
type WorkerSummary struct {
	WorkerID    string    `json:"workerId"`
	Host        string    `json:"host"`
	Version     string    `json:"version,omitempty"`
	Health      string    `json:"health"`
	ActiveTasks int       `json:"activeTasks"`
	QueueLagMS  int64     `json:"queueLagMs"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Reporter assembles overviews from the underlying stores. Each section
// degrades independently: a failing source yields an entry in Degraded
// instead of failing the whole report.
type Reporter struct {
	tasks      *queue.Store
	traces     *replay.Store
	heartbeats *worker.HeartbeatStore
	logger     zerolog.Logger
	clock      func() time.Time
}

func NewReporter(tasks *queue.Store, traces *replay.Store, heartbeats *worker.HeartbeatStore) *Reporter {
	return &Reporter{
		tasks:      tasks,
		traces:     traces,
		heartbeats: heartbeats,
		logger:     log.WithComponent("audit"),
		clock:      time.Now,
	}
}

// Overview builds the summary for the trailing window.
func (r *Reporter) Overview(ctx context.Context, window time.Duration) (*Overview, error) {
	if window <= 0 {
		window = time.Hour
	}
	now := r.clock()
	since := now.Add(-window)

	out := &Overview{
		Window:      window.String(),
		GeneratedAt: now.UTC(),
		Tasks:       TaskSummary{ByStatus: map[string]int{}},
		Providers:   ProviderSummary{Mix: map[string]int{}, Failures: map[string]int{}},
		Degraded:    map[string]string{},
	}

	counts, err := r.tasks.CountByStatus(ctx, since)
	if err != nil {
		out.Degraded["tasks"] = err.Error()
		r.logger.Warn().Err(err).Msg("task counts unavailable for overview")
	} else {
		for status, n := range counts {
			out.Tasks.ByStatus[string(status)] = n
			metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
		}
	}
	if age, ok, err := r.tasks.OldestQueuedAge(ctx, now); err != nil {
		out.Degraded["queueLag"] = err.Error()
	} else if ok {
		out.Tasks.OldestQueuedSec = age.Seconds()
	}

	mix, failures, ok, err := r.traces.ProviderMix(ctx, since)
	switch {
	case err != nil:
		out.Degraded["providers"] = err.Error()
		r.logger.Warn().Err(err).Msg("provider mix unavailable for overview")
	case !ok:
		out.Degraded["providers"] = "trace store schema incomplete"
	default:
		out.Providers.Mix = mix
		out.Providers.Failures = failures
	}

	if r.heartbeats != nil {
		hbs, err := r.heartbeats.List(ctx)
		if err != nil {
			out.Degraded["workers"] = err.Error()
		} else {
			out.Workers = make([]WorkerSummary, 0, len(hbs))
			for _, hb := range hbs {
				out.Workers = append(out.Workers, WorkerSummary{
					WorkerID:    hb.WorkerID,
					Host:        hb.Host,
					Version:     hb.Version,
					Health:      string(hb.Health(now)),
					ActiveTasks: hb.ActiveTasks,
					QueueLagMS:  hb.QueueLagMS,
					UpdatedAt:   hb.UpdatedAt,
				})
			}
		}
	}

	if len(out.Degraded) == 0 {
		out.Degraded = nil
	}
	return out, nil
}
