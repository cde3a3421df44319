// SPDX-License-Identifier: MIT

// Package metrics defines the prometheus collectors of the agent core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EnqueueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_enqueue_total",
		Help: "Total enqueue calls by task family and outcome (inserted, deduped, coalesced, rejected)",
	}, []string{"family", "outcome"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentcore_queue_depth",
		Help: "Tasks per status as of the last overview refresh",
	}, []string{"status"})

	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_claims_total",
		Help: "Claim attempts by outcome (claimed, lost_race, key_busy, skipped)",
	}, []string{"outcome"})

	ReclaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcore_lease_reclaims_total",
		Help: "Stale leases returned to the queue",
	})

	LeaseRenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_lease_renewals_total",
		Help: "Lease renewals by outcome (ok, lost)",
	}, []string{"outcome"})

	FinalizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_finalize_total",
		Help: "Task finalizations by terminal status",
	}, []string{"status"})

	RequeueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_requeue_total",
		Help: "Requeues by reason (yield, backoff)",
	}, []string{"reason"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentcore_handler_duration_seconds",
		Help:    "Handler execution time by task family",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"family"})

	FollowupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_followup_total",
		Help: "Follow-up enqueue attempts by outcome (enqueued, deduped, depth_exceeded)",
	}, []string{"outcome"})

	ReplayQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcore_replay_queue_length",
		Help: "Entries waiting in the in-process replay queue",
	})

	ReplayDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_replay_drops_total",
		Help: "Replay events dropped by reason (queue_full, evicted, orphaned_blob, flush_failed)",
	}, []string{"reason"})

	ReplayFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_replay_flush_total",
		Help: "Replay flush batches by outcome (ok, retried, isolated, requeued)",
	}, []string{"outcome"})

	WorkerActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcore_worker_active_tasks",
		Help: "Handler invocations currently in flight",
	})

	BudgetRejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_budget_rejects_total",
		Help: "Cost budget rejections by task family",
	}, []string{"family"})
)
