// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/presenthq/agent-core/internal/arbiter"
	"github.com/presenthq/agent-core/internal/correlation"
	"github.com/presenthq/agent-core/internal/log"
	"github.com/presenthq/agent-core/internal/metrics"
)

// Options tunes queue behavior.
type Options struct {
	// Coalesce decides which task families merge queued work by (task, room).
	Coalesce CoalescePolicy
	// TranscriptWindow bounds how old a queued row may be and still absorb a
	// coalescing caller. Older rows get a fresh sibling instead.
	TranscriptWindow time.Duration
	// AgeBonus is the queue-age credit applied to priority at claim time.
	AgeBonus time.Duration
	// MaxStarvationTTL is the hard bound after which an eligible task claims
	// ahead of any priority.
	MaxStarvationTTL time.Duration
	// Clock allows tests to control time.
	Clock func() time.Time
}

// Queue is the durable task queue. It owns dedupe, coalescing, claim and
// finalize semantics; durability lives in the Store, in-process key
// exclusivity in the Arbiter.
type Queue struct {
	store   *Store
	arbiter *arbiter.Arbiter
	opts    Options
	logger  zerolog.Logger
}

// New assembles a queue over an opened store.
func New(store *Store, arb *arbiter.Arbiter, opts Options) *Queue {
	if opts.Coalesce == nil {
		opts.Coalesce = func(string) bool { return false }
	}
	if opts.TranscriptWindow <= 0 {
		opts.TranscriptWindow = 20 * time.Second
	}
	if opts.AgeBonus <= 0 {
		opts.AgeBonus = 30 * time.Second
	}
	if opts.MaxStarvationTTL <= 0 {
		opts.MaxStarvationTTL = 10 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if arb == nil {
		arb = arbiter.New()
	}
	return &Queue{
		store:   store,
		arbiter: arb,
		opts:    opts,
		logger:  log.WithComponent("queue"),
	}
}

// Store exposes the underlying adapter for read models and tests.
func (q *Queue) Store() *Store { return q.store }

// Arbiter exposes the in-process resource arbiter.
func (q *Queue) Arbiter() *arbiter.Arbiter { return q.arbiter }

// Enqueue persists a task, applying request-id dedupe, optional coalescing
// and conflict-to-existing fallback. The returned task is the persisted row,
// which may be an existing one.
func (q *Queue) Enqueue(ctx context.Context, in EnqueueInput) (*Task, error) {
	now := q.opts.Clock()
	family := correlation.TaskFamily(in.Task)

	if in.RequestID != "" && strings.TrimSpace(in.RequestID) == "" {
		metrics.EnqueueTotal.WithLabelValues(family, "rejected").Inc()
		return nil, correlation.ErrBlankRequestID
	}

	env := correlation.FromParams(in.Params)
	if in.RequestID != "" {
		env.RequestID = in.RequestID
	}
	if in.TraceID != "" {
		env.TraceID = in.TraceID
	}

	// Dedupe pre-check: an active row with the same request id wins, with no
	// insert and no attempt bump.
	if env.RequestID != "" {
		existing, err := q.store.FindActiveByRequestID(ctx, env.RequestID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			metrics.EnqueueTotal.WithLabelValues(family, "deduped").Inc()
			return existing, nil
		}
	}

	// Trace-id requirement.
	if in.RequireTraceID {
		if env.TraceID == "" {
			metrics.EnqueueTotal.WithLabelValues(family, "rejected").Inc()
			return nil, &TraceIDRequiredError{Task: in.Task}
		}
		if !q.store.HasTraceIDColumn() {
			metrics.EnqueueTotal.WithLabelValues(family, "rejected").Inc()
			return nil, &TraceIDColumnRequiredError{Task: in.Task}
		}
	}

	params := env.MergeInto(in.Params)

	// Dedupe-key guard: at most one active representative per (task, key).
	if in.DedupeKey != "" {
		existing, err := q.store.FindActiveByDedupeKey(ctx, in.Task, in.DedupeKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			metrics.EnqueueTotal.WithLabelValues(family, "deduped").Inc()
			return existing, nil
		}
	}

	// Coalesce: merge into the most recent queued sibling, newest caller's
	// params winning key by key. A caller-named request id gets its own row:
	// merging would leave the id out of the indexed column and a retry with
	// that id would insert a duplicate.
	if q.opts.Coalesce(in.Task) && env.RequestID == "" {
		target, err := q.store.FindCoalesceTarget(ctx, in.Task, in.Room, in.DedupeKey, now.Add(-q.opts.TranscriptWindow))
		if err != nil {
			return nil, err
		}
		if target != nil {
			merged := make(Params, len(target.Params)+len(params))
			for k, v := range target.Params {
				merged[k] = v
			}
			for k, v := range params {
				merged[k] = v
			}
			updated, err := q.store.MergeCoalesce(ctx, target.ID, merged, now)
			if err != nil {
				return nil, err
			}
			if updated != nil {
				metrics.EnqueueTotal.WithLabelValues(family, "coalesced").Inc()
				q.logger.Debug().
					Str(log.FieldTask, in.Task).
					Str(log.FieldRoom, in.Room).
					Str(log.FieldTaskID, updated.ID).
					Msg("coalesced into queued task")
				return updated, nil
			}
			// The target was claimed between select and update; insert fresh.
		}
	}

	resourceKeys := in.ResourceKeys
	if len(resourceKeys) == 0 {
		resourceKeys = []string{correlation.DeriveDefaultLockKey(in.Task, in.Room, env, params)}
	}

	t := &Task{
		ID:           uuid.NewString(),
		Room:         in.Room,
		Task:         in.Task,
		Params:       params,
		Status:       StatusQueued,
		Priority:     in.Priority,
		RunAt:        in.RunAt,
		RequestID:    env.RequestID,
		TraceID:      env.TraceID,
		DedupeKey:    in.DedupeKey,
		ResourceKeys: resourceKeys,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	for range 2 {
		conflict, err := q.store.Insert(ctx, t)
		if err != nil {
			return nil, err
		}
		if !conflict {
			metrics.EnqueueTotal.WithLabelValues(family, "inserted").Inc()
			return t, nil
		}
		// Conflict-to-existing: a concurrent enqueue with the same request id
		// beat us to the insert.
		existing, err := q.store.FindActiveByRequestID(ctx, env.RequestID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			metrics.EnqueueTotal.WithLabelValues(family, "deduped").Inc()
			return existing, nil
		}
		// The conflicting row finalized in the gap; the insert is legal now.
	}
	return nil, fmt.Errorf("queue: enqueue for request %s kept conflicting", env.RequestID)
}

// Claim returns up to in.Limit tasks now leased by the caller. Stale leases
// in the store are reclaimed first (local-scope mode runs both scans in the
// worker loop).
func (q *Queue) Claim(ctx context.Context, in ClaimInput) ([]*Task, error) {
	now := q.opts.Clock()
	if in.Limit <= 0 {
		return nil, nil
	}
	if in.LeaseTTL <= 0 {
		in.LeaseTTL = 60 * time.Second
	}

	if err := q.ReclaimStale(ctx); err != nil {
		// Reclaim failure must not block fresh claims.
		q.logger.Warn().Err(err).Msg("stale lease reclaim failed")
	}

	skip := make(map[string]struct{}, len(in.SkipResourceKeys))
	for _, k := range in.SkipResourceKeys {
		key, _ := arbiter.ParseKey(k)
		skip[key] = struct{}{}
	}

	// Overselect: some candidates will lose on keys or on the row race.
	candidates, err := q.store.SelectClaimCandidates(ctx, now, in.Limit*4, q.opts.AgeBonus, q.opts.MaxStarvationTTL)
	if err != nil {
		return nil, err
	}

	var claimed []*Task
	for _, cand := range candidates {
		if len(claimed) >= in.Limit {
			break
		}
		if intersectsSkip(cand.ResourceKeys, skip) {
			metrics.ClaimsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		if !q.arbiter.TryAcquire(cand.ResourceKeys) {
			metrics.ClaimsTotal.WithLabelValues("key_busy").Inc()
			continue
		}

		token := uuid.NewString()
		ok, err := q.store.Claim(ctx, cand.ID, token, now.Add(in.LeaseTTL), now)
		if err != nil {
			q.arbiter.Release(cand.ResourceKeys)
			return claimed, err
		}
		if !ok {
			// Lost the row race to another claimant; move on.
			q.arbiter.Release(cand.ResourceKeys)
			metrics.ClaimsTotal.WithLabelValues("lost_race").Inc()
			continue
		}

		cand.Status = StatusRunning
		cand.LeaseToken = token
		exp := now.Add(in.LeaseTTL)
		cand.LeaseExpires = &exp
		cand.Attempt++
		claimed = append(claimed, cand)
		metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
		q.logger.Debug().
			Str(log.FieldTaskID, cand.ID).
			Str(log.FieldTask, cand.Task).
			Str(log.FieldWorkerID, in.WorkerID).
			Int(log.FieldAttempt, cand.Attempt).
			Msg("task claimed")
	}
	return claimed, nil
}

// ReclaimStale sweeps running rows whose lease deadline has passed back to
// queued, keyed on the old token so a live lease that just renewed is safe.
func (q *Queue) ReclaimStale(ctx context.Context) error {
	now := q.opts.Clock()
	stale, err := q.store.SelectStaleLeases(ctx, now, 64)
	if err != nil {
		return err
	}
	for _, t := range stale {
		ok, err := q.store.Reclaim(ctx, t.ID, t.LeaseToken, now)
		if err != nil {
			return err
		}
		if ok {
			metrics.ReclaimsTotal.Inc()
			q.logger.Warn().
				Str(log.FieldTaskID, t.ID).
				Str(log.FieldTask, t.Task).
				Int(log.FieldAttempt, t.Attempt).
				Msg("stale lease reclaimed")
		}
	}
	return nil
}

// Complete finalizes a claimed task and releases its resource keys.
func (q *Queue) Complete(ctx context.Context, t *Task, in CompleteInput) error {
	defer q.arbiter.Release(t.ResourceKeys)
	if err := q.store.Complete(ctx, t.ID, t.LeaseToken, in, q.opts.Clock()); err != nil {
		return err
	}
	metrics.FinalizeTotal.WithLabelValues(string(in.Status)).Inc()
	return nil
}

// Requeue yields a claimed task back to the queue. Attempt is untouched;
// requeue models cooperative yield (or scheduled retry), not a new claim.
func (q *Queue) Requeue(ctx context.Context, t *Task, in RequeueInput, reason string) error {
	defer q.arbiter.Release(t.ResourceKeys)
	if err := q.store.Requeue(ctx, t.ID, t.LeaseToken, in, q.opts.Clock()); err != nil {
		return err
	}
	if reason == "" {
		reason = "yield"
	}
	metrics.RequeueTotal.WithLabelValues(reason).Inc()
	return nil
}

// Renew extends the lease of a claimed task.
func (q *Queue) Renew(ctx context.Context, t *Task, ttl time.Duration) error {
	now := q.opts.Clock()
	err := q.store.RenewLease(ctx, t.ID, t.LeaseToken, now.Add(ttl), now)
	if err != nil {
		metrics.LeaseRenewalsTotal.WithLabelValues("lost").Inc()
		return err
	}
	metrics.LeaseRenewalsTotal.WithLabelValues("ok").Inc()
	return nil
}

// CancelQueued moves a queued task straight to cancelled. Running tasks are
// cancelled cooperatively by the worker runtime.
func (q *Queue) CancelQueued(ctx context.Context, id string) (bool, error) {
	return q.store.CancelQueued(ctx, id, q.opts.Clock())
}

// RequeueTerminal gives a failed or cancelled task another run. The attempt
// counter carries over; only the next claim increments it. Returns false
// when the task is not in a requeueable state.
func (q *Queue) RequeueTerminal(ctx context.Context, id string) (bool, error) {
	ok, err := q.store.RequeueTerminal(ctx, id, q.opts.Clock())
	if err != nil {
		return false, err
	}
	if ok {
		metrics.RequeueTotal.WithLabelValues("manual").Inc()
	}
	return ok, nil
}

// Get returns a task by id, or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*Task, error) {
	t, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	return t, nil
}

func intersectsSkip(keys []string, skip map[string]struct{}) bool {
	for _, raw := range keys {
		key, _ := arbiter.ParseKey(raw)
		if _, ok := skip[key]; ok {
			return true
		}
	}
	return false
}
