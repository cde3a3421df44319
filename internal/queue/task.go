// SPDX-License-Identifier: MIT

// Package queue implements the durable task queue: enqueue with dedupe and
// coalescing, lease-based claim, finalize, requeue and stale-lease reclaim
// over a SQLite store.
package queue

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Params is an opaque JSON object. The queue core never inspects it beyond
// the correlation envelope keys.
type Params map[string]json.RawMessage

// Task is one row of the durable queue.
type Task struct {
	ID           string
	Room         string
	Task         string
	Params       Params
	Status       Status
	Priority     int
	RunAt        *time.Time
	Attempt      int
	Error        string
	RequestID    string
	TraceID      string
	DedupeKey    string
	ResourceKeys []string
	LeaseToken   string
	LeaseExpires *time.Time
	Result       json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Eligible reports whether the task may be claimed at the given instant.
func (t *Task) Eligible(now time.Time) bool {
	if t.Status != StatusQueued {
		return false
	}
	return t.RunAt == nil || !t.RunAt.After(now)
}

// EnqueueInput is the request shape of Queue.Enqueue.
type EnqueueInput struct {
	Room           string
	Task           string
	Params         Params
	RequestID      string
	TraceID        string
	DedupeKey      string
	ResourceKeys   []string
	Priority       int
	RunAt          *time.Time
	RequireTraceID bool
}

// ClaimInput is the request shape of Queue.Claim.
type ClaimInput struct {
	WorkerID         string
	RuntimeScope     string
	LeaseTTL         time.Duration
	SkipResourceKeys []string
	Limit            int
}

// CompleteInput finalizes a claimed task.
type CompleteInput struct {
	Status Status
	Result json.RawMessage
	Error  string
}

// RequeueInput returns a claimed task to the queue without bumping attempt.
type RequeueInput struct {
	RunAt        *time.Time
	ResourceKeys []string
}

// CoalescePolicy decides which task families coalesce queued work by
// (task, room). It is a registered policy, never hard-coded task names.
type CoalescePolicy func(task string) bool

// CoalesceSet builds a policy from an explicit set of task names.
func CoalesceSet(tasks ...string) CoalescePolicy {
	set := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		set[t] = struct{}{}
	}
	return func(task string) bool {
		_, ok := set[task]
		return ok
	}
}
