// SPDX-License-Identifier: MIT

// Package followup lets handlers enqueue derivative tasks with bounded depth
// and fingerprint-based dedupe, so steward loops cannot run away.
package followup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/presenthq/agent-core/internal/correlation"
	"github.com/presenthq/agent-core/internal/log"
	"github.com/presenthq/agent-core/internal/metrics"
	"github.com/presenthq/agent-core/internal/queue"
)

// depthParam is the params key carrying the follow-up depth of a task.
const depthParam = "followupDepth"

// Request describes one derivative task a handler wants enqueued.
type Request struct {
	Task            string
	Message         string
	OriginalMessage string
	Hint            string
	Reason          string
	TargetIDs       []string
	Strict          bool
	Priority        int
	Extra           queue.Params
}

// Scheduler derives follow-up tasks from a parent. Depth bounds are
// configurable per task family; fingerprints make re-emission idempotent.
type Scheduler struct {
	queue        *queue.Queue
	defaultDepth int
	familyDepth  map[string]int
	runtimeScope string
	logger       zerolog.Logger
}

// New builds a scheduler. familyDepth overrides the default max depth for
// individual task families; runtimeScope, when set, is appended to the
// resource keys of every follow-up.
func New(q *queue.Queue, defaultMaxDepth int, familyDepth map[string]int, runtimeScope string) *Scheduler {
	if defaultMaxDepth < 0 {
		defaultMaxDepth = 0
	}
	return &Scheduler{
		queue:        q,
		defaultDepth: defaultMaxDepth,
		familyDepth:  familyDepth,
		runtimeScope: runtimeScope,
		logger:       log.WithComponent("followup"),
	}
}

// MaxDepth returns the bound for a task family.
func (s *Scheduler) MaxDepth(task string) int {
	if d, ok := s.familyDepth[correlation.TaskFamily(task)]; ok {
		return d
	}
	return s.defaultDepth
}

// Depth reads the follow-up depth of a task from its params; a task without
// the marker is depth zero (it came from the outside).
func Depth(t *queue.Task) int {
	raw, ok := t.Params[depthParam]
	if !ok {
		return 0
	}
	var d int
	if err := json.Unmarshal(raw, &d); err != nil || d < 0 {
		return 0
	}
	return d
}

// Schedule enqueues one follow-up. It returns false without error when the
// depth bound rejects the request; a deduped enqueue still returns true with
// the existing row.
func (s *Scheduler) Schedule(ctx context.Context, parent *queue.Task, req Request) (bool, *queue.Task, error) {
	depth := Depth(parent) + 1
	if maxDepth := s.MaxDepth(req.Task); depth > maxDepth {
		metrics.FollowupTotal.WithLabelValues("depth_exceeded").Inc()
		s.logger.Warn().
			Str(log.FieldTask, req.Task).
			Str(log.FieldRoom, parent.Room).
			Int("depth", depth).
			Int("max_depth", maxDepth).
			Msg("follow-up rejected: depth bound")
		return false, nil, nil
	}

	env := correlation.FromParams(parent.Params)
	scope := env.Scope()
	if scope == "" {
		scope = parent.ID
	}

	fp := s.fingerprint(parent.Room, scope, depth, req)
	requestID := fmt.Sprintf("%s:d%d:%s", scope, depth, fp[:12])

	params := make(queue.Params, len(req.Extra)+8)
	for k, v := range req.Extra {
		params[k] = v
	}
	putStr := func(key, val string) {
		if val == "" {
			return
		}
		b, _ := json.Marshal(val)
		params[key] = b
	}
	putStr("message", req.Message)
	putStr("originalMessage", req.OriginalMessage)
	putStr("hint", req.Hint)
	putStr("reason", req.Reason)
	if len(req.TargetIDs) > 0 {
		b, _ := json.Marshal(req.TargetIDs)
		params["targetIds"] = b
	}
	if req.Strict {
		params["strict"] = json.RawMessage("true")
	}
	params[depthParam] = json.RawMessage(strconv.Itoa(depth))

	resourceKeys := []string{
		"canvas:followup",
		fmt.Sprintf("followup-depth:%d", depth),
		"scope:" + scope,
	}
	if s.runtimeScope != "" {
		resourceKeys = append(resourceKeys, "runtime:"+s.runtimeScope)
	}

	t, err := s.queue.Enqueue(ctx, queue.EnqueueInput{
		Room:         parent.Room,
		Task:         req.Task,
		Params:       params,
		RequestID:    requestID,
		TraceID:      env.TraceID,
		DedupeKey:    fp,
		ResourceKeys: resourceKeys,
		Priority:     req.Priority,
	})
	if err != nil {
		return false, nil, err
	}
	if t.RequestID == requestID && t.CreatedAt.Equal(t.UpdatedAt) {
		metrics.FollowupTotal.WithLabelValues("enqueued").Inc()
	} else {
		metrics.FollowupTotal.WithLabelValues("deduped").Inc()
	}
	return true, t, nil
}

// fingerprint hashes the semantic identity of a follow-up so two handlers
// emitting the same derivative work collapse to one row.
func (s *Scheduler) fingerprint(room, scope string, depth int, req Request) string {
	ids := append([]string(nil), req.TargetIDs...)
	sort.Strings(ids)

	h := sha256.New()
	for _, part := range []string{
		room, scope, strconv.Itoa(depth),
		req.Message, req.OriginalMessage, req.Hint, req.Reason,
		strings.Join(ids, ","), strconv.FormatBool(req.Strict),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
