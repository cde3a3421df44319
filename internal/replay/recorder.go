// SPDX-License-Identifier: MIT

package replay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/presenthq/agent-core/internal/config"
	"github.com/presenthq/agent-core/internal/log"
	"github.com/presenthq/agent-core/internal/metrics"
)

// Recorder is the bounded in-process queue of replay events. Admission never
// blocks and never fails the caller: when the queue is full, high-priority
// events evict the oldest normal entry; otherwise the event is dropped and
// counted.
type Recorder struct {
	mu    sync.Mutex
	queue []*Event
	cfg   config.Replay
	clock func() time.Time

	droppedNormal uint64
	droppedHigh   uint64

	logger      zerolog.Logger
	warnLimiter *rate.Limiter
}

// NewRecorder builds a recorder with the given quotas.
func NewRecorder(cfg config.Replay, clock func() time.Time) *Recorder {
	if clock == nil {
		clock = time.Now
	}
	return &Recorder{
		cfg:         cfg,
		clock:       clock,
		logger:      log.WithComponent("replay.recorder"),
		warnLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

// SetQuota applies reloaded quotas. Existing queue content is untouched.
func (r *Recorder) SetQuota(cfg config.Replay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Record shapes a sample into an event (inline payloads or blob sidecars)
// and admits it to the queue. It reports whether the event was admitted;
// a false return means the event and all its blobs were dropped.
func (r *Recorder) Record(s Sample) bool {
	now := r.clock()

	parent := s.TaskID
	if parent == "" {
		parent = s.RequestID
	}
	e := &Event{
		EventID:           ComposeEventID(parent, s.EventType, s.Status, s.Sequence),
		TaskID:            s.TaskID,
		TraceID:           s.TraceID,
		RequestID:         s.RequestID,
		IntentID:          s.IntentID,
		Source:            s.Source,
		EventType:         s.EventType,
		Status:            s.Status,
		Stream:            s.Stream,
		Provider:          s.Provider,
		Model:             s.Model,
		ProviderSource:    s.ProviderSource,
		ProviderPath:      s.ProviderPath,
		ProviderRequestID: s.ProviderRequestID,
		Error:             s.Error,
		Priority:          s.priority(),
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Duration(r.cfg.RetentionDays) * 24 * time.Hour),
	}

	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	e.InputPayload = r.shape(e, BlobInput, s.Input, cfg)
	e.OutputPayload = r.shape(e, BlobOutput, s.Output, cfg)
	e.Metadata = inlineJSON(s.Metadata, cfg.InlineMaxBytes, cfg.PreviewChars)

	return r.admit(e)
}

// shape returns the inline representation of a payload and, when the payload
// exceeds the inline budget, attaches a blob sidecar to the event. The blob
// carries the parent's event id so the parent row can reference it.
func (r *Recorder) shape(e *Event, kind BlobKind, payload []byte, cfg config.Replay) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if len(payload) <= cfg.InlineMaxBytes {
		return asJSON(payload)
	}

	stored := payload
	truncated := false
	if len(stored) > cfg.BlobMaxBytes {
		stored = stored[:cfg.BlobMaxBytes]
		truncated = true
	}
	sum := sha256.Sum256(stored)
	e.Blobs = append(e.Blobs, Blob{
		EventID:   e.EventID,
		Kind:      kind,
		Payload:   stored,
		SHA256:    hex.EncodeToString(sum[:]),
		SizeBytes: len(stored),
		Truncated: truncated,
	})

	stub, _ := json.Marshal(map[string]any{
		"truncated":  true,
		"size_bytes": len(payload),
		"preview":    preview(payload, cfg.PreviewChars),
	})
	return stub
}

// admit applies the quota policy under the lock.
func (r *Recorder) admit(e *Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) < r.cfg.QueueMax {
		r.queue = append(r.queue, e)
		metrics.ReplayQueueLength.Set(float64(len(r.queue)))
		return true
	}

	if e.Priority == PriorityHigh {
		for i, old := range r.queue {
			if old.Priority == PriorityNormal {
				copy(r.queue[i:], r.queue[i+1:])
				r.queue[len(r.queue)-1] = e
				r.droppedNormal++
				metrics.ReplayDropsTotal.WithLabelValues("evicted").Inc()
				return true
			}
		}
		// Queue full of high-priority events: drop with periodic warning.
		r.droppedHigh++
		metrics.ReplayDropsTotal.WithLabelValues("queue_full").Inc()
		if e.Blobs != nil {
			metrics.ReplayDropsTotal.WithLabelValues("orphaned_blob").Add(float64(len(e.Blobs)))
		}
		if r.warnLimiter.Allow() {
			r.logger.Warn().
				Uint64("dropped_high", r.droppedHigh).
				Uint64("dropped_normal", r.droppedNormal).
				Msg("replay queue saturated, dropping high-priority events")
		}
		return false
	}

	// Normal priority: silent drop, summarized periodically.
	r.droppedNormal++
	metrics.ReplayDropsTotal.WithLabelValues("queue_full").Inc()
	if e.Blobs != nil {
		metrics.ReplayDropsTotal.WithLabelValues("orphaned_blob").Add(float64(len(e.Blobs)))
	}
	if r.warnLimiter.Allow() {
		r.logger.Info().
			Uint64("dropped_normal", r.droppedNormal).
			Msg("replay queue saturated, dropping normal-priority events")
	}
	return false
}

// Drain removes and returns up to limit queued events, oldest first.
func (r *Recorder) Drain(limit int) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || len(r.queue) == 0 {
		return nil
	}
	if limit > len(r.queue) {
		limit = len(r.queue)
	}
	out := make([]*Event, limit)
	copy(out, r.queue[:limit])
	r.queue = append(r.queue[:0], r.queue[limit:]...)
	metrics.ReplayQueueLength.Set(float64(len(r.queue)))
	return out
}

// Requeue returns a failed batch to the front of the queue, respecting the
// quota (overflow is dropped oldest-last).
func (r *Recorder) Requeue(events []*Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	merged := make([]*Event, 0, len(events)+len(r.queue))
	merged = append(merged, events...)
	merged = append(merged, r.queue...)
	if len(merged) > r.cfg.QueueMax {
		dropped := len(merged) - r.cfg.QueueMax
		metrics.ReplayDropsTotal.WithLabelValues("queue_full").Add(float64(dropped))
		merged = merged[:r.cfg.QueueMax]
	}
	r.queue = merged
	metrics.ReplayQueueLength.Set(float64(len(r.queue)))
}

// Len returns the current queue length.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// BatchSize returns the configured flush batch size.
func (r *Recorder) BatchSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.BatchSize
}

func asJSON(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	b, _ := json.Marshal(string(payload))
	return b
}

func inlineJSON(payload []byte, inlineMax, previewChars int) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if len(payload) <= inlineMax {
		return asJSON(payload)
	}
	stub, _ := json.Marshal(map[string]any{
		"truncated":  true,
		"size_bytes": len(payload),
		"preview":    preview(payload, previewChars),
	})
	return stub
}

func preview(payload []byte, chars int) string {
	s := string(payload)
	runes := []rune(s)
	if len(runes) <= chars {
		return s
	}
	return string(runes[:chars])
}
