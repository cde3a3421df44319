// SPDX-License-Identifier: MIT

// Package replay captures model-I/O and tool-I/O events into an in-process
// bounded queue and flushes them in batches to the store, with quota-aware
// drop policy and blob sidecars for oversized payloads.
package replay

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stream selects the destination of a replay event.
type Stream string

const (
	StreamModelIO Stream = "model_io"
	StreamToolIO  Stream = "tool_io"
)

// Priority of a queued event. High-priority events may evict normal ones
// when the queue is full.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// BlobKind distinguishes the two sidecars of one event.
type BlobKind string

const (
	BlobInput  BlobKind = "input"
	BlobOutput BlobKind = "output"
)

// Blob is an oversized payload stored next to its parent event. The stored
// bytes may themselves be truncated; SHA-256 covers exactly what is stored.
type Blob struct {
	EventID   string
	Kind      BlobKind
	Payload   []byte
	SHA256    string
	SizeBytes int
	Truncated bool
}

// Event is one captured model or tool interaction. EventID is deterministic:
// parent id, event type, status and sequence compose it, so re-emission
// dedupes at the store.
type Event struct {
	EventID   string
	TaskID    string
	TraceID   string
	RequestID string
	IntentID  string

	Source    string
	EventType string
	Status    string
	Stream    Stream

	Provider          string
	Model             string
	ProviderSource    string
	ProviderPath      string
	ProviderRequestID string

	InputPayload  json.RawMessage
	OutputPayload json.RawMessage
	Metadata      json.RawMessage

	Error string

	Priority  Priority
	Blobs     []Blob
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ComposeEventID builds the deterministic event id.
func ComposeEventID(parentID, eventType, status string, sequence int) string {
	return fmt.Sprintf("%s:%s:%s:%d", parentID, eventType, status, sequence)
}

// Sample is the caller-facing input of Recorder.Record. Payloads are raw
// bytes; the recorder decides inline-vs-blob representation.
type Sample struct {
	TaskID    string
	TraceID   string
	RequestID string
	IntentID  string

	Source    string
	EventType string
	Status    string
	Stream    Stream
	Sequence  int

	Provider          string
	Model             string
	ProviderSource    string
	ProviderPath      string
	ProviderRequestID string

	Input    []byte
	Output   []byte
	Metadata []byte

	Error string
}

// priority derives the admission priority: errors are high priority.
func (s Sample) priority() Priority {
	if s.Error != "" {
		return PriorityHigh
	}
	return PriorityNormal
}
