// SPDX-License-Identifier: MIT

package queue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLeaseLost signals that a conditional write keyed on (id, lease_token)
	// did not match: some other claimant owns the task now.
	ErrLeaseLost = errors.New("queue: lease lost")

	// ErrNotFound signals that no task with the given id exists.
	ErrNotFound = errors.New("queue: task not found")

	// ErrTerminal signals an attempted transition out of a terminal status.
	ErrTerminal = errors.New("queue: task is terminal")
)

// TraceIDRequiredError is returned when a caller demanded a trace id and
// none could be derived from params or envelope.
type TraceIDRequiredError struct {
	Task string
}

func (e *TraceIDRequiredError) Error() string {
	return fmt.Sprintf("TRACE_ID_REQUIRED:%s", e.Task)
}

// TraceIDColumnRequiredError is returned when the caller demanded a trace id
// but the store has no trace_id column to persist it.
type TraceIDColumnRequiredError struct {
	Task string
}

func (e *TraceIDColumnRequiredError) Error() string {
	return fmt.Sprintf("TRACE_ID_COLUMN_REQUIRED:%s", e.Task)
}

// SchemaMissingError marks a store operation that failed because a table or
// column is absent. Adapters degrade instead of bubbling these into the core.
type SchemaMissingError struct {
	Object string
	Err    error
}

func (e *SchemaMissingError) Error() string {
	return fmt.Sprintf("queue: schema object missing: %s: %v", e.Object, e.Err)
}

func (e *SchemaMissingError) Unwrap() error { return e.Err }

// isUniqueViolation reports whether the driver error is a uniqueness
// constraint failure. modernc.org/sqlite does not export a typed error for
// this, so the message is the contract.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isMissingColumn reports a "no such column" schema drift error.
func isMissingColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such column")
}
