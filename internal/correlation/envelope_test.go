// SPDX-License-Identifier: MIT

package correlation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestIDPrefixes(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewRequestID(), "req-"))
	assert.True(t, strings.HasPrefix(NewTraceID(), "trace-"))
	assert.True(t, strings.HasPrefix(NewExecutionID(), "exec-"))
	assert.NotEqual(t, NewRequestID(), NewRequestID())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Envelope{}.Validate())
	assert.NoError(t, Envelope{RequestID: "req-1"}.Validate())
	assert.ErrorIs(t, Envelope{RequestID: "   "}.Validate(), ErrBlankRequestID)
}

func TestScopePrecedence(t *testing.T) {
	e := Envelope{RequestID: "req-1", TraceID: "trace-1", IntentID: "intent-1"}
	assert.Equal(t, "intent-1", e.Scope())

	e.IntentID = ""
	assert.Equal(t, "trace-1", e.Scope())

	e.TraceID = ""
	assert.Equal(t, "req-1", e.Scope())
}

func TestMergeIntoKeepsExisting(t *testing.T) {
	e := Envelope{RequestID: "req-new", TraceID: "trace-new", Attempt: 3}
	params := map[string]json.RawMessage{
		"requestId": raw(`"req-old"`),
		"payload":   raw(`{"x":1}`),
	}

	out := e.MergeInto(params)

	assert.JSONEq(t, `"req-old"`, string(out["requestId"]), "params win over envelope")
	assert.JSONEq(t, `"trace-new"`, string(out["traceId"]))
	assert.JSONEq(t, `3`, string(out["attempt"]))
	assert.JSONEq(t, `{"x":1}`, string(out["payload"]))

	// Input map untouched.
	_, ok := params["traceId"]
	assert.False(t, ok)
}

func TestFromParamsRoundTrip(t *testing.T) {
	e := Envelope{
		RequestID:      "req-1",
		TraceID:        "trace-1",
		IntentID:       "intent-1",
		ExecutionID:    "exec-1",
		IdempotencyKey: "idem-1",
		LockKey:        "widget:w-1",
		Attempt:        2,
	}
	got := FromParams(e.MergeInto(nil))
	assert.Equal(t, e, got)
}

func TestFromParamsIgnoresMalformed(t *testing.T) {
	got := FromParams(map[string]json.RawMessage{
		"requestId": raw(`42`),
		"traceId":   raw(`"trace-1"`),
		"attempt":   raw(`"not a number"`),
	})
	assert.Empty(t, got.RequestID)
	assert.Equal(t, "trace-1", got.TraceID)
	assert.Zero(t, got.Attempt)
}

func TestTaskFamily(t *testing.T) {
	assert.Equal(t, "canvas", TaskFamily("canvas.agent_prompt"))
	assert.Equal(t, "search", TaskFamily("search.query"))
	assert.Equal(t, "plain", TaskFamily("plain"))
	assert.Equal(t, ".leading", TaskFamily(".leading"))
}

func TestDeriveDefaultLockKey(t *testing.T) {
	cases := []struct {
		name   string
		task   string
		env    Envelope
		params map[string]json.RawMessage
		want   string
	}{
		{
			name: "explicit lock key wins",
			task: "canvas.autorun",
			env:  Envelope{LockKey: "custom:lock"},
			params: map[string]json.RawMessage{
				"componentId": raw(`"w-9"`),
			},
			want: "custom:lock",
		},
		{
			name: "widget instance",
			task: "canvas.autorun",
			params: map[string]json.RawMessage{
				"componentId":   raw(`"w-9"`),
				"componentType": raw(`"chart"`),
			},
			want: "widget:w-9",
		},
		{
			name: "widget type",
			task: "canvas.autorun",
			params: map[string]json.RawMessage{
				"componentType": raw(`"chart"`),
			},
			want: "widget-type:chart",
		},
		{
			name: "canvas family scope",
			task: "canvas.autorun",
			want: "room:room-7:canvas",
		},
		{
			name: "search family scope",
			task: "search.query",
			want: "room:room-7:search",
		},
		{
			name: "unknown family falls back to room",
			task: "unknown.thing",
			want: "room:room-7",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveDefaultLockKey(tc.task, "room-7", tc.env, tc.params)
			require.Equal(t, tc.want, got)
		})
	}
}
