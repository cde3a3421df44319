// SPDX-License-Identifier: MIT

package budget

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTakeUnregisteredFamilyIsFree(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Take("scorecard"))
	}
}

func TestTakeExhaustsBudget(t *testing.T) {
	l := New()
	l.SetPerMinute("search", 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Take("search"))
	}

	err := l.Take("search")
	require.Error(t, err)

	var ex *ExceededError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, "search", ex.Family)
	assert.Greater(t, ex.RetryAfterSec, 0)
	assert.Contains(t, err.Error(), "search budget exceeded")
}

func TestSetPerMinuteZeroRemovesBudget(t *testing.T) {
	l := New()
	l.SetPerMinute("search", 1)
	require.NoError(t, l.Take("search"))
	require.Error(t, l.Take("search"))

	l.SetPerMinute("search", 0)
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Take("search"))
	}
}

func TestSetPerMinuteRetunesExistingFamily(t *testing.T) {
	l := New()
	l.SetPerMinute("search", 60)
	require.NoError(t, l.Take("search"))

	// Tightening the budget caps the remaining burst at the new size.
	l.SetPerMinute("search", 1)
	require.NoError(t, l.Take("search"))
	require.Error(t, l.Take("search"))
}

func TestFamiliesAreIndependent(t *testing.T) {
	l := New()
	l.SetPerMinute("search", 1)
	l.SetPerMinute("scorecard", 1)

	require.NoError(t, l.Take("search"))
	require.Error(t, l.Take("search"))
	require.NoError(t, l.Take("scorecard"), "one family firing leaves others intact")
}

func TestRetryAfter(t *testing.T) {
	d, ok := RetryAfter(&ExceededError{Family: "search", RetryAfterSec: 42})
	assert.True(t, ok)
	assert.Equal(t, 42*time.Second, d)

	d, ok = RetryAfter(fmt.Errorf("wrapped: %w", &ExceededError{Family: "search", RetryAfterSec: 5}))
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, d)

	_, ok = RetryAfter(errors.New("something else"))
	assert.False(t, ok)
}
