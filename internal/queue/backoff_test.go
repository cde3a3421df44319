// SPDX-License-Identifier: MIT

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffFullJitterBounds(t *testing.T) {
	base := 200 * time.Millisecond
	ceiling := 30 * time.Second

	for attempt := 0; attempt < 12; attempt++ {
		exp := base << uint(attempt)
		if exp > ceiling || exp <= 0 {
			exp = ceiling
		}
		for i := 0; i < 50; i++ {
			d := Backoff(attempt, base, ceiling)
			assert.GreaterOrEqual(t, d, exp/2, "attempt %d", attempt)
			assert.LessOrEqual(t, d, exp, "attempt %d", attempt)
		}
	}
}

func TestBackoffNeverExceedsCeiling(t *testing.T) {
	ceiling := 5 * time.Second
	for _, attempt := range []int{20, 40, 100} {
		d := Backoff(attempt, time.Second, ceiling)
		assert.LessOrEqual(t, d, ceiling)
		assert.GreaterOrEqual(t, d, ceiling/2)
	}
}

func TestBackoffNegativeAttempt(t *testing.T) {
	d := Backoff(-3, time.Second, time.Minute)
	assert.GreaterOrEqual(t, d, 500*time.Millisecond)
	assert.LessOrEqual(t, d, time.Second)
}
