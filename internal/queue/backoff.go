// SPDX-License-Identifier: MIT

package queue

import (
	"math/rand"
	"time"
)

// Backoff computes the retry delay for the given attempt with full jitter:
// min(ceiling, base*2^attempt) scaled by a random factor in [0.5, 1.0).
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if ceiling <= 0 {
		ceiling = 2 * time.Minute
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base << uint(attempt)
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	factor := 0.5 + rand.Float64()/2
	return time.Duration(float64(d) * factor)
}
