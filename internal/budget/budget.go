// SPDX-License-Identifier: MIT

// Package budget implements cost circuit breakers for rate-limited task
// families. A fired breaker is a transient condition: callers get a
// retry-after hint, never a hard failure.
package budget

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/presenthq/agent-core/internal/metrics"
)

// ExceededError carries the retry hint of a fired breaker.
type ExceededError struct {
	Family        string
	RetryAfterSec int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: %s budget exceeded, retry after %ds", e.Family, e.RetryAfterSec)
}

// Limiter guards per-family spend with token buckets.
type Limiter struct {
	mu       sync.Mutex
	families map[string]*rate.Limiter
}

// New returns an empty limiter; families are registered explicitly.
func New() *Limiter {
	return &Limiter{families: make(map[string]*rate.Limiter)}
}

// SetPerMinute installs or retunes the budget of one task family. A limit of
// zero or below removes the budget.
func (l *Limiter) SetPerMinute(family string, perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if perMinute <= 0 {
		delete(l.families, family)
		return
	}
	if lim, ok := l.families[family]; ok {
		lim.SetLimit(rate.Limit(float64(perMinute) / 60.0))
		lim.SetBurst(perMinute)
		return
	}
	l.families[family] = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
}

// Take spends one unit from the family budget. When the budget is exhausted
// it returns an ExceededError with the time until the next token.
func (l *Limiter) Take(family string) error {
	l.mu.Lock()
	lim, ok := l.families[family]
	l.mu.Unlock()
	if !ok {
		return nil
	}

	res := lim.Reserve()
	delay := res.Delay()
	if delay == 0 {
		return nil
	}
	// Budget exhausted: hand the token back and report the wait.
	res.Cancel()
	metrics.BudgetRejectsTotal.WithLabelValues(family).Inc()
	return &ExceededError{
		Family:        family,
		RetryAfterSec: int(math.Ceil(delay.Seconds())),
	}
}

// RetryAfter extracts the hint from an error, if it is a budget error.
func RetryAfter(err error) (time.Duration, bool) {
	var ex *ExceededError
	if !errors.As(err, &ex) {
		return 0, false
	}
	return time.Duration(ex.RetryAfterSec) * time.Second, true
}
