// SPDX-License-Identifier: MIT

package replay

import (
	"context"
	"time"

	"github.com/presenthq/agent-core/internal/log"
)

// RetentionSweeper deletes expired replay rows on a timer.
type RetentionSweeper struct {
	store    *Store
	interval time.Duration
	batch    int
	clock    func() time.Time

	// OnSweep, when set, observes each sweep that deleted rows. Wired to
	// the audit emitter by the daemon.
	OnSweep func(deleted int64, took time.Duration)
}

// NewRetentionSweeper builds a sweeper. A zero interval defaults to hourly.
func NewRetentionSweeper(store *Store, interval time.Duration, clock func() time.Time) *RetentionSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if clock == nil {
		clock = time.Now
	}
	return &RetentionSweeper{store: store, interval: interval, batch: 512, clock: clock}
}

// Run sweeps until ctx is done.
func (r *RetentionSweeper) Run(ctx context.Context) {
	logger := log.WithComponent("replay.retention")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := r.store.SweepExpired(ctx, r.clock(), r.batch)
			if err != nil {
				logger.Warn().Err(err).Msg("retention sweep failed")
				continue
			}
			if n > 0 {
				logger.Info().Int64("deleted", n).Msg("expired replay rows deleted")
				if r.OnSweep != nil {
					r.OnSweep(n, time.Since(start))
				}
			}
		}
	}
}
