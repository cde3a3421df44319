// SPDX-License-Identifier: MIT

package replay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/presenthq/agent-core/internal/log"
	"github.com/presenthq/agent-core/internal/metrics"
)

// minFlushDelay is the floor of the reschedule delay after a failed flush.
const minFlushDelay = 250 * time.Millisecond

// Flusher drains the recorder in batches and writes them to the store.
// Flushes are single-flight: a timer tick, an explicit Flush call and the
// shutdown flush collapse into one store round-trip.
type Flusher struct {
	rec      *Recorder
	store    *Store
	interval time.Duration

	group  singleflight.Group
	logger zerolog.Logger

	mu        sync.Mutex
	nextDelay time.Duration
}

// NewFlusher wires a recorder to a store.
func NewFlusher(rec *Recorder, store *Store, interval time.Duration) *Flusher {
	if interval < minFlushDelay {
		interval = minFlushDelay
	}
	return &Flusher{
		rec:      rec,
		store:    store,
		interval: interval,
		logger:   log.WithComponent("replay.flusher"),
	}
}

// Run flushes on a timer until ctx is done, then performs a best-effort
// final flush.
func (f *Flusher) Run(ctx context.Context) {
	timer := time.NewTimer(f.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush gets its own deadline: the parent is already gone.
			finalCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			f.Flush(finalCtx)
			cancel()
			return
		case <-timer.C:
			f.Flush(ctx)
			timer.Reset(f.nextInterval())
		}
	}
}

func (f *Flusher) nextInterval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextDelay > 0 {
		d := f.nextDelay
		f.nextDelay = 0
		if d < minFlushDelay {
			d = minFlushDelay
		}
		return d
	}
	return f.interval
}

// Flush drains one batch and writes it. Concurrent calls share one flight.
func (f *Flusher) Flush(ctx context.Context) {
	_, _, _ = f.group.Do("flush", func() (any, error) {
		f.flushOnce(ctx)
		return nil, nil
	})
}

func (f *Flusher) flushOnce(ctx context.Context) {
	batch := f.rec.Drain(f.rec.BatchSize())
	if len(batch) == 0 {
		return
	}

	if err := f.writeBatch(ctx, batch); err == nil {
		metrics.ReplayFlushTotal.WithLabelValues("ok").Inc()
		return
	}

	// Retry the whole batch once before isolating.
	if err := f.writeBatch(ctx, batch); err == nil {
		metrics.ReplayFlushTotal.WithLabelValues("retried").Inc()
		return
	}

	// Isolation: per-row writes, dropping irrecoverable rows.
	var failed []*Event
	for _, e := range batch {
		if err := f.writeOne(ctx, e); err != nil {
			failed = append(failed, e)
		}
	}

	switch {
	case len(failed) == 0:
		metrics.ReplayFlushTotal.WithLabelValues("isolated").Inc()
	case len(failed) == len(batch):
		// Nothing landed: put the batch back and back off.
		f.rec.Requeue(failed)
		f.mu.Lock()
		f.nextDelay = f.interval * 2
		f.mu.Unlock()
		metrics.ReplayFlushTotal.WithLabelValues("requeued").Inc()
		f.logger.Warn().
			Int("batch", len(batch)).
			Msg("replay flush failed for entire batch, requeued with delay")
	default:
		dropped := len(failed)
		metrics.ReplayFlushTotal.WithLabelValues("isolated").Inc()
		metrics.ReplayDropsTotal.WithLabelValues("flush_failed").Add(float64(dropped))
		f.logger.Warn().
			Int("dropped", dropped).
			Int("batch", len(batch)).
			Msg("replay flush isolated batch, dropped irrecoverable rows")
	}
}

// writeBatch writes the common rows, stream rows and blob sidecars of one
// batch. Blobs ride their parent event, so an event that was never admitted
// has no blob rows to orphan.
func (f *Flusher) writeBatch(ctx context.Context, batch []*Event) error {
	if err := f.store.InsertEvents(ctx, batch); err != nil {
		return err
	}
	if err := f.store.InsertStreamRows(ctx, batch); err != nil {
		return err
	}
	for _, e := range batch {
		if len(e.Blobs) == 0 {
			continue
		}
		if err := f.store.InsertBlobs(ctx, e.Blobs, e.CreatedAt, e.ExpiresAt); err != nil {
			return err
		}
	}
	return nil
}

func (f *Flusher) writeOne(ctx context.Context, e *Event) error {
	if err := f.store.InsertEvent(ctx, e); err != nil {
		return err
	}
	if err := f.store.InsertStreamRow(ctx, e); err != nil {
		return err
	}
	if len(e.Blobs) > 0 {
		if err := f.store.InsertBlobs(ctx, e.Blobs, e.CreatedAt, e.ExpiresAt); err != nil {
			return err
		}
	}
	return nil
}
