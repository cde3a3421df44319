// SPDX-License-Identifier: MIT

// Package daemon assembles the agent core: storage, queue, worker pool,
// replay pipeline, HTTP surface and the background loops, with one Run that
// blocks until shutdown.
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/presenthq/agent-core/internal/api"
	"github.com/presenthq/agent-core/internal/arbiter"
	"github.com/presenthq/agent-core/internal/audit"
	"github.com/presenthq/agent-core/internal/budget"
	"github.com/presenthq/agent-core/internal/config"
	"github.com/presenthq/agent-core/internal/dedupe"
	"github.com/presenthq/agent-core/internal/followup"
	"github.com/presenthq/agent-core/internal/log"
	"github.com/presenthq/agent-core/internal/persistence/sqlite"
	"github.com/presenthq/agent-core/internal/queue"
	"github.com/presenthq/agent-core/internal/replay"
	"github.com/presenthq/agent-core/internal/telemetry"
	"github.com/presenthq/agent-core/internal/worker"
)

// Options tunes assembly beyond the file/env configuration.
type Options struct {
	Version string

	// Handlers are registered on the worker before it starts.
	Handlers map[string]worker.Handler

	// Telemetry enables the OTLP trace exporter when configured.
	Telemetry telemetry.Config
}

// Daemon is the assembled process.
type Daemon struct {
	cfg    config.Config
	opts   Options
	logger zerolog.Logger

	db         *sql.DB
	queue      *queue.Queue
	worker     *worker.Worker
	recorder   *replay.Recorder
	flusher    *replay.Flusher
	sweeper    *replay.RetentionSweeper
	heartbeats *worker.HeartbeatStore
	followups  *followup.Scheduler
	budget     *budget.Limiter
	dispatch   dedupe.Cache
	opsLog     *audit.OpsLog
	reporter   *audit.Reporter
	auditLog   *audit.Logger
	server     *api.Server
	reloader   *config.Manager
	tracer     *telemetry.Provider
}

// New wires every component. The database is opened and migrated here so a
// broken schema fails the process before it starts serving.
func New(ctx context.Context, cfg config.Config, opts Options) (*Daemon, error) {
	logger := log.WithComponent("daemon")

	db, err := sqlite.Open(cfg.DBPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	taskStore, err := queue.NewStore(db, queue.StoreOptions{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("task store: %w", err)
	}
	traceStore, err := replay.NewStore(db, replay.StoreOptions{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("trace store: %w", err)
	}
	hbStore, err := worker.NewHeartbeatStore(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("heartbeat store: %w", err)
	}
	opsLog, err := audit.NewOpsLog(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ops audit log: %w", err)
	}

	q := queue.New(taskStore, arbiter.New(), queue.Options{
		Coalesce:         queue.CoalesceSet(cfg.CoalesceTasks...),
		TranscriptWindow: cfg.TranscriptWindow,
		AgeBonus:         cfg.Queue.AgeBonus,
		MaxStarvationTTL: cfg.Queue.MaxStarvationTTL,
	})

	auditLog := audit.NewLogger()

	recorder := replay.NewRecorder(cfg.Replay, nil)
	flusher := replay.NewFlusher(recorder, traceStore, cfg.Replay.FlushInterval)
	sweeper := replay.NewRetentionSweeper(traceStore, time.Hour, nil)
	sweeper.OnSweep = auditLog.RetentionSweep

	bud := budget.New()
	bud.SetPerMinute("search", cfg.SearchPerMinuteLimit)

	var dispatch dedupe.Cache
	if cfg.RedisAddr != "" {
		dispatch = dedupe.NewRedis(cfg.RedisAddr, 10*time.Second)
	} else {
		dispatch = dedupe.NewMemory(10*time.Second, nil)
	}

	followups := followup.New(q, cfg.FollowupMaxDepth, nil, cfg.WorkerID)

	w := worker.New(worker.Config{
		WorkerID:          cfg.WorkerID,
		Concurrency:       cfg.WorkerConcurrency,
		LeaseTTL:          cfg.Queue.LeaseTTL,
		ClaimInterval:     cfg.Queue.ClaimInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		BackoffBase:       cfg.Queue.BackoffBase,
		BackoffCap:        cfg.Queue.BackoffCap,
		Version:           opts.Version,
	}, q, hbStore, &worker.Env{
		Followups: followups,
		Replay:    recorder,
		Budget:    bud,
	})
	for name, h := range opts.Handlers {
		w.Register(name, h)
	}

	reporter := audit.NewReporter(taskStore, traceStore, hbStore)

	server := api.New(q, w, reporter, opsLog, dispatch, bud, api.Options{
		RatePerMinute: cfg.DispatchRatePerMinute,
		Version:       opts.Version,
	})

	tracer, err := telemetry.NewProvider(ctx, opts.Telemetry)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	reloader := config.NewManager(cfg)
	reloader.OnReload(func(next config.Config) {
		recorder.SetQuota(next.Replay)
		bud.SetPerMinute("search", next.SearchPerMinuteLimit)
		auditLog.ConfigReload("system", "success", map[string]string{
			"search_per_minute": fmt.Sprintf("%d", next.SearchPerMinuteLimit),
		})
	})

	return &Daemon{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		db:         db,
		queue:      q,
		worker:     w,
		recorder:   recorder,
		flusher:    flusher,
		sweeper:    sweeper,
		heartbeats: hbStore,
		followups:  followups,
		budget:     bud,
		dispatch:   dispatch,
		opsLog:     opsLog,
		reporter:   reporter,
		auditLog:   auditLog,
		server:     server,
		reloader:   reloader,
		tracer:     tracer,
	}, nil
}

// Queue exposes the queue for embedding applications.
func (d *Daemon) Queue() *queue.Queue { return d.queue }

// Worker exposes the worker for handler registration before Run.
func (d *Daemon) Worker() *worker.Worker { return d.worker }

// Run serves until ctx is cancelled, then drains in order: HTTP first, then
// the worker, then a final replay flush.
func (d *Daemon) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              d.cfg.ListenAddr,
		Handler:           d.server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.logger.Info().
			Str("addr", d.cfg.ListenAddr).
			Str("version", d.opts.Version).
			Msg("http surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return d.worker.Run(gctx)
	})
	g.Go(func() error {
		d.flusher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		d.sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		d.reapHeartbeats(gctx)
		return nil
	})
	g.Go(func() error {
		return d.reloader.Watch(gctx)
	})

	err := g.Wait()
	d.close()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// reapHeartbeats deletes rows from workers gone for more than a day.
func (d *Daemon) reapHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.heartbeats.Reap(ctx, time.Now().Add(-24*time.Hour))
			if err != nil {
				d.logger.Warn().Err(err).Msg("heartbeat reap failed")
				continue
			}
			if n > 0 {
				d.logger.Info().Int64("deleted", n).Msg("stale worker heartbeats reaped")
			}
		}
	}
}

func (d *Daemon) close() {
	if err := d.dispatch.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("dispatch cache close failed")
	}
	if err := d.tracer.Shutdown(context.Background()); err != nil {
		d.logger.Warn().Err(err).Msg("tracer shutdown failed")
	}
	if err := d.db.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("database close failed")
	}
	d.logger.Info().Msg("daemon stopped")
}
