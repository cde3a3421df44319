// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/presenthq/agent-core/internal/correlation"
	"github.com/presenthq/agent-core/internal/log"
	"github.com/presenthq/agent-core/internal/metrics"
	"github.com/presenthq/agent-core/internal/queue"
	"github.com/presenthq/agent-core/internal/replay"
	"github.com/presenthq/agent-core/internal/telemetry"
)

// Config tunes one worker process.
type Config struct {
	WorkerID          string
	RuntimeScope      string
	Concurrency       int
	LeaseTTL          time.Duration
	ClaimInterval     time.Duration
	HeartbeatInterval time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	HandlerSoftCap    time.Duration
	ShutdownGrace     time.Duration
	Version           string
}

func (c *Config) defaults() {
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		c.WorkerID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 60 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval > 5*time.Second {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 2 * time.Minute
	}
	if c.HandlerSoftCap <= 0 {
		c.HandlerSoftCap = 10 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
}

type invocation struct {
	task            *queue.Task
	cancel          context.CancelFunc
	cancelRequested atomic.Bool
	leaseLost       atomic.Bool
}

// Worker claims tasks and drives registered handlers through their
// lifecycle: execute, renew, finalize.
type Worker struct {
	cfg        Config
	queue      *queue.Queue
	heartbeats *HeartbeatStore
	env        *Env
	logger     zerolog.Logger
	clock      func() time.Time

	mu       sync.Mutex
	handlers map[string]Handler
	active   map[string]*invocation
	draining bool

	wg sync.WaitGroup
}

// New assembles a worker. env may be partially populated; the logger is
// filled in per invocation.
func New(cfg Config, q *queue.Queue, hb *HeartbeatStore, env *Env) *Worker {
	cfg.defaults()
	if env == nil {
		env = &Env{}
	}
	return &Worker{
		cfg:        cfg,
		queue:      q,
		heartbeats: hb,
		env:        env,
		logger:     log.WithComponent("worker").With().Str(log.FieldWorkerID, cfg.WorkerID).Logger(),
		clock:      time.Now,
		handlers:   make(map[string]Handler),
		active:     make(map[string]*invocation),
	}
}

// Register installs the handler for a task name. Registration after Run is
// legal; dispatch reads under the lock.
func (w *Worker) Register(task string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[task] = h
}

// WorkerID returns the stable identity of this worker.
func (w *Worker) WorkerID() string { return w.cfg.WorkerID }

// Run blocks until ctx is done, then drains: claiming stops, in-flight
// handlers get the grace period, a final heartbeat reports zero active tasks.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		w.claimLoop(gctx)
		return nil
	})

	err := g.Wait()
	w.drain()
	return err
}

func (w *Worker) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick claims up to the free slot count and dispatches.
func (w *Worker) tick(ctx context.Context) {
	w.mu.Lock()
	if w.draining {
		w.mu.Unlock()
		return
	}
	free := w.cfg.Concurrency - len(w.active)
	w.mu.Unlock()
	if free <= 0 {
		return
	}

	tasks, err := w.queue.Claim(ctx, queue.ClaimInput{
		WorkerID:     w.cfg.WorkerID,
		RuntimeScope: w.cfg.RuntimeScope,
		LeaseTTL:     w.cfg.LeaseTTL,
		Limit:        free,
	})
	if err != nil {
		w.logger.Warn().Err(err).Msg("claim failed, backing off until next tick")
		return
	}

	for _, t := range tasks {
		w.wg.Add(1)
		go w.execute(t)
	}
}

func (w *Worker) execute(t *queue.Task) {
	defer w.wg.Done()

	// Handler context is detached from the claim loop: shutdown cancels
	// invocations explicitly after the grace period. The soft cap bounds a
	// runaway handler; lease renewal keeps the claim alive beneath it.
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.HandlerSoftCap)
	defer cancel()

	inv := &invocation{task: t, cancel: cancel}
	w.mu.Lock()
	w.active[t.ID] = inv
	n := len(w.active)
	w.mu.Unlock()
	metrics.WorkerActiveTasks.Set(float64(n))

	defer func() {
		w.mu.Lock()
		delete(w.active, t.ID)
		n := len(w.active)
		w.mu.Unlock()
		metrics.WorkerActiveTasks.Set(float64(n))
	}()

	env := correlation.FromParams(t.Params)
	logger := w.logger.With().
		Str(log.FieldTaskID, t.ID).
		Str(log.FieldTask, t.Task).
		Str(log.FieldRoom, t.Room).
		Str(log.FieldRequestID, env.RequestID).
		Str(log.FieldTraceID, env.TraceID).
		Int(log.FieldAttempt, t.Attempt).
		Logger()

	renewCtx, stopRenew := context.WithCancel(context.Background())
	defer stopRenew()
	go w.renewLoop(renewCtx, inv, logger)

	spanCtx, span := otel.Tracer("agent-core/worker").Start(ctx, "task.execute",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(telemetry.ExecutionAttributes(t.ID, t.Task, string(t.Status), t.Attempt)...),
		trace.WithAttributes(telemetry.CorrelationAttributes(env.RequestID, env.TraceID, env.IntentID)...),
	)

	start := w.clock()
	res, err := w.invoke(spanCtx, t, logger)
	metrics.HandlerDuration.WithLabelValues(correlation.TaskFamily(t.Task)).Observe(w.clock().Sub(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
	}
	span.End()
	stopRenew()

	if inv.leaseLost.Load() {
		// The lease is gone: abandon uncommitted side effects and release the
		// local keys. Another worker owns the task now.
		w.queue.Arbiter().Release(t.ResourceKeys)
		logger.Warn().Msg("lease lost mid-execution, abandoning task")
		return
	}

	w.finalize(t, inv, res, err, logger)
}

func (w *Worker) invoke(ctx context.Context, t *queue.Task, logger zerolog.Logger) (res *Result, err error) {
	w.mu.Lock()
	h, ok := w.handlers[t.Task]
	w.mu.Unlock()
	if !ok {
		return nil, Fatal(fmt.Errorf("no handler registered for task %q", t.Task))
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("handler panicked")
			res, err = nil, Fatal(fmt.Errorf("handler panic: %v", r))
		}
	}()

	env := *w.env
	env.Logger = logger
	return h.Handle(ctx, t, &env)
}

// renewLoop extends the lease at a third of its TTL until stopped. A failed
// renewal marks the invocation lost and cancels the handler.
func (w *Worker) renewLoop(ctx context.Context, inv *invocation, logger zerolog.Logger) {
	interval := w.cfg.LeaseTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(context.Background(), interval)
			err := w.queue.Renew(rctx, inv.task, w.cfg.LeaseTTL)
			cancel()
			if err == nil {
				continue
			}
			if errors.Is(err, queue.ErrLeaseLost) || errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrTerminal) {
				inv.leaseLost.Store(true)
				inv.cancel()
				return
			}
			logger.Warn().Err(err).Msg("lease renewal errored, will retry")
		}
	}
}

// finalize maps the handler outcome onto the queue.
func (w *Worker) finalize(t *queue.Task, inv *invocation, res *Result, err error, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var finErr error
	var finalStatus queue.Status

	switch {
	case err == nil:
		warnings := ""
		if res != nil && len(res.Warnings) > 0 {
			warnings = strings.Join(res.Warnings, "; ")
		}
		in := queue.CompleteInput{Status: queue.StatusSucceeded, Error: warnings}
		if res != nil {
			in.Result = res.Result
		}
		finalStatus = queue.StatusSucceeded
		finErr = w.queue.Complete(ctx, t, in)

	case inv.cancelRequested.Load():
		finalStatus = queue.StatusCancelled
		finErr = w.queue.Complete(ctx, t, queue.CompleteInput{
			Status: queue.StatusCancelled,
			Error:  "cancelled by request",
		})

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Shutdown or soft-cap expiry without an explicit cancel: yield the
		// task so another worker can run it under a fresh lease.
		logger.Info().Msg("handler interrupted, requeueing task")
		finErr = w.queue.Requeue(ctx, t, queue.RequeueInput{}, "yield")

	default:
		fatal, retryAfter := classify(err)
		if !fatal && t.Attempt < w.cfg.MaxAttempts {
			delay := queue.Backoff(t.Attempt, w.cfg.BackoffBase, w.cfg.BackoffCap)
			if retryAfter > delay {
				delay = retryAfter
			}
			runAt := w.clock().Add(delay)
			logger.Warn().Err(err).Dur("backoff", delay).Msg("transient handler failure, retrying")
			finErr = w.queue.Requeue(ctx, t, queue.RequeueInput{RunAt: &runAt}, "backoff")
		} else {
			msg := err.Error()
			if !fatal {
				msg = fmt.Sprintf("max attempts (%d) exhausted: %v", w.cfg.MaxAttempts, err)
			}
			logger.Error().Err(err).Bool("fatal", fatal).Msg("handler failed")
			finalStatus = queue.StatusFailed
			finErr = w.queue.Complete(ctx, t, queue.CompleteInput{Status: queue.StatusFailed, Error: msg})
		}
	}

	if finErr != nil {
		if errors.Is(finErr, queue.ErrLeaseLost) || errors.Is(finErr, queue.ErrTerminal) {
			// The later writer loses; this is the idempotence contract.
			logger.Debug().Err(finErr).Msg("finalize rejected, task owned elsewhere")
			return
		}
		logger.Error().Err(finErr).Msg("finalize failed")
		return
	}

	if finalStatus != "" && w.env.Replay != nil {
		env := correlation.FromParams(t.Params)
		w.env.Replay.Record(replay.Sample{
			TaskID:    t.ID,
			TraceID:   env.TraceID,
			RequestID: env.RequestID,
			IntentID:  env.IntentID,
			Source:    "worker",
			EventType: "task_finalize",
			Status:    string(finalStatus),
			Stream:    replay.StreamToolIO,
			Sequence:  t.Attempt,
		})
	}
}

// Cancel delivers a cooperative cancellation. Running invocations are
// signalled; queued tasks transition straight to cancelled.
func (w *Worker) Cancel(ctx context.Context, id string) (bool, error) {
	w.mu.Lock()
	inv, running := w.active[id]
	w.mu.Unlock()

	if running {
		inv.cancelRequested.Store(true)
		inv.cancel()
		return true, nil
	}
	return w.queue.CancelQueued(ctx, id)
}

// ActiveCount returns the number of in-flight handler invocations.
func (w *Worker) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	if w.heartbeats == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.publishHeartbeat(ctx)
		}
	}
}

func (w *Worker) publishHeartbeat(ctx context.Context) {
	now := w.clock()
	var lagMS int64
	if age, ok, err := w.queue.Store().OldestQueuedAge(ctx, now); err == nil && ok {
		lagMS = age.Milliseconds()
	}
	host, _ := os.Hostname()
	hb := Heartbeat{
		WorkerID:    w.cfg.WorkerID,
		Host:        host,
		PID:         os.Getpid(),
		Version:     w.cfg.Version,
		ActiveTasks: w.ActiveCount(),
		QueueLagMS:  lagMS,
		UpdatedAt:   now,
	}
	if err := w.heartbeats.Publish(ctx, hb); err != nil {
		w.logger.Warn().Err(err).Msg("heartbeat publish failed")
	}
}

// drain stops claiming, waits out the grace period, cancels stragglers and
// publishes a final heartbeat.
func (w *Worker) drain() {
	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGrace):
		w.mu.Lock()
		for _, inv := range w.active {
			inv.cancel()
		}
		w.mu.Unlock()
		<-done
	}

	if w.heartbeats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		w.publishHeartbeat(ctx)
	}
	w.logger.Info().Msg("worker drained")
}
