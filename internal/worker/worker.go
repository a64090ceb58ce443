// Package worker runs the background execution loop: requeue abandoned jobs,
// drain the queue through the engine, reconcile submitted trades and settle
// the jobs that were waiting on them.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-executor/internal/apperr"
	"trade-executor/internal/jobs"
	"trade-executor/internal/logging"
	"trade-executor/internal/metrics"
	"trade-executor/internal/scheduler"
	"trade-executor/internal/storage"
)

// Reconciler finalizes submitted trades whose receipts have landed.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// Options tune a Worker.
type Options struct {
	BatchSize       int
	ReconcileEvery  time.Duration
	AdvisoryLockKey int64
}

// Worker performs one pass per scheduler tick.
type Worker struct {
	scheduler  *scheduler.Scheduler
	runner     *jobs.Runner
	reconciler Reconciler
	trades     jobs.TradeReader
	locker     storage.AdvisoryLocker
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	opts       Options

	mu            sync.Mutex
	lastReconcile time.Time
}

// New constructs the worker. locker may be nil, in which case passes never
// coordinate with other processes. With trades nil submitted jobs are never
// settled.
func New(opts Options, sched *scheduler.Scheduler, runner *jobs.Runner, reconciler Reconciler, trades jobs.TradeReader, locker storage.AdvisoryLocker, m *metrics.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		scheduler:  sched,
		runner:     runner,
		reconciler: reconciler,
		trades:     trades,
		locker:     locker,
		metrics:    m,
		logger:     logging.Component(logger, "worker"),
		opts:       opts,
	}
}

// Run begins the polling loop.
func (w *Worker) Run(ctx context.Context) error {
	if w.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return w.scheduler.Run(ctx, w.Pass)
}

// Pass runs a single worker iteration. When another process holds the
// advisory lock the pass is skipped.
func (w *Worker) Pass(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := w.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		w.logger.Debug().Time("tick", tick).Msg("advisory lock held elsewhere, skipping pass")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	requeued, err := w.runner.Queue().RequeueStale(ctx)
	if err != nil {
		return err
	}
	w.metrics.Requeued(requeued)

	processed, err := w.runner.Drain(ctx, w.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("drain jobs: %w", err)
	}
	if processed > 0 {
		w.logger.Info().Int("processed", processed).Int("requeued", requeued).Msg("worker pass complete")
	}

	if w.reconcileDue(tick) {
		if _, err := w.reconciler.Reconcile(ctx); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
	}

	if w.trades != nil {
		settled, err := w.runner.Queue().SettleSubmitted(ctx, w.trades, w.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("settle submitted jobs: %w", err)
		}
		if settled > 0 {
			w.logger.Info().Int("settled", settled).Msg("submitted jobs settled")
		}
	}
	return nil
}

func (w *Worker) reconcileDue(tick time.Time) bool {
	if w.reconciler == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.lastReconcile.IsZero() && tick.Sub(w.lastReconcile) < w.opts.ReconcileEvery {
		return false
	}
	w.lastReconcile = tick
	return true
}

func (w *Worker) acquireLock(ctx context.Context) (func(), bool, error) {
	if w.opts.AdvisoryLockKey == 0 || w.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := w.locker.TryAdvisoryLock(ctx, w.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// Instrument counts handled jobs by resulting status.
func Instrument(h jobs.Handler, m *metrics.Metrics) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, job *storage.ExecutionJob) (jobs.Outcome, error) {
		outcome, err := h.HandleJob(ctx, job)
		switch {
		case err == nil:
			m.JobDone(string(outcome.Status))
		case apperr.HasCode(err, apperr.CodeLocked):
			m.JobDone("requeued")
		default:
			m.JobDone("error")
		}
		return outcome, err
	})
}
