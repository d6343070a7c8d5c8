// Package scheduler sweeps delayed actions whose due time has passed
// and executes them. Claims are atomic conditional status transitions,
// so multiple instances can sweep the same database safely.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/mailflow/db"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/pkg/metrics"
)

// SchedulerDB defines the database operations needed by the sweep worker.
// This interface makes the worker testable by allowing mocks.
type SchedulerDB interface {
	AcquireDueScheduledActions(ctx context.Context, limit int) ([]db.ExecutedAction, error)
	CompleteScheduledAction(ctx context.Context, id int64) error
	FailScheduledAction(ctx context.Context, id int64, cause string) error
	CancelScheduledAction(ctx context.Context, id int64, userID int64) error
	RescheduleAction(ctx context.Context, id int64, userID int64, at time.Time) error
	CountScheduledActions(ctx context.Context) (int64, error)
}

// ActionRunner executes one claimed action.
type ActionRunner interface {
	ExecuteScheduled(ctx context.Context, ea *db.ExecutedAction) error
}

type Worker struct {
	sdb           SchedulerDB
	runner        ActionRunner
	sweepInterval time.Duration
	batchSize     int
	concurrency   int
	notifyCh      chan struct{}
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

func New(sdb SchedulerDB, runner ActionRunner, sweepInterval time.Duration, batchSize, concurrency int) *Worker {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if concurrency <= 0 {
		concurrency = 5
	}

	return &Worker{
		sdb:           sdb,
		runner:        runner,
		sweepInterval: sweepInterval,
		batchSize:     batchSize,
		concurrency:   concurrency,
		notifyCh:      make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	logger.Info("Scheduler: worker started", "sweep_interval", w.sweepInterval,
		"batch_size", w.batchSize, "concurrency", w.concurrency)
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.wg.Done()
	}()

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	// Sweep immediately on start to pick up actions that came due while
	// the process was down.
	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Scheduler: worker stopped due to context cancellation")
			return
		case <-w.stopCh:
			logger.Info("Scheduler: worker stopped due to stop signal")
			return
		case <-ticker.C:
			w.sweep(ctx)
		case <-w.notifyCh:
			logger.Debug("Scheduler: worker notified")
			w.sweep(ctx)
		}
	}
}

// Stop gracefully stops the worker and waits for in-flight executions.
// Safe to call multiple times.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	logger.Info("Scheduler: worker stopped")
}

// Notify wakes the worker for an immediate sweep.
func (w *Worker) Notify() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

// sweep claims due actions in batches and executes them with bounded
// concurrency until no more are due.
func (w *Worker) sweep(ctx context.Context) {
	metrics.SchedulerSweeps.Inc()

	for {
		claimed, err := w.sdb.AcquireDueScheduledActions(ctx, w.batchSize)
		if err != nil {
			logger.Error("Scheduler: failed to acquire due actions", "error", err)
			return
		}
		if len(claimed) == 0 {
			return
		}

		metrics.ScheduledActionsClaimed.Add(float64(len(claimed)))
		logger.Info("Scheduler: claimed due actions", "count", len(claimed))

		sem := make(chan struct{}, w.concurrency)
		var batch sync.WaitGroup
		for i := range claimed {
			ea := claimed[i]
			batch.Add(1)
			sem <- struct{}{}
			go func() {
				defer batch.Done()
				defer func() { <-sem }()
				w.execute(ctx, &ea)
			}()
		}
		batch.Wait()

		if len(claimed) < w.batchSize {
			return
		}
	}
}

// execute runs one claimed action and records the terminal transition.
// Failures stay in the audit trail for manual retry; the owning rule's
// status is untouched because sibling actions may have succeeded.
func (w *Worker) execute(ctx context.Context, ea *db.ExecutedAction) {
	if err := w.runner.ExecuteScheduled(ctx, ea); err != nil {
		logger.Error("Scheduler: scheduled action failed",
			"action_id", ea.ID, "user_id", ea.UserID, "action", ea.Type, "error", err)
		metrics.ScheduledActionOutcomes.WithLabelValues("failed").Inc()
		if ferr := w.sdb.FailScheduledAction(ctx, ea.ID, err.Error()); ferr != nil {
			logger.Error("Scheduler: failed to record action failure", "action_id", ea.ID, "error", ferr)
		}
		return
	}

	if err := w.sdb.CompleteScheduledAction(ctx, ea.ID); err != nil {
		logger.Error("Scheduler: failed to record action completion", "action_id", ea.ID, "error", err)
		return
	}
	metrics.ScheduledActionOutcomes.WithLabelValues("executed").Inc()
	logger.Info("Scheduler: executed scheduled action",
		"action_id", ea.ID, "user_id", ea.UserID, "action", ea.Type)
}

// Cancel cancels an unclaimed scheduled action. Actions already
// executing run to completion; cancelling them returns
// db.ErrNotClaimable.
func (w *Worker) Cancel(ctx context.Context, actionID, userID int64) error {
	if err := w.sdb.CancelScheduledAction(ctx, actionID, userID); err != nil {
		return err
	}
	metrics.ScheduledActionOutcomes.WithLabelValues("cancelled").Inc()
	logger.Info("Scheduler: cancelled scheduled action", "action_id", actionID, "user_id", userID)
	return nil
}

// Reschedule moves an unclaimed action's due time.
func (w *Worker) Reschedule(ctx context.Context, actionID, userID int64, at time.Time) error {
	if err := w.sdb.RescheduleAction(ctx, actionID, userID, at); err != nil {
		return err
	}
	logger.Info("Scheduler: rescheduled action",
		"action_id", actionID, "user_id", userID, "scheduled_at", at.Format(time.RFC3339))
	w.Notify()
	return nil
}
