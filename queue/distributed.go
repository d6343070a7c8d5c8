package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/migadu/mailflow/db"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/pkg/metrics"
)

// DispatchDB defines the database operations needed by the dispatcher.
type DispatchDB interface {
	EnqueueJobs(ctx context.Context, jobs []db.QueueJob) error
	ClaimQueueJobs(ctx context.Context, perKeyLimit, limit int) ([]db.QueueJob, error)
	CompleteQueueJob(ctx context.Context, id uuid.UUID) error
	FailQueueJob(ctx context.Context, id uuid.UUID, cause string, maxAttempts int) error
	RequeueStuckJobs(ctx context.Context, olderThan time.Duration) (int64, error)
	CountPendingJobs(ctx context.Context) (int64, error)
}

// JobHandler processes one claimed job.
type JobHandler func(ctx context.Context, job db.QueueJob) error

// Dispatcher is the Postgres-backed distributed queue. Jobs are routed
// by user key; claims enforce a per-key parallelism cap so one user's
// backlog cannot saturate a third-party rate limit.
type Dispatcher struct {
	qdb             DispatchDB
	handlers        map[string]JobHandler
	pollInterval    time.Duration
	perUserParallel int
	chunkSize       int
	concurrency     int
	maxAttempts     int
	stuckThreshold  time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
}

// NewDispatcher creates a dispatcher. Workers do not poll until Start.
func NewDispatcher(qdb DispatchDB, perUserParallel, chunkSize, concurrency, maxAttempts int,
	pollInterval, stuckThreshold time.Duration) *Dispatcher {
	if perUserParallel < 1 {
		perUserParallel = 1
	}
	if perUserParallel > 3 {
		perUserParallel = 3
	}
	if chunkSize <= 0 {
		chunkSize = 25
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if stuckThreshold <= 0 {
		stuckThreshold = 15 * time.Minute
	}

	return &Dispatcher{
		qdb:             qdb,
		handlers:        make(map[string]JobHandler),
		pollInterval:    pollInterval,
		perUserParallel: perUserParallel,
		chunkSize:       chunkSize,
		concurrency:     concurrency,
		maxAttempts:     maxAttempts,
		stuckThreshold:  stuckThreshold,
		stopCh:          make(chan struct{}),
	}
}

// RegisterHandler binds a job kind to its handler. Must be called
// before Start.
func (d *Dispatcher) RegisterHandler(kind string, handler JobHandler) {
	d.handlers[kind] = handler
}

// Submit chunks items into fixed-size sub-batches and enqueues one job
// per chunk. If the queue itself is unavailable the chunks are handed
// to the handler directly, trading durability for progress.
func (d *Dispatcher) Submit(ctx context.Context, userKey, kind string, items []json.RawMessage) error {
	handler, ok := d.handlers[kind]
	if !ok {
		return fmt.Errorf("no handler registered for kind %q", kind)
	}
	if len(items) == 0 {
		return nil
	}

	jobs := make([]db.QueueJob, 0, (len(items)+d.chunkSize-1)/d.chunkSize)
	for start := 0; start < len(items); start += d.chunkSize {
		end := start + d.chunkSize
		if end > len(items) {
			end = len(items)
		}
		payload, err := json.Marshal(items[start:end])
		if err != nil {
			return fmt.Errorf("failed to encode job payload: %w", err)
		}
		jobs = append(jobs, db.QueueJob{UserKey: userKey, Kind: kind, Payload: payload})
	}

	if err := d.qdb.EnqueueJobs(ctx, jobs); err != nil {
		logger.Warn("DispatchQueue: enqueue failed, dispatching directly",
			"user_key", userKey, "kind", kind, "jobs", len(jobs), "error", err)
		metrics.QueueFallbackDispatches.Inc()
		for _, job := range jobs {
			if herr := handler(ctx, job); herr != nil {
				return fmt.Errorf("direct dispatch after enqueue failure: %w", herr)
			}
		}
		return nil
	}

	logger.Debug("DispatchQueue: enqueued jobs", "user_key", userKey, "kind", kind, "jobs", len(jobs))
	return nil
}

// Start launches the claim poller.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(ctx)

	logger.Info("DispatchQueue: started", "poll_interval", d.pollInterval,
		"per_user_parallel", d.perUserParallel, "concurrency", d.concurrency)
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		d.wg.Done()
	}()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	stuckTicker := time.NewTicker(d.stuckThreshold / 3)
	defer stuckTicker.Stop()

	sem := make(chan struct{}, d.concurrency)
	var inFlight sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			inFlight.Wait()
			logger.Info("DispatchQueue: stopped due to context cancellation")
			return
		case <-d.stopCh:
			inFlight.Wait()
			logger.Info("DispatchQueue: stopped due to stop signal")
			return
		case <-stuckTicker.C:
			if requeued, err := d.qdb.RequeueStuckJobs(ctx, d.stuckThreshold); err != nil {
				logger.Error("DispatchQueue: failed to requeue stuck jobs", "error", err)
			} else if requeued > 0 {
				logger.Warn("DispatchQueue: requeued stuck jobs", "count", requeued)
			}
		case <-ticker.C:
			free := d.concurrency - len(sem)
			if free <= 0 {
				continue
			}
			claimed, err := d.qdb.ClaimQueueJobs(ctx, d.perUserParallel, free)
			if err != nil {
				logger.Error("DispatchQueue: claim failed", "error", err)
				continue
			}
			for _, job := range claimed {
				inFlight.Add(1)
				sem <- struct{}{}
				go func(job db.QueueJob) {
					defer inFlight.Done()
					defer func() { <-sem }()
					d.process(ctx, job)
				}(job)
			}
			if depth, err := d.qdb.CountPendingJobs(ctx); err == nil {
				metrics.QueueDepth.WithLabelValues("dispatch").Set(float64(depth))
			}
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, job db.QueueJob) {
	handler, ok := d.handlers[job.Kind]
	if !ok {
		logger.Error("DispatchQueue: claimed job with no handler", "job_id", job.ID, "kind", job.Kind)
		if err := d.qdb.FailQueueJob(ctx, job.ID, "no handler registered", d.maxAttempts); err != nil {
			logger.Error("DispatchQueue: failed to record job failure", "job_id", job.ID, "error", err)
		}
		metrics.QueueJobs.WithLabelValues("dispatch", "failed").Inc()
		return
	}

	if err := handler(ctx, job); err != nil {
		logger.Error("DispatchQueue: job failed",
			"job_id", job.ID, "kind", job.Kind, "user_key", job.UserKey,
			"attempt", job.Attempts, "error", err)
		if ferr := d.qdb.FailQueueJob(ctx, job.ID, err.Error(), d.maxAttempts); ferr != nil {
			logger.Error("DispatchQueue: failed to record job failure", "job_id", job.ID, "error", ferr)
		}
		metrics.QueueJobs.WithLabelValues("dispatch", "failed").Inc()
		return
	}

	if err := d.qdb.CompleteQueueJob(ctx, job.ID); err != nil {
		logger.Error("DispatchQueue: failed to record job completion", "job_id", job.ID, "error", err)
		return
	}
	metrics.QueueJobs.WithLabelValues("dispatch", "done").Inc()
}

// Stop drains in-flight jobs and stops polling. Safe to call multiple
// times.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
	logger.Info("DispatchQueue: stopped")
}
