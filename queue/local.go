// Package queue provides the two operation queues: a local in-process
// queue for bulk mailbox operations, durable across restarts via bbolt,
// and a Postgres-backed distributed dispatch queue with per-user
// parallelism limits.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/pkg/metrics"
)

// Operation kinds handled by the local queue.
const (
	KindArchive  = "archive"
	KindDelete   = "delete"
	KindMarkRead = "mark_read"
	KindRunRules = "run_rules"
)

// LocalHandler processes one queued item.
type LocalHandler func(ctx context.Context, userID int64, itemID string) error

// RefreshFunc is invoked after an item completes, e.g. to refresh a
// view of the affected mailbox.
type RefreshFunc func(kind string)

type localTask struct {
	kind   string
	userID int64
	itemID string
}

// Local is a bounded worker pool for bulk mailbox operations. Pending
// item IDs are persisted per operation kind so interrupted work can be
// resumed after a restart.
type Local struct {
	store       *bolt.DB
	handlers    map[string]LocalHandler
	refresh     RefreshFunc
	tasks       chan localTask
	concurrency int
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// NewLocal opens the persistence file and prepares the worker pool.
// Workers do not run until Start.
func NewLocal(path string, concurrency int, refresh RefreshFunc) (*Local, error) {
	if concurrency <= 0 {
		concurrency = 3
	}

	store, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open local queue store %s: %w", path, err)
	}

	return &Local{
		store:       store,
		handlers:    make(map[string]LocalHandler),
		refresh:     refresh,
		tasks:       make(chan localTask, 1024),
		concurrency: concurrency,
		stopCh:      make(chan struct{}),
	}, nil
}

// RegisterHandler binds an operation kind to its handler. Must be
// called before Start.
func (l *Local) RegisterHandler(kind string, handler LocalHandler) {
	l.handlers[kind] = handler
}

// Start launches the worker pool.
func (l *Local) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	for i := 0; i < l.concurrency; i++ {
		l.wg.Add(1)
		go l.worker(ctx)
	}

	logger.Info("LocalQueue: started", "concurrency", l.concurrency)
	return nil
}

// Submit persists the item IDs for the given kind and enqueues them.
// IDs are durable before the call returns; a crash between Submit and
// completion is recovered by Resume.
func (l *Local) Submit(ctx context.Context, kind string, userID int64, itemIDs []string) error {
	if _, ok := l.handlers[kind]; !ok {
		return fmt.Errorf("no handler registered for kind %q", kind)
	}

	err := l.store.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return err
		}
		for _, id := range itemIDs {
			if err := bucket.Put([]byte(taskKey(userID, id)), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist pending items: %w", err)
	}

	for _, id := range itemIDs {
		select {
		case l.tasks <- localTask{kind: kind, userID: userID, itemID: id}:
			metrics.QueueDepth.WithLabelValues("local").Inc()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Resume re-enqueues every persisted pending item. Called once at
// startup, after handlers are registered.
func (l *Local) Resume(ctx context.Context) error {
	var resumed []localTask

	err := l.store.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bolt.Bucket) error {
			kind := string(name)
			if _, ok := l.handlers[kind]; !ok {
				logger.Warn("LocalQueue: skipping persisted items with no handler", "kind", kind)
				return nil
			}
			return bucket.ForEach(func(key, _ []byte) error {
				userID, itemID, err := parseTaskKey(string(key))
				if err != nil {
					logger.Warn("LocalQueue: dropping malformed persisted key", "key", string(key))
					return nil
				}
				resumed = append(resumed, localTask{kind: kind, userID: userID, itemID: itemID})
				return nil
			})
		})
	})
	if err != nil {
		return fmt.Errorf("failed to read persisted items: %w", err)
	}

	for _, task := range resumed {
		select {
		case l.tasks <- task:
			metrics.QueueDepth.WithLabelValues("local").Inc()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(resumed) > 0 {
		logger.Info("LocalQueue: resumed persisted items", "count", len(resumed))
	}
	return nil
}

func (l *Local) worker(ctx context.Context) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case task := <-l.tasks:
			metrics.QueueDepth.WithLabelValues("local").Dec()
			l.process(ctx, task)
		}
	}
}

func (l *Local) process(ctx context.Context, task localTask) {
	handler := l.handlers[task.kind]
	if err := handler(ctx, task.userID, task.itemID); err != nil {
		logger.Error("LocalQueue: item failed",
			"kind", task.kind, "user_id", task.userID, "item_id", task.itemID, "error", err)
		metrics.QueueJobs.WithLabelValues("local", "failed").Inc()
		// The persisted ID stays in place; a later Resume retries it.
		return
	}

	if err := l.store.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(task.kind))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(taskKey(task.userID, task.itemID)))
	}); err != nil {
		logger.Error("LocalQueue: failed to clear completed item",
			"kind", task.kind, "item_id", task.itemID, "error", err)
	}

	metrics.QueueJobs.WithLabelValues("local", "done").Inc()
	if l.refresh != nil {
		l.refresh(task.kind)
	}
}

// Stop drains the workers and closes the persistence store. Items not
// yet processed remain persisted for the next Resume.
func (l *Local) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	l.mu.Unlock()

	close(l.stopCh)
	l.wg.Wait()
	return l.store.Close()
}

// PendingCount returns the number of persisted items for a kind.
func (l *Local) PendingCount(kind string) (int, error) {
	count := 0
	err := l.store.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(kind))
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

func taskKey(userID int64, itemID string) string {
	return strconv.FormatInt(userID, 10) + "|" + itemID
}

func parseTaskKey(key string) (int64, string, error) {
	sep := strings.IndexByte(key, '|')
	if sep < 1 {
		return 0, "", fmt.Errorf("malformed task key %q", key)
	}
	userID, err := strconv.ParseInt(key[:sep], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed task key %q: %w", key, err)
	}
	return userID, key[sep+1:], nil
}
