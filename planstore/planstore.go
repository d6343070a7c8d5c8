// Package planstore keeps matched-but-unconfirmed rule decisions in
// memory until the user confirms, rejects, or lets them expire.
package planstore

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/pkg/metrics"
	"github.com/migadu/mailflow/rules"
)

type planKey struct {
	userID   int64
	threadID string
}

type storeEntry struct {
	plan      *rules.Plan
	expiresAt time.Time
}

// Store holds at most one pending plan per (user, thread). A newer
// decision for the same thread overwrites the old plan.
type Store struct {
	mu              sync.RWMutex
	entries         map[planKey]*storeEntry
	ttl             time.Duration
	maxSize         int
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupStopped  chan struct{}
}

// New creates a plan store and starts its background cleanup goroutine.
func New(ttl time.Duration, maxSize int, cleanupInterval time.Duration) *Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}

	s := &Store{
		entries:         make(map[planKey]*storeEntry),
		ttl:             ttl,
		maxSize:         maxSize,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupStopped:  make(chan struct{}),
	}

	go s.cleanupLoop()

	logger.Info("PlanStore: Initialized", "ttl", ttl, "max_size", maxSize, "cleanup_interval", cleanupInterval)

	return s
}

// Save stores a plan, replacing any earlier plan for the same thread.
func (s *Store) Save(userID int64, threadID string, plan *rules.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := planKey{userID: userID, threadID: threadID}
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	s.entries[key] = &storeEntry{
		plan:      plan,
		expiresAt: time.Now().Add(s.ttl),
	}

	metrics.PlanStoreOperations.WithLabelValues("save").Inc()
	metrics.PlanStoreEntries.Set(float64(len(s.entries)))
}

// Get returns the pending plan for a thread, if one exists and has not
// expired.
func (s *Store) Get(userID int64, threadID string) (*rules.Plan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[planKey{userID: userID, threadID: threadID}]
	if !exists || time.Now().After(entry.expiresAt) {
		metrics.PlanStoreOperations.WithLabelValues("miss").Inc()
		return nil, false
	}

	metrics.PlanStoreOperations.WithLabelValues("hit").Inc()
	return entry.plan, true
}

// Delete removes a thread's pending plan.
func (s *Store) Delete(userID int64, threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, planKey{userID: userID, threadID: threadID})
	metrics.PlanStoreOperations.WithLabelValues("delete").Inc()
	metrics.PlanStoreEntries.Set(float64(len(s.entries)))
}

// ListUser returns all unexpired plans pending for a user.
func (s *Store) ListUser(userID int64) []*rules.Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var plans []*rules.Plan
	for key, entry := range s.entries {
		if key.userID == userID && now.Before(entry.expiresAt) {
			plans = append(plans, entry.plan)
		}
	}
	return plans
}

// evictOldest removes the entry closest to expiry.
// Caller must hold the write lock.
func (s *Store) evictOldest() {
	var oldestKey planKey
	var oldestTime time.Time
	first := true

	for key, entry := range s.entries {
		if first || entry.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.expiresAt
			first = false
		}
	}

	if !first {
		delete(s.entries, oldestKey)
		metrics.PlanStoreOperations.WithLabelValues("evict").Inc()
	}
}

// cleanupLoop periodically removes expired plans
func (s *Store) cleanupLoop() {
	defer close(s.cleanupStopped)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired plans
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0

	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}

	if removed > 0 {
		logger.Info("PlanStore: Cleanup removed expired plans", "removed", removed, "remaining", len(s.entries))
		metrics.PlanStoreEntries.Set(float64(len(s.entries)))
	}
}

// Stop stops the cleanup goroutine
func (s *Store) Stop(ctx context.Context) error {
	close(s.stopCleanup)

	select {
	case <-s.cleanupStopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Size returns the number of stored plans.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
