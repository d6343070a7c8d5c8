package planstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/mailflow/db"
	"github.com/migadu/mailflow/rules"
)

func testPlan(threadID string) *rules.Plan {
	return &rules.Plan{
		UserID:    1,
		ThreadID:  threadID,
		MessageID: "msg-" + threadID,
		Action:    db.ActionArchive,
		CreatedAt: time.Now(),
	}
}

func TestStoreSaveGetDelete(t *testing.T) {
	s := New(time.Hour, 100, time.Minute)
	defer s.Stop(context.Background())

	_, ok := s.Get(1, "thread-1")
	assert.False(t, ok)

	s.Save(1, "thread-1", testPlan("thread-1"))
	plan, ok := s.Get(1, "thread-1")
	require.True(t, ok)
	assert.Equal(t, "msg-thread-1", plan.MessageID)

	// Plans are keyed by user as well as thread.
	_, ok = s.Get(2, "thread-1")
	assert.False(t, ok)

	s.Delete(1, "thread-1")
	_, ok = s.Get(1, "thread-1")
	assert.False(t, ok)
}

func TestStoreOverwrite(t *testing.T) {
	s := New(time.Hour, 100, time.Minute)
	defer s.Stop(context.Background())

	first := testPlan("thread-1")
	s.Save(1, "thread-1", first)

	second := testPlan("thread-1")
	second.Action = db.ActionLabel
	s.Save(1, "thread-1", second)

	// At most one plan per thread; the newer decision wins.
	plan, ok := s.Get(1, "thread-1")
	require.True(t, ok)
	assert.Equal(t, db.ActionLabel, plan.Action)
	assert.Equal(t, 1, s.Size())
}

func TestStoreExpiry(t *testing.T) {
	s := New(10*time.Millisecond, 100, time.Hour)
	defer s.Stop(context.Background())

	s.Save(1, "thread-1", testPlan("thread-1"))
	time.Sleep(30 * time.Millisecond)

	_, ok := s.Get(1, "thread-1")
	assert.False(t, ok)
}

func TestStoreEviction(t *testing.T) {
	s := New(time.Hour, 2, time.Hour)
	defer s.Stop(context.Background())

	s.Save(1, "thread-1", testPlan("thread-1"))
	s.Save(1, "thread-2", testPlan("thread-2"))
	s.Save(1, "thread-3", testPlan("thread-3"))

	assert.Equal(t, 2, s.Size())
	_, ok := s.Get(1, "thread-3")
	assert.True(t, ok)
}

func TestStoreListUser(t *testing.T) {
	s := New(time.Hour, 100, time.Minute)
	defer s.Stop(context.Background())

	s.Save(1, "thread-1", testPlan("thread-1"))
	s.Save(1, "thread-2", testPlan("thread-2"))
	other := testPlan("thread-9")
	other.UserID = 2
	s.Save(2, "thread-9", other)

	plans := s.ListUser(1)
	assert.Len(t, plans, 2)
	assert.Len(t, s.ListUser(2), 1)
	assert.Empty(t, s.ListUser(3))
}

func TestStoreCleanupLoop(t *testing.T) {
	s := New(5*time.Millisecond, 100, 10*time.Millisecond)
	defer s.Stop(context.Background())

	s.Save(1, "thread-1", testPlan("thread-1"))
	require.Eventually(t, func() bool {
		return s.Size() == 0
	}, time.Second, 10*time.Millisecond)
}
