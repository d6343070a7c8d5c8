package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerHash(t *testing.T) {
	h1 := TriggerHash(1, "msg-1", 10)
	h2 := TriggerHash(1, "msg-1", 10)
	assert.Equal(t, h1, h2, "same trigger must hash identically")
	assert.Len(t, h1, 64)

	assert.NotEqual(t, h1, TriggerHash(2, "msg-1", 10))
	assert.NotEqual(t, h1, TriggerHash(1, "msg-2", 10))
	assert.NotEqual(t, h1, TriggerHash(1, "msg-1", 11))
}

func TestInsertExecutedRuleDuplicateTrigger(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	db := setupTestDatabase(t)
	ctx := context.Background()
	userID := testUserID()
	rule := createTestRule(t, db, userID)

	first := &ExecutedRule{
		UserID:    userID,
		RuleID:    rule.ID,
		MessageID: "msg-dup",
		ThreadID:  "thread-dup",
		Automated: true,
		Status:    StatusExecuting,
	}
	require.NoError(t, db.InsertExecutedRule(ctx, first))
	assert.NotZero(t, first.ID)
	assert.NotEmpty(t, first.TriggerHash)

	// Same (user, message, rule) must be rejected, even across restarts.
	second := &ExecutedRule{
		UserID:    userID,
		RuleID:    rule.ID,
		MessageID: "msg-dup",
		ThreadID:  "thread-dup",
		Status:    StatusExecuting,
	}
	err := db.InsertExecutedRule(ctx, second)
	assert.ErrorIs(t, err, ErrDuplicateTrigger)

	// A different message on the same rule is a distinct trigger.
	third := &ExecutedRule{
		UserID:    userID,
		RuleID:    rule.ID,
		MessageID: "msg-other",
		ThreadID:  "thread-dup",
		Status:    StatusExecuting,
	}
	require.NoError(t, db.InsertExecutedRule(ctx, third))
}

func TestInsertExecutedRuleReclaimsFailedTrigger(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	db := setupTestDatabase(t)
	ctx := context.Background()
	userID := testUserID()
	rule := createTestRule(t, db, userID)

	first := &ExecutedRule{
		UserID:    userID,
		RuleID:    rule.ID,
		MessageID: "msg-retry",
		ThreadID:  "thread-retry",
		Status:    StatusExecuting,
	}
	require.NoError(t, db.InsertExecutedRule(ctx, first))
	require.NoError(t, db.UpdateExecutedRuleStatus(ctx, first.ID, StatusFailed))

	// A retry of the same trigger re-claims the failed record.
	retry := &ExecutedRule{
		UserID:    userID,
		RuleID:    rule.ID,
		MessageID: "msg-retry",
		ThreadID:  "thread-retry",
		Status:    StatusExecuting,
	}
	require.NoError(t, db.InsertExecutedRule(ctx, retry))
	assert.Equal(t, first.ID, retry.ID, "re-claim reuses the existing audit row")

	// The record is executing again; another delivery now conflicts.
	third := &ExecutedRule{
		UserID:    userID,
		RuleID:    rule.ID,
		MessageID: "msg-retry",
		ThreadID:  "thread-retry",
		Status:    StatusExecuting,
	}
	assert.ErrorIs(t, db.InsertExecutedRule(ctx, third), ErrDuplicateTrigger)

	// Once executed the trigger stays closed for good.
	require.NoError(t, db.UpdateExecutedRuleStatus(ctx, retry.ID, StatusExecuted))
	assert.ErrorIs(t, db.InsertExecutedRule(ctx, third), ErrDuplicateTrigger)
}

func TestExecutedRuleAuditTrail(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	db := setupTestDatabase(t)
	ctx := context.Background()
	userID := testUserID()
	rule := createTestRule(t, db, userID)

	er := &ExecutedRule{
		UserID:    userID,
		RuleID:    rule.ID,
		MessageID: "msg-audit",
		ThreadID:  "thread-audit",
		Status:    StatusExecuting,
	}
	require.NoError(t, db.InsertExecutedRule(ctx, er))

	ea := &ExecutedAction{
		ExecutedRuleID: er.ID,
		UserID:         userID,
		Type:           ActionLabel,
		Args:           []byte(`{"label": "Newsletters"}`),
		MessageID:      "msg-audit",
		ThreadID:       "thread-audit",
		Status:         StatusExecuted,
	}
	require.NoError(t, db.InsertExecutedAction(ctx, ea))
	require.NoError(t, db.UpdateExecutedRuleStatus(ctx, er.ID, StatusExecuted))

	rules, err := db.ListExecutedRules(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, StatusExecuted, rules[0].Status)
	assert.Equal(t, rule.ID, rules[0].RuleID)

	actions, err := db.ListExecutedActions(ctx, er.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionLabel, actions[0].Type)
	assert.JSONEq(t, `{"label": "Newsletters"}`, string(actions[0].Args))
}

func TestTrackThreadUpsert(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	db := setupTestDatabase(t)
	ctx := context.Background()
	userID := testUserID()
	rule := createTestRule(t, db, userID)

	require.NoError(t, db.TrackThread(ctx, userID, "thread-track", rule.ID))
	require.NoError(t, db.ResolveTrackedThread(ctx, userID, "thread-track"))

	// Re-tracking a resolved thread resets it to awaiting.
	require.NoError(t, db.TrackThread(ctx, userID, "thread-track", rule.ID))

	var awaiting bool
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT awaiting_reply FROM tracked_threads WHERE user_id = $1 AND thread_id = $2
	`, userID, "thread-track").Scan(&awaiting)
	require.NoError(t, err)
	assert.True(t, awaiting)
}
