package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleActionTypes(t *testing.T) {
	rule := &Rule{
		Actions: []RuleAction{
			{Type: ActionLabel},
			{Type: ActionReply},
			{Type: ActionLabel}, // duplicates collapse
		},
	}

	assert.Equal(t, []ActionType{ActionLabel, ActionReply}, rule.ActionTypes())
	assert.True(t, rule.PermitsAction(ActionReply))
	assert.False(t, rule.PermitsAction(ActionArchive))
}

func TestIsKnownActionType(t *testing.T) {
	for _, known := range KnownActionTypes {
		assert.True(t, IsKnownActionType(known))
	}
	assert.False(t, IsKnownActionType("delete_everything"))
}

func TestCreateAndGetRule(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	db := setupTestDatabase(t)
	ctx := context.Background()
	userID := testUserID()

	rule := &Rule{
		UserID:       userID,
		Name:         fmt.Sprintf("reply_%d", time.Now().UnixNano()),
		Instructions: "reply to meeting requests from my team",
		Automate:     true,
		Enabled:      true,
		Actions: []RuleAction{
			{
				Type:            ActionReply,
				SubjectTemplate: "Re: {{summarize the request}}",
				ContentTemplate: "Dear {{write a greeting}},\n\n{{draft a response}}",
			},
			{
				Type:          ActionLabel,
				LabelTemplate: "Meetings",
				DelayMinutes:  60,
			},
		},
	}
	require.NoError(t, db.CreateRule(ctx, rule))
	assert.NotZero(t, rule.ID)

	got, err := db.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Name, got.Name)
	assert.True(t, got.Automate)
	require.Len(t, got.Actions, 2)
	assert.Equal(t, ActionReply, got.Actions[0].Type)
	assert.Equal(t, rule.Actions[0].ContentTemplate, got.Actions[0].ContentTemplate)
	assert.Equal(t, 60, got.Actions[1].DelayMinutes)
}

func TestGetEnabledRulesFiltersDisabled(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	db := setupTestDatabase(t)
	ctx := context.Background()
	userID := testUserID()

	enabled := createTestRule(t, db, userID)
	disabled := createTestRule(t, db, userID)
	require.NoError(t, db.SetRuleEnabled(ctx, disabled.ID, false))

	rules, err := db.GetEnabledRules(ctx, userID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, enabled.ID, rules[0].ID)
	require.Len(t, rules[0].Actions, 1, "actions must be loaded with the rule")
}

func TestDeleteRuleCascadesActions(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	db := setupTestDatabase(t)
	ctx := context.Background()
	userID := testUserID()
	rule := createTestRule(t, db, userID)

	require.NoError(t, db.DeleteRule(ctx, rule.ID))

	_, err := db.GetRule(ctx, rule.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var count int
	err = db.GetReadPool().QueryRow(ctx, `
		SELECT count(*) FROM rule_actions WHERE rule_id = $1
	`, rule.ID).Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.ErrorIs(t, db.DeleteRule(ctx, rule.ID), ErrNotFound)
}
