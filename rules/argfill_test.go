package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/mailflow/ai"
	"github.com/migadu/mailflow/db"
)

func replyRule() *db.Rule {
	return &db.Rule{
		ID:           5,
		UserID:       1,
		Name:         "Reply to inquiries",
		Instructions: "Match customer inquiries and reply politely",
		Enabled:      true,
		Actions: []db.RuleAction{
			{
				RuleID:          5,
				Type:            db.ActionReply,
				ContentTemplate: "Dear {{write an appropriate greeting}},\n\n{{draft a response}}\n\nBest",
			},
		},
	}
}

func TestGenerateNoPlaceholders(t *testing.T) {
	engine := &mockEngine{}
	g := NewArgumentGenerator(engine, 3, 0)

	values, err := g.Generate(context.Background(), labelRule(1, "Newsletters"), testEmail())
	require.NoError(t, err)
	assert.Empty(t, values)
	// No engine call for rules without placeholders.
	assert.Empty(t, engine.structuredReqs)
}

func TestGenerateFillsPlaceholders(t *testing.T) {
	engine := &mockEngine{
		structuredOut: []json.RawMessage{
			json.RawMessage(`{"action_0_content": {"var1": "Dr. Chen", "var2": "Thank you for the update."}}`),
		},
	}
	g := NewArgumentGenerator(engine, 3, 0)

	values, err := g.Generate(context.Background(), replyRule(), testEmail())
	require.NoError(t, err)
	assert.Equal(t, []string{"Dr. Chen", "Thank you for the update."}, values["action_0_content"])

	// One group per templated field, one var per instruction.
	require.Len(t, engine.structuredReqs, 1)
	schema := engine.structuredReqs[0].Schema
	require.Contains(t, schema.Properties, "action_0_content")
	group := schema.Properties["action_0_content"]
	assert.Len(t, group.Properties, 2)
	assert.Equal(t, "fulfil instruction: write an appropriate greeting", group.Properties["var1"].Description)
	assert.Equal(t, "fulfil instruction: draft a response", group.Properties["var2"].Description)
}

func TestGenerateRetriesSchemaViolations(t *testing.T) {
	engine := &mockEngine{
		structuredErrs: []error{
			fmt.Errorf("attempt 1: %w", ai.ErrInvalidFunctionArgs),
			fmt.Errorf("attempt 2: %w", ai.ErrInvalidFunctionArgs),
			nil,
		},
		structuredOut: []json.RawMessage{
			nil,
			nil,
			json.RawMessage(`{"action_0_content": {"var1": "Hi", "var2": "Thanks."}}`),
		},
	}
	g := NewArgumentGenerator(engine, 3, 0)

	values, err := g.Generate(context.Background(), replyRule(), testEmail())
	require.NoError(t, err)
	assert.Len(t, engine.structuredReqs, 3)
	assert.Equal(t, []string{"Hi", "Thanks."}, values["action_0_content"])
}

func TestGenerateGivesUpAfterMaxAttempts(t *testing.T) {
	engine := &mockEngine{
		structuredErrs: []error{
			ai.ErrInvalidFunctionArgs,
			ai.ErrInvalidFunctionArgs,
			ai.ErrInvalidFunctionArgs,
		},
	}
	g := NewArgumentGenerator(engine, 3, 0)

	_, err := g.Generate(context.Background(), replyRule(), testEmail())
	require.Error(t, err)
	assert.ErrorIs(t, err, ai.ErrInvalidFunctionArgs)
	assert.Len(t, engine.structuredReqs, 3)
}

func TestGenerateDoesNotRetryTransportErrors(t *testing.T) {
	engine := &mockEngine{structuredErrs: []error{assert.AnError}}
	g := NewArgumentGenerator(engine, 3, 0)

	_, err := g.Generate(context.Background(), replyRule(), testEmail())
	require.Error(t, err)
	assert.Len(t, engine.structuredReqs, 1)
}
