package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/mailflow/ai"
	"github.com/migadu/mailflow/db"
	"github.com/migadu/mailflow/mail"
)

func testEmail() *mail.ParsedEmail {
	return &mail.ParsedEmail{
		MessageID: "msg-1",
		ThreadID:  "thread-1",
		From:      "newsletter@example.com",
		To:        "user@example.com",
		Subject:   "Weekly digest",
		Body:      "This week's updates...",
	}
}

func labelRule(id int64, name string) *db.Rule {
	return &db.Rule{
		ID:      id,
		UserID:  1,
		Name:    name,
		Enabled: true,
		Actions: []db.RuleAction{
			{RuleID: id, Type: db.ActionLabel, LabelTemplate: "Newsletters"},
		},
	}
}

func TestMatcherNoRules(t *testing.T) {
	engine := &mockEngine{}
	m := NewMatcher(engine)

	decision, err := m.Match(context.Background(), testEmail(), nil)
	require.NoError(t, err)
	assert.Nil(t, decision)
	// The engine must not be consulted when nothing can match.
	assert.Empty(t, engine.functionReqs)
}

func TestMatcherSkipsDisabledRules(t *testing.T) {
	rule := labelRule(1, "Newsletters")
	rule.Enabled = false
	engine := &mockEngine{}
	m := NewMatcher(engine)

	decision, err := m.Match(context.Background(), testEmail(), []*db.Rule{rule})
	require.NoError(t, err)
	assert.Nil(t, decision)
	assert.Empty(t, engine.functionReqs)
}

func TestMatcherMatches(t *testing.T) {
	rules := []*db.Rule{
		labelRule(10, "Newsletters"),
		{
			ID:      11,
			UserID:  1,
			Name:    "Archive receipts",
			Enabled: true,
			Actions: []db.RuleAction{{RuleID: 11, Type: db.ActionArchive}},
		},
	}
	engine := &mockEngine{
		functionCalls: []*ai.FunctionCall{
			{Name: "archive", Arguments: json.RawMessage(`{"rule_number": 2}`)},
		},
	}
	m := NewMatcher(engine)

	decision, err := m.Match(context.Background(), testEmail(), rules)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, int64(11), decision.Rule.ID)
	assert.Equal(t, db.ActionArchive, decision.Action)

	// Only the union of permitted action types is offered.
	require.Len(t, engine.functionReqs, 1)
	names := make([]string, 0, 2)
	for _, fn := range engine.functionReqs[0].Functions {
		names = append(names, fn.Name)
	}
	assert.ElementsMatch(t, []string{"label", "archive"}, names)
}

func TestMatcherNoFunctionCallMeansNoMatch(t *testing.T) {
	engine := &mockEngine{functionErrs: []error{ai.ErrNoFunctionCall}}
	m := NewMatcher(engine)

	decision, err := m.Match(context.Background(), testEmail(), []*db.Rule{labelRule(1, "Newsletters")})
	require.NoError(t, err)
	assert.Nil(t, decision)
}

func TestMatcherDropsActionOutsideRuleSet(t *testing.T) {
	// The engine picks rule 1 but an action that rule does not permit.
	// The decision must be dropped, never substituted with a permitted one.
	rules := []*db.Rule{
		labelRule(1, "Newsletters"),
		{
			ID:      2,
			UserID:  1,
			Name:    "Archive receipts",
			Enabled: true,
			Actions: []db.RuleAction{{RuleID: 2, Type: db.ActionArchive}},
		},
	}
	engine := &mockEngine{
		functionCalls: []*ai.FunctionCall{
			{Name: "archive", Arguments: json.RawMessage(`{"rule_number": 1}`)},
		},
	}
	m := NewMatcher(engine)

	decision, err := m.Match(context.Background(), testEmail(), rules)
	require.NoError(t, err)
	assert.Nil(t, decision)
}

func TestMatcherDropsOutOfRangeRuleNumber(t *testing.T) {
	engine := &mockEngine{
		functionCalls: []*ai.FunctionCall{
			{Name: "label", Arguments: json.RawMessage(`{"rule_number": 7}`)},
		},
	}
	m := NewMatcher(engine)

	decision, err := m.Match(context.Background(), testEmail(), []*db.Rule{labelRule(1, "Newsletters")})
	require.NoError(t, err)
	assert.Nil(t, decision)
}

func TestMatcherDropsDecisionsFailingValidation(t *testing.T) {
	// Schema-invalid arguments are the engine's mistake, not a
	// transport failure: the decision is dropped, not surfaced.
	engine := &mockEngine{
		functionErrs: []error{
			fmt.Errorf("%w: $.rule_number: expected integer", ai.ErrInvalidFunctionArgs),
		},
	}
	m := NewMatcher(engine)

	decision, err := m.Match(context.Background(), testEmail(), []*db.Rule{labelRule(1, "Newsletters")})
	require.NoError(t, err)
	assert.Nil(t, decision)
}

func TestMatcherPropagatesEngineErrors(t *testing.T) {
	engine := &mockEngine{functionErrs: []error{assert.AnError}}
	m := NewMatcher(engine)

	_, err := m.Match(context.Background(), testEmail(), []*db.Rule{labelRule(1, "Newsletters")})
	assert.Error(t, err)
}

func TestRenderEmailTruncatesOnRuneBoundary(t *testing.T) {
	email := testEmail()
	email.Body = strings.Repeat("é", 10) // 2 bytes per rune

	out := renderEmail(email, 5) // falls mid-rune
	assert.True(t, utf8.ValidString(out))
	assert.Contains(t, out, "[truncated]")
	assert.Contains(t, out, "éé")
}
